// Package publisher delivers gateway messages to external broker sinks.
//
// Broker destinations are named by a `scheme:address` URL. The scheme set is
// closed; anything outside it is rejected at the boundary with
// ErrUnknownScheme rather than passed along as a string.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/apex/log"
	"gitlab.com/project-nan/uabridge/common"
)

// ErrUnknownScheme indicates a broker URL scheme outside the supported set
var ErrUnknownScheme = errors.New("unknown broker scheme")

// Scheme is the closed set of supported broker types
type Scheme int

// Supported broker schemes
const (
	// SchemeNATS publishes through a NATS broker
	SchemeNATS Scheme = iota
	// SchemeMQTT publishes through an MQTT broker
	SchemeMQTT
)

// String returns the canonical scheme name
func (s Scheme) String() string {
	if s == SchemeMQTT {
		return "mqtt"
	}
	return "nats"
}

// ParseBrokerURL splits a `scheme:address` broker URL and resolves the scheme
func ParseBrokerURL(brokerURL string) (Scheme, string, error) {
	parts := strings.SplitN(brokerURL, ":", 2)
	if len(parts) != 2 || len(parts[1]) == 0 {
		return SchemeNATS, "", fmt.Errorf("broker URL %s missing address", brokerURL)
	}
	switch strings.ToLower(parts[0]) {
	case "nats":
		return SchemeNATS, parts[1], nil
	case "mqtt":
		return SchemeMQTT, parts[1], nil
	default:
		return SchemeNATS, "", fmt.Errorf("%w: %s", ErrUnknownScheme, parts[0])
	}
}

// Publisher forwards messages to one broker
type Publisher interface {
	// Publish sends one message on a topic
	Publish(ctxt context.Context, topic string, message []byte) error
	// Close drops the broker connection
	Close(ctxt context.Context)
}

// Factory hands out broker publishers keyed by broker URL
type Factory interface {
	// GetPublisher returns the publisher for a broker URL, connecting on
	// first use and reusing the connection afterwards
	GetPublisher(ctxt context.Context, brokerURL string) (Publisher, error)
}

// factoryImpl implements Factory
type factoryImpl struct {
	common.Component
	natsConfig common.NATSPublisherConfig
	mqttConfig common.MQTTPublisherConfig
	lock       *sync.Mutex
	active     map[string]Publisher
}

// GetPublisherFactory define a publisher factory
func GetPublisherFactory(
	natsConfig common.NATSPublisherConfig, mqttConfig common.MQTTPublisherConfig,
) (Factory, error) {
	logTags := log.Fields{"module": "publisher", "component": "factory"}
	return &factoryImpl{
		Component:  common.Component{LogTags: logTags},
		natsConfig: natsConfig,
		mqttConfig: mqttConfig,
		lock:       &sync.Mutex{},
		active:     make(map[string]Publisher),
	}, nil
}

// GetPublisher returns the publisher for a broker URL
func (f *factoryImpl) GetPublisher(
	ctxt context.Context, brokerURL string,
) (Publisher, error) {
	scheme, address, err := ParseBrokerURL(brokerURL)
	if err != nil {
		log.WithError(err).WithFields(f.LogTags).Errorf("Rejected broker URL %s", brokerURL)
		return nil, err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if existing, ok := f.active[brokerURL]; ok {
		return existing, nil
	}
	var created Publisher
	switch scheme {
	case SchemeMQTT:
		created, err = getMQTTPublisher(address, f.mqttConfig)
	default:
		created, err = getNATSPublisher(address, f.natsConfig)
	}
	if err != nil {
		return nil, err
	}
	f.active[brokerURL] = created
	log.WithFields(f.LogTags).Infof("Connected %s publisher against %s", scheme, address)
	return created, nil
}
