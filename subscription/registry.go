// Package subscription multiplexes monitored items onto protocol
// subscriptions and forwards their value changes to broker sinks.
//
// Subscriptions are keyed by the (server, broker, topic) triple. All
// monitor requests against one triple share a single protocol subscription
// whose publishing interval only ever tightens.
package subscription

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"gitlab.com/project-nan/uabridge/common"
	"gitlab.com/project-nan/uabridge/publisher"
	"gitlab.com/project-nan/uabridge/session"
	"gitlab.com/project-nan/uabridge/uaclient"
)

// ItemSpec describes one value node within a monitor request
type ItemSpec struct {
	// Label names the item in forwarded messages. Defaults to the node ID.
	Label string
	// Request carries the node and filter parameters for the monitored item
	Request uaclient.ItemRequest
}

// MonitorRequest asks for a batch of items to be monitored and republished
type MonitorRequest struct {
	// ServerURL is the OPC UA server to monitor
	ServerURL string
	// BrokerURL is the `scheme:address` broker destination
	BrokerURL string
	// Topic is the broker topic messages are published on
	Topic string
	// Interval optionally caps the publishing interval. When zero, the
	// interval derives entirely from the items' sampling intervals.
	Interval time.Duration
	// Items is the batch of value nodes to monitor
	Items []ItemSpec
}

// Registry manages the active subscription records
type Registry interface {
	// Monitor adds a batch of items under the (server, broker, topic)
	// triple, creating the protocol subscription on first use. One success
	// flag is returned per item; a failed item leaves no trace behind.
	Monitor(ctxt context.Context, request MonitorRequest) ([]bool, error)
	// Unmonitor removes the subscription record of a triple along with all
	// its items. Returns false when no such record exists or the protocol
	// level removal failed.
	Unmonitor(ctxt context.Context, serverURL, brokerURL, topic string) bool
	// StopAll removes every subscription record
	StopAll(ctxt context.Context)
}

// recordKey identifies a subscription record within one server
type recordKey struct {
	brokerURL string
	topic     string
}

// itemKey identifies one monitored item across all servers. Handles are
// allocated per session, so two servers can hand out the same handle; the
// server URL disambiguates them.
type itemKey struct {
	serverURL string
	handle    uaclient.ItemHandle
}

// itemInfo is the per item bookkeeping within a record
type itemInfo struct {
	nodeID string
	label  string
}

// subscriptionRecord is one (server, broker, topic) subscription
type subscriptionRecord struct {
	serverURL string
	key       recordKey
	session   uaclient.Session
	sub       uaclient.Subscription
	publisher publisher.Publisher
	interval  time.Duration
	items     map[uaclient.ItemHandle]itemInfo
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	sessions    session.Registry
	publishers  publisher.Factory
	tp          common.TaskProcessor
	callTimeout time.Duration
	// lock serializes all structural mutation of records and itemIndex
	lock    *sync.Mutex
	records map[string]map[recordKey]*subscriptionRecord
	// itemIndex maps item handles back to their owning record for
	// notification routing. Entries appear only after the item is in the
	// record, and disappear before the item leaves it.
	itemIndex map[itemKey]*subscriptionRecord
}

// DefineRegistry create a subscription registry.
//
// Value change forwarding runs on the given task processor; its single
// event loop keeps samples of each item in arrival order.
func DefineRegistry(
	sessions session.Registry,
	publishers publisher.Factory,
	tp common.TaskProcessor,
	callTimeout time.Duration,
) (Registry, error) {
	logTags := log.Fields{"module": "subscription", "component": "registry"}
	instance := &registryImpl{
		Component:   common.Component{LogTags: logTags},
		sessions:    sessions,
		publishers:  publishers,
		tp:          tp,
		callTimeout: callTimeout,
		lock:        &sync.Mutex{},
		records:     make(map[string]map[recordKey]*subscriptionRecord),
		itemIndex:   make(map[itemKey]*subscriptionRecord),
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(forwardSampleTask{}), instance.processForwardSample,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// Monitor adds a batch of items under the (server, broker, topic) triple
func (r *registryImpl) Monitor(
	ctxt context.Context, request MonitorRequest,
) ([]bool, error) {
	if len(request.Items) == 0 {
		return nil, fmt.Errorf("monitor request carries no items")
	}
	candidate, err := derivePublishingInterval(request)
	if err != nil {
		return nil, err
	}
	// Session and publisher are acquired before taking the registry lock,
	// both involve network round trips on first use.
	established, err := r.sessions.GetOrCreateSession(ctxt, request.ServerURL)
	if err != nil {
		return nil, err
	}
	sink, err := r.publishers.GetPublisher(ctxt, request.BrokerURL)
	if err != nil {
		return nil, err
	}

	key := recordKey{brokerURL: request.BrokerURL, topic: request.Topic}
	r.lock.Lock()
	defer r.lock.Unlock()

	serverRecords, ok := r.records[request.ServerURL]
	if !ok {
		serverRecords = make(map[recordKey]*subscriptionRecord)
		r.records[request.ServerURL] = serverRecords
	}
	record, recordExisted := serverRecords[key]
	if !recordExisted {
		// Notification routing needs the server identity; handles alone are
		// only unique within one session.
		serverURL := request.ServerURL
		protocolSub, err := established.Subscribe(
			ctxt, candidate,
			func(item uaclient.ItemHandle, samples []uaclient.RawSample) {
				r.handleItemNotification(serverURL, item, samples)
			},
		)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to create subscription for %s -> %s/%s",
				request.ServerURL, request.BrokerURL, request.Topic,
			)
			if len(serverRecords) == 0 {
				delete(r.records, request.ServerURL)
			}
			return nil, err
		}
		record = &subscriptionRecord{
			serverURL: request.ServerURL,
			key:       key,
			session:   established,
			sub:       protocolSub,
			publisher: sink,
			interval:  candidate,
			items:     make(map[uaclient.ItemHandle]itemInfo),
		}
		serverRecords[key] = record
		log.WithFields(r.LogTags).Infof(
			"Created subscription %s -> %s/%s at %s",
			request.ServerURL, request.BrokerURL, request.Topic, candidate,
		)
	} else if candidate < record.interval {
		// The publishing interval only ever tightens
		if err := record.sub.SetPublishingInterval(ctxt, candidate); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to tighten interval of %s -> %s/%s to %s",
				request.ServerURL, request.BrokerURL, request.Topic, candidate,
			)
			return nil, err
		}
		record.interval = candidate
		log.WithFields(r.LogTags).Infof(
			"Tightened interval of %s -> %s/%s to %s",
			request.ServerURL, request.BrokerURL, request.Topic, candidate,
		)
	}

	// Items succeed or fail individually
	results := make([]bool, len(request.Items))
	for idx, oneItem := range request.Items {
		handle, err := record.sub.AddItem(ctxt, oneItem.Request)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Item %s rejected on %s", oneItem.Request.NodeID, request.ServerURL,
			)
			continue
		}
		label := oneItem.Label
		if label == "" {
			label = oneItem.Request.NodeID
		}
		record.items[handle] = itemInfo{nodeID: oneItem.Request.NodeID, label: label}
		r.itemIndex[itemKey{serverURL: request.ServerURL, handle: handle}] = record
		results[idx] = true
	}

	// A record left without items is dropped again
	if len(record.items) == 0 {
		if err := record.sub.Delete(ctxt); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to drop emptied subscription %s -> %s/%s",
				request.ServerURL, request.BrokerURL, request.Topic,
			)
		}
		delete(serverRecords, key)
		if len(serverRecords) == 0 {
			delete(r.records, request.ServerURL)
		}
	}
	return results, nil
}

// derivePublishingInterval picks the publishing interval a monitor request
// asks for: the fastest sampling interval across its items, further capped
// by the request level interval when one is given.
func derivePublishingInterval(request MonitorRequest) (time.Duration, error) {
	candidate := time.Duration(0)
	for _, oneItem := range request.Items {
		sampling := oneItem.Request.SamplingInterval
		if sampling <= 0 {
			continue
		}
		if candidate == 0 || sampling < candidate {
			candidate = sampling
		}
	}
	if request.Interval > 0 && (candidate == 0 || request.Interval < candidate) {
		candidate = request.Interval
	}
	if candidate <= 0 {
		return 0, fmt.Errorf("monitor request carries no usable sampling interval")
	}
	return candidate, nil
}

// Unmonitor removes the subscription record of a triple
func (r *registryImpl) Unmonitor(
	ctxt context.Context, serverURL, brokerURL, topic string,
) bool {
	key := recordKey{brokerURL: brokerURL, topic: topic}
	r.lock.Lock()
	defer r.lock.Unlock()
	serverRecords, ok := r.records[serverURL]
	if !ok {
		return false
	}
	record, ok := serverRecords[key]
	if !ok {
		return false
	}
	if err := record.sub.Delete(ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to delete subscription %s -> %s/%s", serverURL, brokerURL, topic,
		)
		return false
	}
	// Index entries go first so notification routing never sees a handle
	// whose record is already gone
	for handle := range record.items {
		delete(r.itemIndex, itemKey{serverURL: serverURL, handle: handle})
	}
	delete(serverRecords, key)
	if len(serverRecords) == 0 {
		delete(r.records, serverURL)
	}
	log.WithFields(r.LogTags).Infof(
		"Removed subscription %s -> %s/%s", serverURL, brokerURL, topic,
	)
	return true
}

// StopAll removes every subscription record
func (r *registryImpl) StopAll(ctxt context.Context) {
	r.lock.Lock()
	triples := make([][3]string, 0)
	for serverURL, serverRecords := range r.records {
		for key := range serverRecords {
			triples = append(triples, [3]string{serverURL, key.brokerURL, key.topic})
		}
	}
	r.lock.Unlock()
	for _, oneTriple := range triples {
		_ = r.Unmonitor(ctxt, oneTriple[0], oneTriple[1], oneTriple[2])
	}
}
