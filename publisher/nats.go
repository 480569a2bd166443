package publisher

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"gitlab.com/project-nan/uabridge/common"
)

// natsPublisherImpl implements Publisher against a NATS broker
type natsPublisherImpl struct {
	common.Component
	nc *nats.Conn
}

// getNATSPublisher connect a publisher against one NATS broker
func getNATSPublisher(
	address string, config common.NATSPublisherConfig,
) (Publisher, error) {
	logTags := log.Fields{
		"module": "publisher", "component": "nats-publisher", "instance": address,
	}
	nc, err := nats.Connect(
		address,
		nats.Timeout(time.Second*time.Duration(config.ConnectTimeout)),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(config.Reconnect.MaxAttempts),
		nats.ReconnectWait(time.Second*time.Duration(config.Reconnect.WaitInterval)),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).WithFields(logTags).Warn("NATS broker disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.WithFields(logTags).Info("NATS broker reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.WithFields(logTags).Info("NATS connection closed")
		}),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return nil, err
	}
	return &natsPublisherImpl{Component: common.Component{LogTags: logTags}, nc: nc}, nil
}

// Publish sends one message on a topic
func (p *natsPublisherImpl) Publish(
	ctxt context.Context, topic string, message []byte,
) error {
	if err := p.nc.Publish(topic, message); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Publish on %s failed", topic)
		return err
	}
	return nil
}

// Close drops the broker connection
func (p *natsPublisherImpl) Close(ctxt context.Context) {
	if err := p.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("NATS flush failed")
	}
	p.nc.Close()
	log.WithFields(p.LogTags).Infof("Closed NATS publisher")
}
