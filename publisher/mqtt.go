package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"gitlab.com/project-nan/uabridge/common"
)

// mqttPublisherImpl implements Publisher against an MQTT broker
type mqttPublisherImpl struct {
	common.Component
	client mqtt.Client
	qos    byte
}

// getMQTTPublisher connect a publisher against one MQTT broker
func getMQTTPublisher(
	address string, config common.MQTTPublisherConfig,
) (Publisher, error) {
	logTags := log.Fields{
		"module": "publisher", "component": "mqtt-publisher", "instance": address,
	}
	connectTimeout := time.Second * time.Duration(config.ConnectTimeout)
	options := mqtt.NewClientOptions().
		AddBroker(address).
		SetClientID(fmt.Sprintf("%s-%s", config.ClientIDPrefix, uuid.New().String())).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).WithFields(logTags).Warn("MQTT broker disconnected")
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			log.WithFields(logTags).Info("MQTT broker connected")
		})
	client := mqtt.NewClient(options)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		err := fmt.Errorf("connect against %s timed out", address)
		log.WithError(err).WithFields(logTags).Error("MQTT client connect failed")
		return nil, err
	}
	if err := token.Error(); err != nil {
		log.WithError(err).WithFields(logTags).Error("MQTT client connect failed")
		return nil, err
	}
	return &mqttPublisherImpl{
		Component: common.Component{LogTags: logTags},
		client:    client,
		qos:       byte(config.QOS),
	}, nil
}

// Publish sends one message on a topic
func (p *mqttPublisherImpl) Publish(
	ctxt context.Context, topic string, message []byte,
) error {
	token := p.client.Publish(topic, p.qos, false, message)
	select {
	case <-token.Done():
	case <-ctxt.Done():
		return ctxt.Err()
	}
	if err := token.Error(); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Publish on %s failed", topic)
		return err
	}
	return nil
}

// Close drops the broker connection
func (p *mqttPublisherImpl) Close(ctxt context.Context) {
	p.client.Disconnect(250)
	log.WithFields(p.LogTags).Infof("Closed MQTT publisher")
}
