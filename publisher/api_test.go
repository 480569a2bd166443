package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrokerURLParsing(t *testing.T) {
	assert := assert.New(t)

	// Case 0: supported schemes
	{
		scheme, address, err := ParseBrokerURL("nats:nats://127.0.0.1:4222")
		assert.Nil(err)
		assert.Equal(SchemeNATS, scheme)
		assert.Equal("nats://127.0.0.1:4222", address)

		scheme, address, err = ParseBrokerURL("mqtt:tcp://127.0.0.1:1883")
		assert.Nil(err)
		assert.Equal(SchemeMQTT, scheme)
		assert.Equal("tcp://127.0.0.1:1883", address)
	}

	// Case 1: scheme matching is case insensitive
	{
		scheme, _, err := ParseBrokerURL("MQTT:tcp://broker:1883")
		assert.Nil(err)
		assert.Equal(SchemeMQTT, scheme)
	}

	// Case 2: unsupported scheme
	{
		_, _, err := ParseBrokerURL("kafka:broker:9092")
		assert.ErrorIs(err, ErrUnknownScheme)
	}

	// Case 3: malformed URLs
	{
		_, _, err := ParseBrokerURL("nats")
		assert.NotNil(err)
		_, _, err = ParseBrokerURL("nats:")
		assert.NotNil(err)
	}
}
