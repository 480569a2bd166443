package common

import "github.com/spf13/viper"

// ===============================================================================
// OPC UA Related Config

// UASessionConfig defines parameters controlling OPC UA session handling
type UASessionConfig struct {
	// ConnectTimeout is the max duration for establishing an OPC UA session in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// ProbeInterval is the duration between background liveness probes in seconds.
	// A zero value disables the background probe loop.
	ProbeInterval int `mapstructure:"probe_interval_sec" json:"probe_interval_sec" validate:"gte=0"`
}

// ===============================================================================
// Broker Publisher Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSPublisherConfig defines parameters for connecting to NATS brokers
type NATSPublisherConfig struct {
	// ConnectTimeout is the max duration for connecting to a NATS broker in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// MQTTPublisherConfig defines parameters for connecting to MQTT brokers
type MQTTPublisherConfig struct {
	// ConnectTimeout is the max duration for connecting to an MQTT broker in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// ClientIDPrefix is prepended to the random client ID used on connect
	ClientIDPrefix string `mapstructure:"client_id_prefix" json:"client_id_prefix" validate:"required"`
	// QOS is the MQTT quality-of-service level used when publishing
	QOS int `mapstructure:"qos" json:"qos" validate:"gte=0,lte=2"`
}

// PublisherConfig defines broker publisher parameters grouped by broker type
type PublisherConfig struct {
	// NATS are the NATS publisher config parameters
	NATS NATSPublisherConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// MQTT are the MQTT publisher config parameters
	MQTT MQTTPublisherConfig `mapstructure:"mqtt" json:"mqtt" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Gateway Server Related Config

// GatewayEndpointConfig defines gateway API endpoint config
type GatewayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the gateway APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// GatewayServerConfig defines configuration for the gateway API server
type GatewayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the gateway API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the gateway API server
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the gateway
type SystemConfig struct {
	// UASession are the OPC UA session related config parameters
	UASession UASessionConfig `mapstructure:"uasession" json:"uasession" validate:"required,dive"`
	// Publisher are the broker publisher related config parameters
	Publisher PublisherConfig `mapstructure:"publisher" json:"publisher" validate:"required,dive"`
	// Gateway are the gateway API server configs
	Gateway GatewayServerConfig `mapstructure:"gateway" json:"gateway" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default OPC UA session settings
	viper.SetDefault("uasession.connect_timeout_sec", 30)
	viper.SetDefault("uasession.probe_interval_sec", 30)

	// Default publisher settings
	viper.SetDefault("publisher.nats.connect_timeout_sec", 30)
	viper.SetDefault("publisher.nats.reconnect.max_attempts", -1)
	viper.SetDefault("publisher.nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("publisher.mqtt.connect_timeout_sec", 30)
	viper.SetDefault("publisher.mqtt.client_id_prefix", "uabridge")
	viper.SetDefault("publisher.mqtt.qos", 0)

	// Default Gateway server settings
	viper.SetDefault("gateway.endpoint_config.path_prefix", "/")
	viper.SetDefault("gateway.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.api_server.server_config.listen_port", 3000)
	viper.SetDefault("gateway.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"gateway.api_server.logging_config.request_id_header", "Uabridge-Request-ID",
	)
	viper.SetDefault(
		"gateway.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
