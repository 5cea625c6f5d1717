package config

import (
	"time"
)

// Version defines the chirpstack-device-stack version.
var Version string

// Config defines the configuration structure of the simulator binary.
type Config struct {
	General struct {
		LogLevel int `mapstructure:"log_level"`
	} `mapstructure:"general"`

	Redis struct {
		Servers    []string      `mapstructure:"servers"`
		Password   string        `mapstructure:"password"`
		Database   int           `mapstructure:"database"`
		SessionTTL time.Duration `mapstructure:"session_ttl"`
	} `mapstructure:"redis"`

	Simulator SimulatorConfig `mapstructure:"simulator"`

	Metrics struct {
		Prometheus struct {
			EndpointEnabled bool   `mapstructure:"endpoint_enabled"`
			Bind            string `mapstructure:"bind"`
		} `mapstructure:"prometheus"`
	} `mapstructure:"metrics"`
}

// SimulatorConfig holds the virtual-device fleet configuration.
type SimulatorConfig struct {
	// Region selects the regional channel plan, e.g. EU868 or US915.
	Region string `mapstructure:"region"`

	// DeviceCount is the number of virtual devices in the fleet.
	DeviceCount int `mapstructure:"device_count"`

	// UplinkInterval is the pause between uplinks per device.
	UplinkInterval time.Duration `mapstructure:"uplink_interval"`

	// FPort and Payload shape the generated uplinks.
	FPort     uint8  `mapstructure:"f_port"`
	Payload   string `mapstructure:"payload"`
	Confirmed bool   `mapstructure:"confirmed"`

	// ClassC holds the virtual devices in continuous RX between uplinks.
	ClassC bool `mapstructure:"class_c"`

	// JoinBiasSubband biases US915 / AU915 joins to the given 8-channel
	// subband (1-8), 0 to disable.
	JoinBiasSubband int `mapstructure:"join_bias_subband"`

	// Activation credentials. The DevEUI of fleet device i is the
	// configured base value plus i.
	DevEUI string `mapstructure:"dev_eui"`
	AppEUI string `mapstructure:"app_eui"`
	AppKey string `mapstructure:"app_key"`

	Gateway GatewayConfig `mapstructure:"gateway"`
}

// GatewayConfig holds the virtual-gateway backend configuration.
type GatewayConfig struct {
	// GatewayID identifies the virtual gateway in the MQTT topics.
	GatewayID string `mapstructure:"gateway_id"`

	Backend struct {
		MQTT struct {
			Server               string        `mapstructure:"server"`
			Username             string        `mapstructure:"username"`
			Password             string        `mapstructure:"password"`
			CleanSession         bool          `mapstructure:"clean_session"`
			MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
			EventTopicTemplate   string        `mapstructure:"event_topic_template"`
			CommandTopicTemplate string        `mapstructure:"command_topic_template"`
		} `mapstructure:"mqtt"`
	} `mapstructure:"backend"`
}

// C holds the global configuration.
var C Config
