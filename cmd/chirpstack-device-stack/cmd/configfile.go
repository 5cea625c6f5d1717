package cmd

import (
	"os"
	"text/template"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/brocaar/chirpstack-device-stack/internal/config"
)

const configTemplate = `[general]
# Log level
#
# debug=5, info=4, warning=3, error=2, fatal=1, panic=0
log_level={{ .General.LogLevel }}


# Redis settings.
#
# When one or more servers are configured, the device-sessions and DevNonce
# counters of the virtual devices are persisted in Redis and survive a
# restart of the simulator.
[redis]
# Server addresses.
servers=[{{ range $index, $elem := .Redis.Servers }}
  "{{ $elem }}",{{ end }}
]

# Password.
password="{{ .Redis.Password }}"

# Database index.
database={{ .Redis.Database }}

# Session TTL.
#
# Device-sessions not updated within this window expire.
session_ttl="{{ .Redis.SessionTTL }}"


# Simulator settings.
[simulator]
# Regional channel plan.
#
# Valid options are: EU868, EU433, US915, AU915, AS923, AS923-2, AS923-3,
# AS923-4, IN865 and CN470.
region="{{ .Simulator.Region }}"

# Number of virtual devices.
device_count={{ .Simulator.DeviceCount }}

# Pause between uplinks, per device.
uplink_interval="{{ .Simulator.UplinkInterval }}"

# Uplink port and payload.
f_port={{ .Simulator.FPort }}
payload="{{ .Simulator.Payload }}"

# Send confirmed uplinks.
confirmed={{ .Simulator.Confirmed }}

# Operate the devices as Class C.
class_c={{ .Simulator.ClassC }}

# Bias US915 / AU915 joins to this 8-channel subband (1-8, 0 disables).
join_bias_subband={{ .Simulator.JoinBiasSubband }}

# Activation.
#
# The DevEUI of device i in the fleet is dev_eui + i.
dev_eui="{{ .Simulator.DevEUI }}"
app_eui="{{ .Simulator.AppEUI }}"
app_key="{{ .Simulator.AppKey }}"

  # Virtual gateway.
  [simulator.gateway]
  # Gateway ID used in the MQTT topics.
  gateway_id="{{ .Simulator.Gateway.GatewayID }}"

    [simulator.gateway.backend.mqtt]
    # MQTT broker, e.g. scheme://host:port where scheme is tcp, ssl or ws.
    server="{{ .Simulator.Gateway.Backend.MQTT.Server }}"

    # Connect with the given username and password (optional).
    username="{{ .Simulator.Gateway.Backend.MQTT.Username }}"
    password="{{ .Simulator.Gateway.Backend.MQTT.Password }}"

    # Clean session on connect.
    clean_session={{ .Simulator.Gateway.Backend.MQTT.CleanSession }}

    # Maximum interval between reconnect attempts.
    max_reconnect_interval="{{ .Simulator.Gateway.Backend.MQTT.MaxReconnectInterval }}"

    # Topic templates.
    event_topic_template="{{ .Simulator.Gateway.Backend.MQTT.EventTopicTemplate }}"
    command_topic_template="{{ .Simulator.Gateway.Backend.MQTT.CommandTopicTemplate }}"


# Metrics settings.
[metrics.prometheus]
# Expose prometheus metrics.
endpoint_enabled={{ .Metrics.Prometheus.EndpointEnabled }}

# Bind of the metrics endpoint.
bind="{{ .Metrics.Prometheus.Bind }}"
`

var configCmd = &cobra.Command{
	Use:   "configfile",
	Short: "Print the ChirpStack Device Stack configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		t := template.Must(template.New("config").Parse(configTemplate))
		err := t.Execute(os.Stdout, config.C)
		if err != nil {
			return errors.Wrap(err, "execute config template error")
		}
		return nil
	},
}
