package simulator

import (
	"bytes"
	"encoding/json"
	"sync"
	"text/template"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/config"
	"github.com/brocaar/chirpstack-device-stack/internal/radio"
)

// UplinkFrame is the gateway-encapsulated uplink published to the MQTT
// backend.
type UplinkFrame struct {
	PHYPayload []byte       `json:"phyPayload"`
	TXInfo     UplinkTXInfo `json:"txInfo"`
	RXInfo     UplinkRXInfo `json:"rxInfo"`
}

// UplinkTXInfo describes the modulation of an uplink.
type UplinkTXInfo struct {
	Frequency       uint32 `json:"frequency"`
	SpreadingFactor int    `json:"spreadingFactor"`
	Bandwidth       int    `json:"bandwidth"`
	CodeRate        string `json:"codeRate"`
}

// UplinkRXInfo describes the (virtual) reception of an uplink.
type UplinkRXInfo struct {
	GatewayID string    `json:"gatewayID"`
	Time      time.Time `json:"time"`
	RSSI      int       `json:"rssi"`
	LoRaSNR   float64   `json:"loRaSNR"`
}

// DownlinkFrame is the gateway command received from the MQTT backend.
type DownlinkFrame struct {
	PHYPayload []byte `json:"phyPayload"`
	TXInfo     struct {
		Frequency uint32 `json:"frequency"`
	} `json:"txInfo"`
}

// Gateway bridges the virtual radios to an MQTT backend: uplinks are
// published as gateway events, downlink commands are broadcast to every
// listening radio, like RF would.
type Gateway struct {
	id           string
	conn         mqtt.Client
	eventTopic   string
	commandTopic string

	mu        sync.Mutex
	listeners map[chan []byte]struct{}
}

// NewGateway connects the virtual gateway to the MQTT backend.
func NewGateway(c config.Config) (*Gateway, error) {
	conf := c.Simulator.Gateway

	gw := &Gateway{
		id:        conf.GatewayID,
		listeners: make(map[chan []byte]struct{}),
	}

	var err error
	if gw.eventTopic, err = renderTopic(conf.Backend.MQTT.EventTopicTemplate, conf.GatewayID); err != nil {
		return nil, errors.Wrap(err, "render event topic error")
	}
	if gw.commandTopic, err = renderTopic(conf.Backend.MQTT.CommandTopicTemplate, conf.GatewayID); err != nil {
		return nil, errors.Wrap(err, "render command topic error")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(conf.Backend.MQTT.Server)
	opts.SetUsername(conf.Backend.MQTT.Username)
	opts.SetPassword(conf.Backend.MQTT.Password)
	opts.SetCleanSession(conf.Backend.MQTT.CleanSession)
	opts.SetAutoReconnect(true)
	if conf.Backend.MQTT.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(conf.Backend.MQTT.MaxReconnectInterval)
	}
	opts.SetOnConnectHandler(gw.onConnected)

	log.WithFields(log.Fields{
		"server":     conf.Backend.MQTT.Server,
		"gateway_id": conf.GatewayID,
	}).Info("simulator: connecting to mqtt broker")

	gw.conn = mqtt.NewClient(opts)
	if token := gw.conn.Connect(); token.Wait() && token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "mqtt connect error")
	}
	return gw, nil
}

func (g *Gateway) onConnected(c mqtt.Client) {
	log.WithField("topic", g.commandTopic).Info("simulator: subscribing to downlink commands")
	if token := c.Subscribe(g.commandTopic, 0, g.handleDownlink); token.Wait() && token.Error() != nil {
		log.WithError(token.Error()).Error("simulator: subscribe error")
	}
}

func (g *Gateway) handleDownlink(_ mqtt.Client, msg mqtt.Message) {
	var frame DownlinkFrame
	if err := json.Unmarshal(msg.Payload(), &frame); err != nil {
		log.WithError(err).Error("simulator: unmarshal downlink frame error")
		return
	}
	downlinkCounter.Inc()

	g.mu.Lock()
	defer g.mu.Unlock()
	for l := range g.listeners {
		select {
		case l <- frame.PHYPayload:
		default:
			// the radio is not consuming; RF would be lost too
		}
	}
}

// PublishUplink publishes a device transmission as a gateway uplink event.
func (g *Gateway) PublishUplink(txConfig radio.TxConfig, phyPayload []byte) error {
	frame := UplinkFrame{
		PHYPayload: append([]byte{}, phyPayload...),
		TXInfo: UplinkTXInfo{
			Frequency:       txConfig.Frequency,
			SpreadingFactor: txConfig.DataRate.SpreadingFactor,
			Bandwidth:       txConfig.DataRate.Bandwidth,
			CodeRate:        txConfig.DataRate.CodingRate,
		},
		RXInfo: UplinkRXInfo{
			GatewayID: g.id,
			Time:      time.Now(),
			RSSI:      -60,
			LoRaSNR:   8.5,
		},
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "marshal uplink frame error")
	}
	if token := g.conn.Publish(g.eventTopic, 0, false, b); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "publish uplink frame error")
	}
	uplinkCounter.Inc()
	return nil
}

// Subscribe registers a radio downlink channel.
func (g *Gateway) Subscribe(ch chan []byte) {
	g.mu.Lock()
	g.listeners[ch] = struct{}{}
	g.mu.Unlock()
}

// Unsubscribe removes a radio downlink channel.
func (g *Gateway) Unsubscribe(ch chan []byte) {
	g.mu.Lock()
	delete(g.listeners, ch)
	g.mu.Unlock()
}

// Close disconnects from the broker.
func (g *Gateway) Close() {
	g.conn.Disconnect(250)
}

func renderTopic(tmpl, gatewayID string) (string, error) {
	t, err := template.New("topic").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, struct{ GatewayID string }{gatewayID}); err != nil {
		return "", err
	}
	return buf.String(), nil
}
