package consumer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"datawatch/internal/measure"
	logx "datawatch/pkg/logx"
)

// MQTTConfig configures the MQTT forwarder.
type MQTTConfig struct {
	Broker      string // e.g. "tcp://127.0.0.1:1883"
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string // default "datawatch"
	QoS         byte
	Retained    bool

	ConnectTimeout time.Duration // default 5s
	PublishTimeout time.Duration // default 2s
}

// tokenPublisher is the part of mqtt.Client the forwarder uses.
type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes each measurement as JSON to <prefix>/<source>/<name>.
// It forwards only; nothing is stored.
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client
	pub    tokenPublisher
	log    logx.Logger
}

// DialMQTT connects to the broker with auto-reconnect enabled.
func DialMQTT(cfg MQTTConfig, log logx.Logger) (*MQTT, error) {
	cfg = withMQTTDefaults(cfg)
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt: broker address required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "mqtt"), logx.String("broker", cfg.Broker))

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) { log.Info("mqtt connected") }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost; reconnecting", logx.Err(err))
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect timeout after %s", cfg.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect: %w", err)
	}
	return &MQTT{cfg: cfg, client: client, pub: client, log: log}, nil
}

func withMQTTDefaults(cfg MQTTConfig) MQTTConfig {
	if cfg.ClientID == "" {
		cfg.ClientID = "datawatch"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "datawatch"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.QoS > 2 {
		cfg.QoS = 2
	}
	return cfg
}

// Topic returns the topic for m.
func (c *MQTT) Topic(m measure.Measurement) string {
	return strings.TrimSuffix(c.cfg.TopicPrefix, "/") + "/" + topicSegment(m.Source) + "/" + topicSegment(m.Name)
}

func (c *MQTT) Consume(m measure.Measurement) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("mqtt: marshal: %w", err)
	}
	topic := c.Topic(m)
	tok := c.pub.Publish(topic, c.cfg.QoS, c.cfg.Retained, payload)
	if !tok.WaitTimeout(c.cfg.PublishTimeout) {
		err = fmt.Errorf("mqtt: publish %s: timeout after %s", topic, c.cfg.PublishTimeout)
	} else if terr := tok.Error(); terr != nil {
		err = fmt.Errorf("mqtt: publish %s: %w", topic, terr)
	}
	if err != nil {
		// the broker logs the failure; this adds the delivery details
		c.log.Debug("mqtt publish failed",
			logx.String("topic", topic),
			logx.Int("qos", int(c.cfg.QoS)),
			logx.Bool("retained", c.cfg.Retained),
			logx.Err(err))
	}
	return err
}

// Close disconnects, allowing in-flight publishes a short grace period.
func (c *MQTT) Close() error {
	if c.client != nil {
		c.client.Disconnect(250)
	}
	return nil
}

// topicSegment keeps wildcards and level separators out of a single level.
func topicSegment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, s)
}
