package sink

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/ultrasonic.position/internal/position"
)

// DefaultMQTTTopic is used when MQTTConfig.Topic is empty.
const DefaultMQTTTopic = "locator/position"

// MQTTConfig describes the broker estimates are published to.
type MQTTConfig struct {
	// Broker is a URL such as tcp://localhost:1883.
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
	// Retain keeps the last estimate on the broker for late subscribers.
	Retain bool
}

// PositionMessage is the JSON payload published for each estimate.
type PositionMessage struct {
	X     float64   `json:"x"`
	Y     float64   `json:"y"`
	Error float64   `json:"error"`
	Time  time.Time `json:"time"`
}

// tokenPublisher is the part of mqtt.Client the sink needs.
type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes each estimate to an MQTT topic.
type MQTTSink struct {
	client  tokenPublisher
	topic   string
	qos     byte
	retain  bool
	timeout time.Duration

	disconnect func()
}

// NewMQTTSink wraps an already connected client.
func NewMQTTSink(client tokenPublisher, cfg MQTTConfig) (*MQTTSink, error) {
	if client == nil {
		return nil, fmt.Errorf("mqtt sink needs a client")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid QoS %d", cfg.QoS)
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultMQTTTopic
	}
	return &MQTTSink{
		client:  client,
		topic:   topic,
		qos:     cfg.QoS,
		retain:  cfg.Retain,
		timeout: 5 * time.Second,
	}, nil
}

// DialMQTT connects to cfg.Broker and returns a sink publishing to it.
// The client reconnects on its own after the first successful connect.
func DialMQTT(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker not set")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("locator-%d", time.Now().Unix())
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) { logf("mqtt connected to %s", cfg.Broker) }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logf("mqtt connection lost: %v (will auto-reconnect)", err)
	}

	client := mqtt.NewClient(opts)
	logf("mqtt connecting to %s as %s", cfg.Broker, clientID)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect failed: %w", err)
	}

	s, err := NewMQTTSink(client, cfg)
	if err != nil {
		client.Disconnect(250)
		return nil, err
	}
	s.disconnect = func() {
		if client.IsConnected() {
			client.Disconnect(1000)
		}
	}
	return s, nil
}

// Topic returns the topic estimates are published to.
func (s *MQTTSink) Topic() string { return s.topic }

// Publish sends one estimate and waits for the client to accept it.
func (s *MQTTSink) Publish(est position.Estimate, at time.Time) error {
	payload, err := json.Marshal(PositionMessage{X: est.X, Y: est.Y, Error: est.Error, Time: at.UTC()})
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	token := s.client.Publish(s.topic, s.qos, s.retain, payload)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("mqtt publish to %s timed out", s.topic)
	}
	return token.Error()
}

// Consume publishes est, logging failures.
func (s *MQTTSink) Consume(est position.Estimate, at time.Time) {
	if err := s.Publish(est, at); err != nil {
		logf("%v", err)
	}
}

// Close disconnects a client created by DialMQTT.
func (s *MQTTSink) Close() {
	if s.disconnect != nil {
		s.disconnect()
	}
}
