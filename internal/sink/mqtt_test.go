package sink

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ultrasonic.position/internal/position"
)

type fakeToken struct {
	err     error
	pending bool
}

func (t *fakeToken) Wait() bool                     { return !t.pending }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.pending }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.pending {
		close(ch)
	}
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	sent  []published
	token *fakeToken
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.sent = append(c.sent, published{topic, qos, retained, payload.([]byte)})
	if c.token != nil {
		return c.token
	}
	return &fakeToken{}
}

func TestNewMQTTSink(t *testing.T) {
	_, err := NewMQTTSink(nil, MQTTConfig{})
	assert.Error(t, err)

	_, err = NewMQTTSink(&fakeClient{}, MQTTConfig{QoS: 3})
	assert.Error(t, err)

	s, err := NewMQTTSink(&fakeClient{}, MQTTConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMQTTTopic, s.Topic())
}

func TestMQTTSinkPublishesJSON(t *testing.T) {
	client := &fakeClient{}
	s, err := NewMQTTSink(client, MQTTConfig{Topic: "lab/receiver", QoS: 1, Retain: true})
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("PST", -8*3600))
	require.NoError(t, s.Publish(position.Estimate{X: 1.5, Y: -2.25, Error: 0.004}, at))

	require.Len(t, client.sent, 1)
	msg := client.sent[0]
	assert.Equal(t, "lab/receiver", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.True(t, msg.retained)

	var got PositionMessage
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, 1.5, got.X)
	assert.Equal(t, -2.25, got.Y)
	assert.Equal(t, 0.004, got.Error)
	assert.True(t, got.Time.Equal(at))
	assert.Contains(t, string(msg.payload), `"time":"2026-03-01T20:00:00Z"`)
}

func TestMQTTSinkPublishErrors(t *testing.T) {
	client := &fakeClient{token: &fakeToken{pending: true}}
	s, err := NewMQTTSink(client, MQTTConfig{})
	require.NoError(t, err)
	s.timeout = time.Millisecond

	assert.ErrorContains(t, s.Publish(position.Estimate{}, time.Now()), "timed out")

	client.token = &fakeToken{err: errors.New("not connected")}
	assert.ErrorContains(t, s.Publish(position.Estimate{}, time.Now()), "not connected")

	// Consume only logs
	s.Consume(position.Estimate{}, time.Now())
	assert.Len(t, client.sent, 3)
	s.Close()
}

func TestDialMQTTNeedsBroker(t *testing.T) {
	_, err := DialMQTT(MQTTConfig{})
	assert.Error(t, err)
}
