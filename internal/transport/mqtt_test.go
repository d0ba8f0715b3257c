package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool { return false }
func (m fakeMessage) Qos() byte { return 1 }
func (m fakeMessage) Retained() bool { return false }
func (m fakeMessage) Topic() string { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte { return m.payload }
func (m fakeMessage) Ack() {}

// brokerClient is a paho.Client standing in for a broker connection. It
// keeps the subscribe handler so tests can push messages through it.
type brokerClient struct {
	mu           sync.Mutex
	opts         *paho.ClientOptions
	connectErr   error
	subscribeErr error
	subscribed   string
	handler      paho.MessageHandler
	published    map[string]string
	disconnected bool
}

func (c *brokerClient) IsConnected() bool { return true }
func (c *brokerClient) IsConnectionOpen() bool { return true }
func (c *brokerClient) Connect() paho.Token { return fakeToken{err: c.connectErr} }
func (c *brokerClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}
func (c *brokerClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.published == nil {
		c.published = make(map[string]string)
	}
	c.published[topic] = string(payload.([]byte))
	return fakeToken{}
}
func (c *brokerClient) Subscribe(topic string, _ byte, h paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return fakeToken{err: c.subscribeErr}
	}
	c.subscribed, c.handler = topic, h
	return fakeToken{}
}
func (c *brokerClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return fakeToken{}
}
func (c *brokerClient) Unsubscribe(...string) paho.Token { return fakeToken{} }
func (c *brokerClient) AddRoute(string, paho.MessageHandler) {}
func (c *brokerClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }

func (c *brokerClient) deliver(payloads ...string) {
	c.mu.Lock()
	h, topic := c.handler, c.subscribed
	c.mu.Unlock()
	for _, p := range payloads {
		h(c, fakeMessage{topic: topic, payload: []byte(p)})
	}
}

func (c *brokerClient) drop(err error) {
	c.opts.OnConnectionLost(c, err)
}

func newBrokerSession(cfg Config, c *brokerClient) *MQTTSession {
	s := NewMQTTSession(cfg)
	s.newClient = func(o *paho.ClientOptions) paho.Client {
		c.opts = o
		return c
	}
	return s
}

func TestMQTTSessionConnectSubscribesAndGreets(t *testing.T) {
	c := &brokerClient{}
	s := newBrokerSession(Config{
		URL:        "tcp://broker:1883",
		Topic:      "hub/state",
		HelloTopic: "hub/hello",
		ClientID:   "coord-1",
		Username:   "user",
		Password:   "pass",
	}, c)

	require.NoError(t, s.Connect(context.Background()))

	assert.Equal(t, "hub/state", c.subscribed)
	assert.Equal(t, map[string]string{"hub/hello": DefaultGreeting}, c.published)
	assert.Equal(t, "coord-1", c.opts.ClientID)
	assert.Equal(t, "user", c.opts.Username)
	assert.Equal(t, "pass", c.opts.Password)
	assert.False(t, c.opts.AutoReconnect, "reconnects belong to the coordinator")
	assert.False(t, c.opts.ConnectRetry)
	assert.True(t, c.opts.Order)
}

func TestMQTTSessionDeliversQueuedFramesBeforeReportingDrop(t *testing.T) {
	c := &brokerClient{}
	s := newBrokerSession(Config{URL: "tcp://broker:1883"}, c)
	require.NoError(t, s.Connect(context.Background()))

	c.deliver("1", "2", "3")
	c.drop(io.EOF)

	var got []string
	err := s.Receive(context.Background(), func(p []byte) { got = append(got, string(p)) })

	assert.Equal(t, []string{"1", "2", "3"}, got)
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, io.EOF)
}

func TestMQTTSessionConnectErrors(t *testing.T) {
	tests := []struct {
		name       string
		connectErr error
		wantAuth   bool
	}{
		{"bad credentials", packets.ErrorRefusedBadUsernameOrPassword, true},
		{"not authorised", packets.ErrorRefusedNotAuthorised, true},
		{"unreachable", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &brokerClient{connectErr: tt.connectErr}
			s := newBrokerSession(Config{URL: "tcp://broker:1883"}, c)

			err := s.Connect(context.Background())

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.connectErr)
			if tt.wantAuth {
				assert.ErrorIs(t, err, ErrAuth)
				assert.False(t, Retryable(err))
			} else {
				assert.ErrorIs(t, err, ErrConnection)
				assert.True(t, Retryable(err))
			}
			assert.True(t, c.disconnected)
		})
	}
}

func TestMQTTSessionSubscribeFailure(t *testing.T) {
	c := &brokerClient{subscribeErr: errors.New("topic denied")}
	s := newBrokerSession(Config{URL: "tcp://broker:1883"}, c)

	err := s.Connect(context.Background())

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "subscribe", ce.Op)
	assert.True(t, c.disconnected)
}

func TestMQTTSessionCancelAndClose(t *testing.T) {
	c := &brokerClient{}
	s := newBrokerSession(Config{URL: "tcp://broker:1883"}, c)
	require.NoError(t, s.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Receive(ctx, func([]byte) {}), context.Canceled)

	require.NoError(t, s.Close())
	assert.True(t, c.disconnected)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Receive(context.Background(), func([]byte) {}), ErrNotOpen)
}

func TestPumpDrainsBeforeReportingDrop(t *testing.T) {
	msgs := make(chan []byte, 8)
	lost := make(chan error, 1)
	for _, p := range []string{"a", "b", "c"} {
		msgs <- []byte(p)
	}
	lost <- io.ErrUnexpectedEOF

	// Repeat: select picks among ready cases at random.
	for i := 0; i < 20; i++ {
		var got []string
		err := pump(context.Background(), msgs, lost, func(p []byte) { got = append(got, string(p)) })
		require.Equal(t, []string{"a", "b", "c"}, got)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)

		for _, p := range got {
			msgs <- []byte(p)
		}
		lost <- io.ErrUnexpectedEOF
	}
}
