package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsServer upgrades every request, records the greeting, sends frames, then
// either closes or holds the connection open until the test ends.
type wsServer struct {
	frames    []string
	hold      bool
	greetings chan string
	auth      chan string
}

func (s *wsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.auth <- r.Header.Get("Authorization")

	_, greeting, err := conn.ReadMessage()
	if err != nil {
		return
	}
	s.greetings <- string(greeting)

	for _, f := range s.frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			return
		}
	}
	if s.hold {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func newWSServer(t *testing.T, frames []string, hold bool) (*wsServer, string) {
	t.Helper()
	s := &wsServer{frames: frames, hold: hold, greetings: make(chan string, 4), auth: make(chan string, 4)}
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestWebSocketSessionDeliversInOrder(t *testing.T) {
	frames := []string{`{"temperature":{"state":1}}`, `{"temperature":{"state":2}}`, `{"temperature":{"state":3}}`}
	srv, url := newWSServer(t, frames, false)

	s := NewWebSocketSession(Config{URL: url, Token: "secret"})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	assert.Equal(t, DefaultGreeting, <-srv.greetings)
	assert.Equal(t, "Bearer secret", <-srv.auth)

	var got []string
	err := s.Receive(context.Background(), func(p []byte) { got = append(got, string(p)) })

	assert.Equal(t, frames, got)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.True(t, Retryable(err))
}

func TestWebSocketSessionCustomGreeting(t *testing.T) {
	srv, url := newWSServer(t, nil, false)
	s := NewWebSocketSession(Config{URL: url, Greeting: "hi there", Username: "u", Password: "p"})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	assert.Equal(t, "hi there", <-srv.greetings)
	assert.True(t, strings.HasPrefix(<-srv.auth, "Basic "))
}

func TestWebSocketSessionCancelStopsReceive(t *testing.T) {
	_, url := newWSServer(t, []string{"a"}, true)
	s := NewWebSocketSession(Config{URL: url})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Receive(ctx, func(p []byte) { got <- string(p) })
	}()

	assert.Equal(t, "a", <-got)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Receive did not return after cancel")
	}
}

func TestWebSocketSessionReadTimeout(t *testing.T) {
	_, url := newWSServer(t, nil, true)
	s := NewWebSocketSession(Config{URL: url, ReadTimeout: 50 * time.Millisecond})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	err := s.Receive(context.Background(), func([]byte) {})
	assert.ErrorIs(t, err, ErrConnection)
}

func TestWebSocketSessionUnauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer ts.Close()

	s := NewWebSocketSession(Config{URL: "ws" + strings.TrimPrefix(ts.URL, "http")})
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	assert.False(t, Retryable(err))

	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, ae.Reason, "401")
}

func TestWebSocketSessionUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ts.Close()

	s := NewWebSocketSession(Config{URL: url, DialTimeout: time.Second})
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "dial", ce.Op)
}

func TestReceiveBeforeConnect(t *testing.T) {
	for _, s := range []Session{
		NewWebSocketSession(Config{URL: "ws://localhost:1"}),
		NewMQTTSession(Config{URL: "tcp://localhost:1"}),
		NewNATSSession(Config{URL: "nats://localhost:1"}),
		NewFakeSession(),
	} {
		err := s.Receive(context.Background(), func([]byte) {})
		assert.ErrorIs(t, err, ErrNotOpen)
		assert.NoError(t, s.Close())
	}
}

func TestNewPicksImplementationByScheme(t *testing.T) {
	tests := []struct {
		url  string
		want any
	}{
		{"ws://192.168.5.176:5000", &WebSocketSession{}},
		{"wss://example.com/stream", &WebSocketSession{}},
		{"tcp://broker:1883", &MQTTSession{}},
		{"mqtt://broker:1883", &MQTTSession{}},
		{"ssl://broker:8883", &MQTTSession{}},
		{"nats://nats:4222", &NATSSession{}},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			s, err := New(Config{URL: tt.url})
			require.NoError(t, err)
			assert.IsType(t, tt.want, s)
		})
	}

	_, err := New(Config{URL: "http://example.com"})
	assert.Error(t, err)
	_, err = New(Config{URL: "://bad"})
	assert.Error(t, err)
}

func TestSessionDefaults(t *testing.T) {
	m := NewMQTTSession(Config{URL: "tcp://broker:1883"})
	assert.Equal(t, DefaultStateTopic, m.cfg.Topic)
	assert.Equal(t, DefaultHelloTopic, m.cfg.HelloTopic)
	assert.Equal(t, DefaultClientID, m.cfg.ClientID)

	n := NewNATSSession(Config{URL: "nats://nats:4222", Topic: "hub.state"})
	assert.Equal(t, "hub.state", n.cfg.Topic)
	assert.Equal(t, "push-coordinator.hello", n.cfg.HelloTopic)

	assert.Equal(t, 10*time.Second, Config{}.dialTimeout())
	assert.Equal(t, DefaultGreeting, Config{}.greeting())
}

func TestErrorClassification(t *testing.T) {
	ce := &ConnectionError{Op: "dial", Err: io.EOF}
	assert.Equal(t, "dial: EOF", ce.Error())
	assert.ErrorIs(t, ce, ErrConnection)
	assert.ErrorIs(t, ce, io.EOF)
	assert.NotErrorIs(t, ce, ErrAuth)

	ae := &AuthError{Reason: "bad token"}
	assert.Equal(t, "auth: bad token", ae.Error())
	assert.ErrorIs(t, ae, ErrAuth)
	assert.False(t, Retryable(ae))
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(errors.New("other")))
}

func TestFakeSessionScript(t *testing.T) {
	refused := &ConnectionError{Op: "dial", Err: errors.New("refused")}
	f := NewFakeSession(
		FakeConnection{ConnectErr: refused},
		FakeConnection{Frames: [][]byte{[]byte("1"), []byte("2")}},
	)
	ctx := context.Background()

	assert.ErrorIs(t, f.Connect(ctx), refused)
	require.NoError(t, f.Connect(ctx))

	var got []string
	err := f.Receive(ctx, func(p []byte) { got = append(got, string(p)) })
	assert.Equal(t, []string{"1", "2"}, got)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, f.Close())
	assert.Equal(t, 2, f.Connects())
	assert.Equal(t, 1, f.Closes())
	assert.Equal(t, []string{DefaultGreeting}, f.Greetings())

	// Script exhausted: Connect waits for cancellation.
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.Connect(cctx), ErrConnection)
}
