package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSSession streams frames published on a NATS subject.
// The greeting is published once to HelloTopic after subscribing.
type NATSSession struct {
	cfg Config

	mu   sync.Mutex
	nc   *nats.Conn
	sub  *nats.Subscription
	msgs chan []byte
	lost chan error
	done chan struct{}
}

// NewNATSSession creates an unconnected NATS session.
func NewNATSSession(cfg Config) *NATSSession {
	if cfg.Topic == "" {
		cfg.Topic = "push-coordinator.state"
	}
	if cfg.HelloTopic == "" {
		cfg.HelloTopic = "push-coordinator.hello"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	return &NATSSession{cfg: cfg}
}

func (s *NATSSession) options(lost chan error) []nats.Option {
	signal := func(err error) {
		if err == nil {
			err = nats.ErrConnectionClosed
		}
		select {
		case lost <- err:
		default:
		}
	}
	opts := []nats.Option{
		nats.Name(s.cfg.ClientID),
		nats.Timeout(s.cfg.dialTimeout()),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { signal(err) }),
		nats.ClosedHandler(func(_ *nats.Conn) { signal(nil) }),
	}
	switch {
	case s.cfg.Token != "":
		opts = append(opts, nats.Token(s.cfg.Token))
	case s.cfg.Username != "":
		opts = append(opts, nats.UserInfo(s.cfg.Username, s.cfg.Password))
	}
	return opts
}

// Connect dials the server, subscribes to the state subject and publishes the greeting.
// An authorization violation is reported as *AuthError.
func (s *NATSSession) Connect(ctx context.Context) error {
	lost := make(chan error, 1)
	nc, err := nats.Connect(s.cfg.URL, s.options(lost)...)
	if err != nil {
		return classifyNATSConnect(err)
	}

	msgs := make(chan []byte, 256)
	done := make(chan struct{})
	sub, err := nc.Subscribe(s.cfg.Topic, func(m *nats.Msg) {
		select {
		case msgs <- m.Data:
		case <-done:
		}
	})
	if err != nil {
		nc.Close()
		return &ConnectionError{Op: "subscribe", Err: err}
	}
	if err := nc.Publish(s.cfg.HelloTopic, []byte(s.cfg.greeting())); err != nil {
		nc.Close()
		return &ConnectionError{Op: "handshake", Err: err}
	}
	flushCtx, cancel := context.WithTimeout(ctx, s.cfg.dialTimeout())
	defer cancel()
	if err := nc.FlushWithContext(flushCtx); err != nil {
		nc.Close()
		if isNATSAuth(err) {
			return &AuthError{Reason: "handshake not permitted", Err: err}
		}
		return &ConnectionError{Op: "handshake", Err: err}
	}

	s.mu.Lock()
	s.nc, s.sub, s.msgs, s.lost, s.done = nc, sub, msgs, lost, done
	s.mu.Unlock()
	return nil
}

// Receive delivers messages in subject order until the connection is lost.
func (s *NATSSession) Receive(ctx context.Context, onMessage func([]byte)) error {
	s.mu.Lock()
	msgs, lost := s.msgs, s.lost
	s.mu.Unlock()
	if msgs == nil {
		return &ConnectionError{Op: "receive", Err: ErrNotOpen}
	}

	return pump(ctx, msgs, lost, onMessage)
}

// Close unsubscribes and closes the connection.
func (s *NATSSession) Close() error {
	s.mu.Lock()
	nc, sub, done := s.nc, s.sub, s.done
	s.nc, s.sub, s.msgs, s.lost, s.done = nil, nil, nil, nil, nil
	s.mu.Unlock()
	if nc == nil {
		return nil
	}
	close(done)
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	nc.Close()
	return nil
}

func classifyNATSConnect(err error) error {
	if isNATSAuth(err) {
		return &AuthError{Reason: "server refused credentials", Err: err}
	}
	return &ConnectionError{Op: "dial", Err: err}
}

func isNATSAuth(err error) bool {
	return errors.Is(err, nats.ErrAuthorization) ||
		errors.Is(err, nats.ErrAuthExpired) ||
		errors.Is(err, nats.ErrAuthRevoked)
}
