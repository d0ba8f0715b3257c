// Package transport owns one upstream streaming connection at a time.
//
// A Session connects, sends a single greeting, then pushes every inbound
// frame to the caller in arrival order until the connection drops. It never
// reconnects by itself; the coordinator decides when to dial again.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// DefaultGreeting is the handshake payload sent once per connection.
const DefaultGreeting = "Hello server"

// Sentinel errors matched with errors.Is.
var (
	ErrConnection = errors.New("connection error")
	ErrAuth       = errors.New("handshake rejected")
	ErrNotOpen    = errors.New("session not connected")
)

// Session is a single upstream connection.
type Session interface {
	// Connect dials the endpoint and sends the greeting.
	// Returns *AuthError when credentials or the handshake are rejected,
	// *ConnectionError for everything else.
	Connect(ctx context.Context) error

	// Receive blocks, calling onMessage for each frame before reading the next.
	// It returns *ConnectionError when the connection drops and ctx.Err() when
	// ctx is cancelled.
	Receive(ctx context.Context, onMessage func(payload []byte)) error

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// ConnectionError reports an unreachable or dropped endpoint. It is retryable.
type ConnectionError struct {
	Op  string // "dial", "handshake", "receive"
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrConnection) match.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// AuthError reports rejected credentials or handshake. It is not retryable.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrAuth) match.
func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// Retryable reports whether err is worth another connect attempt.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrAuth)
}

// Config describes the upstream endpoint.
type Config struct {
	URL      string // ws://, wss://, tcp://, mqtt://, ssl://, mqtts://, nats://
	Greeting string

	// Credentials; which ones apply depends on the scheme.
	Token    string
	Username string
	Password string

	// Topic is the MQTT topic or NATS subject carrying state frames.
	Topic string
	// HelloTopic receives the greeting on MQTT/NATS.
	HelloTopic string
	ClientID   string

	DialTimeout time.Duration
	// ReadTimeout closes a silent connection; 0 disables.
	ReadTimeout time.Duration
}

func (c Config) greeting() string {
	if c.Greeting == "" {
		return DefaultGreeting
	}
	return c.Greeting
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return c.DialTimeout
}

// New picks a Session implementation from the URL scheme.
func New(cfg Config) (Session, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", cfg.URL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return NewWebSocketSession(cfg), nil
	case "tcp", "mqtt", "ssl", "mqtts":
		return NewMQTTSession(cfg), nil
	case "nats":
		return NewNATSSession(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}

// pump hands queued frames to onMessage until ctx ends or lost fires.
// Frames queued before the drop are delivered before it is reported.
func pump(ctx context.Context, msgs <-chan []byte, lost <-chan error, onMessage func([]byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-msgs:
			onMessage(p)
		case err := <-lost:
			for {
				select {
				case p := <-msgs:
					onMessage(p)
				default:
					return &ConnectionError{Op: "receive", Err: err}
				}
			}
		}
	}
}
