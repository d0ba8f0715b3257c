package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Default MQTT topics when the config leaves them empty.
const (
	DefaultStateTopic = "push-coordinator/state"
	DefaultHelloTopic = "push-coordinator/hello"
	DefaultClientID   = "push-coordinator"
)

var errConnectTimeout = errors.New("connect timeout")

// MQTTSession streams frames published on an MQTT topic.
// The greeting is published once to HelloTopic after subscribing.
type MQTTSession struct {
	cfg       Config
	newClient func(*paho.ClientOptions) paho.Client

	mu     sync.Mutex
	client paho.Client
	msgs   chan []byte
	lost   chan error
	done   chan struct{}
}

// NewMQTTSession creates an unconnected MQTT session.
func NewMQTTSession(cfg Config) *MQTTSession {
	if cfg.Topic == "" {
		cfg.Topic = DefaultStateTopic
	}
	if cfg.HelloTopic == "" {
		cfg.HelloTopic = DefaultHelloTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	return &MQTTSession{cfg: cfg, newClient: paho.NewClient}
}

func (s *MQTTSession) options(lost chan error) *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(s.cfg.URL).
		SetClientID(s.cfg.ClientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(s.cfg.dialTimeout())
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})
	return opts
}

// Connect connects to the broker, subscribes to the state topic and publishes the greeting.
// A CONNACK refusing the credentials is reported as *AuthError.
func (s *MQTTSession) Connect(ctx context.Context) error {
	msgs := make(chan []byte, 256)
	lost := make(chan error, 1)
	done := make(chan struct{})

	client := s.newClient(s.options(lost))
	tok := client.Connect()
	if err := waitToken(ctx, tok, s.cfg.dialTimeout()); err != nil {
		client.Disconnect(0)
		return classifyMQTTConnect(err)
	}

	handler := func(_ paho.Client, m paho.Message) {
		select {
		case msgs <- m.Payload():
		case <-done:
		}
	}
	if err := waitToken(ctx, client.Subscribe(s.cfg.Topic, 1, handler), s.cfg.dialTimeout()); err != nil {
		client.Disconnect(0)
		return &ConnectionError{Op: "subscribe", Err: err}
	}
	if err := waitToken(ctx, client.Publish(s.cfg.HelloTopic, 1, false, []byte(s.cfg.greeting())), s.cfg.dialTimeout()); err != nil {
		client.Disconnect(0)
		return &ConnectionError{Op: "handshake", Err: err}
	}

	s.mu.Lock()
	s.client, s.msgs, s.lost, s.done = client, msgs, lost, done
	s.mu.Unlock()
	return nil
}

// Receive delivers messages in broker order until the connection is lost.
func (s *MQTTSession) Receive(ctx context.Context, onMessage func([]byte)) error {
	s.mu.Lock()
	msgs, lost := s.msgs, s.lost
	s.mu.Unlock()
	if msgs == nil {
		return &ConnectionError{Op: "receive", Err: ErrNotOpen}
	}

	return pump(ctx, msgs, lost, onMessage)
}

// Close disconnects from the broker.
func (s *MQTTSession) Close() error {
	s.mu.Lock()
	client, done := s.client, s.done
	s.client, s.msgs, s.lost, s.done = nil, nil, nil, nil
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	close(done)
	client.Disconnect(250)
	return nil
}

func waitToken(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return errConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classifyMQTTConnect(err error) error {
	if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) || errors.Is(err, packets.ErrorRefusedNotAuthorised) {
		return &AuthError{Reason: "broker refused credentials", Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ConnectionError{Op: "dial", Err: err}
	}
	return &ConnectionError{Op: "dial", Err: fmt.Errorf("connect to broker: %w", err)}
}
