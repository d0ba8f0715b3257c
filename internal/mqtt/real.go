package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/push-coordinator/internal/device"
)

const publishTimeout = 5 * time.Second

// RealPublisher publishes to an actual MQTT broker.
// While the broker is unreachable, messages are held in a ring buffer and
// replayed in order once the connection comes back.
type RealPublisher struct {
	cfg    Config
	client paho.Client
	log    *slog.Logger

	mu  sync.Mutex
	buf *ringBuffer
}

// NewRealPublisher creates a publisher for the given broker. The connection is
// established in the background, so an unreachable broker is not an error.
func NewRealPublisher(cfg Config, logger *slog.Logger) *RealPublisher {
	p := newRealPublisher(cfg, logger, paho.NewClient)
	p.client.Connect()
	return p
}

func newRealPublisher(cfg Config, logger *slog.Logger, newClient func(*paho.ClientOptions) paho.Client) *RealPublisher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &RealPublisher{
		cfg: cfg,
		log: logger.With("broker", cfg.Broker),
	}
	p.buf = newRingBuffer(cfg.BufferSize, p.log)

	will, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE", Reason: "LWT"})
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(SystemTopic(cfg.TopicPrefix), will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	p.client = newClient(opts)
	return p
}

func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	pending := p.buf.drainAll()
	p.mu.Unlock()

	p.log.Info("mqtt connected", "replaying", len(pending))
	for _, m := range pending {
		if err := p.send(m); err != nil {
			p.log.Warn("mqtt replay failed", "topic", m.topic, "error", err)
		}
	}
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.log.Warn("mqtt connection lost", "error", err)
}

// IsConnected reports whether the broker connection is currently open.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// PublishState sends an entity's state. QoS 0, retained so late subscribers
// see the last value.
func (p *RealPublisher) PublishState(s device.EntityState) error {
	payload, err := FormatState(s)
	if err != nil {
		return fmt.Errorf("format state: %w", err)
	}
	return p.publish(bufferedMsg{
		topic:    StateTopic(p.cfg.TopicPrefix, s.UniqueID),
		payload:  payload,
		retained: true,
	})
}

// PublishDiscovery sends the discovery config for an entity. QoS 1, retained.
func (p *RealPublisher) PublishDiscovery(s device.EntityState) error {
	payload, err := FormatDiscovery(s, StateTopic(p.cfg.TopicPrefix, s.UniqueID))
	if err != nil {
		return fmt.Errorf("format discovery: %w", err)
	}
	return p.publish(bufferedMsg{
		topic:    DiscoveryTopic(p.cfg.DiscoveryPrefix, s.UniqueID),
		payload:  payload,
		qos:      1,
		retained: true,
	})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	// QoS 1 (at-least-once) for lifecycle events - we want to ensure delivery
	return p.publish(bufferedMsg{
		topic:    SystemTopic(p.cfg.TopicPrefix),
		payload:  payload,
		qos:      1,
		retained: event.Retained,
	})
}

func (p *RealPublisher) publish(m bufferedMsg) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buf.push(m)
		p.mu.Unlock()
		return nil
	}
	return p.send(m)
}

func (p *RealPublisher) send(m bufferedMsg) error {
	token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
