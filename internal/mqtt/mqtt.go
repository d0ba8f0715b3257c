// Package mqtt publishes entity states, discovery configs and system events to
// an MQTT broker, with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/push-coordinator/internal/device"
)

// Defaults for Config.
const (
	DefaultTopicPrefix     = "push-coordinator"
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultClientID        = "push-coordinator-sink"
	DefaultBufferSize      = 256
)

// Config describes the broker and topic layout.
type Config struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	TopicPrefix     string
	DiscoveryPrefix string
	BufferSize      int // messages kept while disconnected
}

func (c Config) withDefaults() Config {
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	return c
}

// StateTopic returns "<prefix>/<unique id>/state".
func StateTopic(prefix, uniqueID string) string {
	return prefix + "/" + uniqueID + "/state"
}

// DiscoveryTopic returns "<discovery prefix>/sensor/<unique id>/config".
func DiscoveryTopic(discoveryPrefix, uniqueID string) string {
	return discoveryPrefix + "/sensor/" + uniqueID + "/config"
}

// SystemTopic returns "<prefix>/system".
func SystemTopic(prefix string) string {
	return prefix + "/system"
}

// Publisher publishes to MQTT.
type Publisher interface {
	// PublishState sends an entity's current state.
	// Returns error if publishing fails (should not crash the process).
	PublishState(s device.EntityState) error

	// PublishDiscovery announces an entity so the host can create it.
	PublishDiscovery(s device.EntityState) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "RECONNECTED"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// StatePayload is the MQTT message payload for an entity state.
type StatePayload struct {
	State     float64 `json:"state"`
	Unit      string  `json:"unit,omitempty"`
	Available bool    `json:"available"`
}

// FormatState creates the JSON payload for an entity state.
func FormatState(s device.EntityState) ([]byte, error) {
	return json.Marshal(StatePayload{
		State:     s.State,
		Unit:      s.Unit,
		Available: s.Available,
	})
}

// DiscoveryDevice links a discovered entity to its device.
type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// DiscoveryPayload is the MQTT discovery config for a sensor entity.
type DiscoveryPayload struct {
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	StateTopic        string          `json:"state_topic"`
	ValueTemplate     string          `json:"value_template"`
	DeviceClass       string          `json:"device_class,omitempty"`
	UnitOfMeasurement string          `json:"unit_of_measurement,omitempty"`
	Device            DiscoveryDevice `json:"device"`
}

// FormatDiscovery creates the discovery config for s, pointing at stateTopic.
func FormatDiscovery(s device.EntityState, stateTopic string) ([]byte, error) {
	return json.Marshal(DiscoveryPayload{
		Name:              s.Name,
		UniqueID:          s.UniqueID,
		StateTopic:        stateTopic,
		ValueTemplate:     "{{ value_json.state }}",
		DeviceClass:       s.DeviceClass,
		UnitOfMeasurement: s.Unit,
		Device: DiscoveryDevice{
			Identifiers:  []string{s.Device.ID},
			Name:         s.Device.Name,
			Model:        s.Device.Model,
			Manufacturer: s.Device.Manufacturer,
			SWVersion:    s.Device.SWVersion,
		},
	})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
