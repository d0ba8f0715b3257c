// Package config loads the daemon configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/push-coordinator/internal/connection"
	"github.com/sweeney/push-coordinator/internal/coordinator"
	"github.com/sweeney/push-coordinator/internal/mqtt"
	"github.com/sweeney/push-coordinator/internal/state"
	"github.com/sweeney/push-coordinator/internal/transport"
)

// DefaultEndpoint is the upstream state server.
const DefaultEndpoint = "ws://192.168.5.176:5000"

// LEDDisabled turns the link LED off.
const LEDDisabled = -1

// Config is the whole daemon configuration.
type Config struct {
	Upstream  Upstream  `yaml:"upstream"`
	Hub       Hub       `yaml:"hub"`
	Reconnect Reconnect `yaml:"reconnect"`
	MQTT      MQTT      `yaml:"mqtt"`
	HTTP      HTTP      `yaml:"http"`
	LEDPin    int       `yaml:"led_pin"`
	Log       Log       `yaml:"log"`
}

// Upstream describes the state server connection.
type Upstream struct {
	Endpoint    string        `yaml:"endpoint"`
	Greeting    string        `yaml:"greeting"`
	Token       string        `yaml:"token"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Topic       string        `yaml:"topic"`
	HelloTopic  string        `yaml:"hello_topic"`
	ClientID    string        `yaml:"client_id"`
	Codec       string        `yaml:"codec"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Hub describes the local device tree.
type Hub struct {
	Host        string `yaml:"host"`
	Rollers     int    `yaml:"rollers"`
	MergePolicy string `yaml:"merge_policy"`
}

// Reconnect tunes backoff and the circuit breaker.
type Reconnect struct {
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// MQTT configures the entity sink. An empty broker disables it.
type MQTT struct {
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	TopicPrefix     string `yaml:"topic_prefix"`
	BufferSize      int    `yaml:"buffer_size"`
}

// HTTP configures the status server. An empty addr disables it.
type HTTP struct {
	Addr string `yaml:"addr"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used when no file is given.
func Default() Config {
	b := connection.DefaultBackoffConfig()
	return Config{
		Upstream: Upstream{
			Endpoint:    DefaultEndpoint,
			Greeting:    transport.DefaultGreeting,
			Codec:       state.CodecJSON,
			DialTimeout: 10 * time.Second,
		},
		Hub: Hub{
			Host:        "hub",
			Rollers:     coordinator.DefaultRollers,
			MergePolicy: coordinator.MergeReplace,
		},
		Reconnect: Reconnect{
			Initial:     b.Initial,
			Max:         b.Max,
			Multiplier:  b.Multiplier,
			Jitter:      b.Jitter,
			MaxAttempts: b.MaxAttempts,
			Cooldown:    b.Cooldown,
		},
		MQTT: MQTT{
			DiscoveryPrefix: mqtt.DefaultDiscoveryPrefix,
			TopicPrefix:     mqtt.DefaultTopicPrefix,
			BufferSize:      mqtt.DefaultBufferSize,
		},
		HTTP:   HTTP{Addr: ":80"},
		LEDPin: LEDDisabled,
		Log:    Log{Level: "info", Format: "text"},
	}
}

// Parse decodes YAML over the defaults and validates the result.
// Keys missing from data keep their default value.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Upstream.Endpoint == "" {
		errs = append(errs, errors.New("upstream.endpoint is required"))
	} else if _, err := transport.New(c.Transport()); err != nil {
		errs = append(errs, fmt.Errorf("upstream.endpoint: %w", err))
	}
	if _, err := state.NewCodec(c.Upstream.Codec); err != nil {
		errs = append(errs, fmt.Errorf("upstream.codec: %w", err))
	}
	if c.Upstream.DialTimeout < 0 || c.Upstream.ReadTimeout < 0 {
		errs = append(errs, errors.New("upstream timeouts must not be negative"))
	}
	if c.Hub.Host == "" {
		errs = append(errs, errors.New("hub.host is required"))
	}
	if c.Hub.Rollers < 0 {
		errs = append(errs, fmt.Errorf("hub.rollers must not be negative, got %d", c.Hub.Rollers))
	}
	switch c.Hub.MergePolicy {
	case "", coordinator.MergeReplace, coordinator.MergeMerge:
	default:
		errs = append(errs, fmt.Errorf("hub.merge_policy: unknown policy %q", c.Hub.MergePolicy))
	}
	r := c.Reconnect
	if r.Initial < 0 || r.Max < 0 || r.Cooldown < 0 || r.MaxAttempts < 0 || r.Jitter < 0 || r.Multiplier < 0 {
		errs = append(errs, errors.New("reconnect values must not be negative"))
	}
	if r.Initial > 0 && r.Max > 0 && r.Initial > r.Max {
		errs = append(errs, fmt.Errorf("reconnect.initial %v exceeds reconnect.max %v", r.Initial, r.Max))
	}
	if c.MQTT.BufferSize < 0 {
		errs = append(errs, errors.New("mqtt.buffer_size must not be negative"))
	}
	if c.LEDPin < LEDDisabled {
		errs = append(errs, fmt.Errorf("led_pin must be a BCM pin or -1, got %d", c.LEDPin))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Transport returns the upstream session config.
func (c Config) Transport() transport.Config {
	u := c.Upstream
	return transport.Config{
		URL:         u.Endpoint,
		Greeting:    u.Greeting,
		Token:       u.Token,
		Username:    u.Username,
		Password:    u.Password,
		Topic:       u.Topic,
		HelloTopic:  u.HelloTopic,
		ClientID:    u.ClientID,
		DialTimeout: u.DialTimeout,
		ReadTimeout: u.ReadTimeout,
	}
}

// Coordinator returns the coordinator config.
func (c Config) Coordinator() coordinator.Config {
	return coordinator.Config{
		Host:        c.Hub.Host,
		Rollers:     c.Hub.Rollers,
		MergePolicy: c.Hub.MergePolicy,
		Backoff: connection.BackoffConfig{
			Initial:     c.Reconnect.Initial,
			Max:         c.Reconnect.Max,
			Multiplier:  c.Reconnect.Multiplier,
			Jitter:      c.Reconnect.Jitter,
			MaxAttempts: c.Reconnect.MaxAttempts,
			Cooldown:    c.Reconnect.Cooldown,
		},
	}
}

// MQTTConfig returns the sink config; ok is false when MQTT is disabled.
func (c Config) MQTTConfig() (cfg mqtt.Config, ok bool) {
	m := c.MQTT
	return mqtt.Config{
		Broker:          m.Broker,
		ClientID:        m.ClientID,
		Username:        m.Username,
		Password:        m.Password,
		TopicPrefix:     m.TopicPrefix,
		DiscoveryPrefix: m.DiscoveryPrefix,
		BufferSize:      m.BufferSize,
	}, m.Broker != ""
}

// SlogLevel parses Level; empty means info.
func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}
