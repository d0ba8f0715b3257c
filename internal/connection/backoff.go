// Package connection holds the coordinator's connection state values and the
// reconnection policy: exponential backoff with jitter, capped by a circuit
// breaker after too many consecutive failures.
package connection

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff defaults.
const (
	DefaultInitial     = 1 * time.Second
	DefaultMax         = 60 * time.Second
	DefaultMultiplier  = 2.0
	DefaultJitter      = 0.25
	DefaultMaxAttempts = 10
	DefaultCooldown    = 5 * time.Minute
)

// BackoffConfig allows customizing backoff parameters.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the base delay added at random, 0 disables

	// MaxAttempts consecutive failures open the circuit; 0 never opens it.
	MaxAttempts int
	// Cooldown is how long an open circuit waits before one half-open attempt.
	// 0 keeps the circuit open for good.
	Cooldown time.Duration
}

// DefaultBackoffConfig returns the defaults used by the daemon.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:     DefaultInitial,
		Max:         DefaultMax,
		Multiplier:  DefaultMultiplier,
		Jitter:      DefaultJitter,
		MaxAttempts: DefaultMaxAttempts,
		Cooldown:    DefaultCooldown,
	}
}

// Backoff calculates exponential backoff delays with jitter.
type Backoff struct {
	mu sync.Mutex

	cfg      BackoffConfig
	current  time.Duration // next base delay, before jitter
	attempts int           // consecutive failures since last Reset
	rng      *rand.Rand
}

// NewBackoff creates a backoff calculator. Zero or invalid fields fall back to defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultInitial
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMax
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	return &Backoff{
		cfg:     cfg,
		current: cfg.Initial,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next records a failure and returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.addJitter(b.current)

	b.attempts++
	next := time.Duration(float64(b.current) * b.cfg.Multiplier)
	if next > b.cfg.Max {
		next = b.cfg.Max
	}
	b.current = next

	return delay
}

// Open reports whether consecutive failures have reached MaxAttempts.
func (b *Backoff) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.MaxAttempts > 0 && b.attempts >= b.cfg.MaxAttempts
}

// Cooldown returns the open-circuit wait; 0 means the circuit never closes again.
func (b *Backoff) Cooldown() time.Duration {
	return b.cfg.Cooldown
}

// HalfOpen lets exactly one more attempt through after a cooldown.
// A failure of that attempt re-opens the circuit.
func (b *Backoff) HalfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.MaxAttempts > 0 {
		b.attempts = b.cfg.MaxAttempts - 1
	}
	b.current = b.cfg.Max
}

// Reset restores the initial delay. Call after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.cfg.Initial
	b.attempts = 0
}

// Attempts returns the number of consecutive failures since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Current returns the next base delay without jitter.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.cfg.Jitter <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.cfg.Jitter*b.rng.Float64())
}
