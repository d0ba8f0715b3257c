// Package coordinator composes one upstream transport session, the state cache
// and the subscriber registry.
//
// Every inbound frame is decoded, installed as the current snapshot, and fanned
// out to subscribers, strictly in arrival order. Decode failures are dropped and
// leave the previous snapshot in place. Connection failures are retried with
// backoff until the circuit breaker opens; rejected credentials stop the
// coordinator for good.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sweeney/push-coordinator/internal/connection"
	"github.com/sweeney/push-coordinator/internal/device"
	"github.com/sweeney/push-coordinator/internal/state"
	"github.com/sweeney/push-coordinator/internal/subscriber"
	"github.com/sweeney/push-coordinator/internal/transport"
)

// Lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("coordinator already started")
	ErrShutDown       = errors.New("coordinator shut down")
	ErrCircuitOpen    = errors.New("circuit breaker open")
)

// Merge policies.
const (
	MergeReplace = "replace"
	MergeMerge   = "merge"
)

// DefaultRollers is the number of rollers built when Config.Rollers is 0.
const DefaultRollers = 3

// Config configures a Coordinator.
type Config struct {
	// Host identifies the hub; roller ids derive from it.
	Host string
	// Rollers is how many rollers to build. 0 means DefaultRollers.
	Rollers int
	// MergePolicy is MergeReplace (default) or MergeMerge.
	MergePolicy string
	// Backoff controls reconnection and the circuit breaker.
	Backoff connection.BackoffConfig
}

// Stats is a point-in-time view of coordinator counters.
type Stats struct {
	State            connection.State
	MessagesReceived uint64
	MessagesAccepted uint64
	MessagesDropped  uint64
	CallbackErrors   uint64
	ConnectAttempts  uint64
	Connects         uint64
	Subscribers      int
	Seq              uint64
	LastMessage      time.Time
	LastError        string
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithMetrics records Prometheus metrics. Nil disables them.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithDecoder replaces the default JSON decoder that requires temperature.state.
func WithDecoder(d *state.Decoder) Option {
	return func(c *Coordinator) { c.decoder = d }
}

// WithClock sets the time source used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithDeviceOptions passes options through to roller construction.
func WithDeviceOptions(opts ...device.Option) Option {
	return func(c *Coordinator) { c.deviceOpts = append(c.deviceOpts, opts...) }
}

// Coordinator owns the session, cache, registry and rollers of one hub.
type Coordinator struct {
	cfg        Config
	session    transport.Session
	log        *slog.Logger
	metrics    *Metrics
	decoder    *state.Decoder
	now        func() time.Time
	deviceOpts []device.Option

	cache    *state.Cache
	registry *subscriber.Registry
	backoff  *connection.Backoff
	rollers  []*device.Roller

	// ingest orders Replace and NotifyAll and fences them off after Stop.
	ingest sync.Mutex
	closed bool
	seq    uint64

	mu        sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	done      chan struct{}
	state     connection.State
	err       error
	lastErr   error
	lastMsg   time.Time
	listeners []func(connection.State)

	received        atomic.Uint64
	accepted        atomic.Uint64
	dropped         atomic.Uint64
	callbackErrors  atomic.Uint64
	connectAttempts atomic.Uint64
	connects        atomic.Uint64
}

// New builds a Coordinator with the default snapshot and attached rollers.
// It performs no network I/O; call Start to begin streaming.
func New(cfg Config, session transport.Session, opts ...Option) (*Coordinator, error) {
	if session == nil {
		return nil, errors.New("coordinator: nil session")
	}
	switch cfg.MergePolicy {
	case "":
		cfg.MergePolicy = MergeReplace
	case MergeReplace, MergeMerge:
	default:
		return nil, fmt.Errorf("coordinator: unknown merge policy %q", cfg.MergePolicy)
	}
	if cfg.Rollers < 0 {
		return nil, fmt.Errorf("coordinator: negative roller count %d", cfg.Rollers)
	}
	if cfg.Rollers == 0 {
		cfg.Rollers = DefaultRollers
	}

	c := &Coordinator{
		cfg:      cfg,
		session:  session,
		log:      slog.Default(),
		now:      time.Now,
		cache:    state.NewCache(state.Default()),
		registry: subscriber.NewRegistry(),
		backoff:  connection.NewBackoff(cfg.Backoff),
		state:    connection.StateDisconnected,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.decoder == nil {
		c.decoder = state.NewDecoder(state.JSONCodec{}, state.TemperaturePath)
	}
	c.log = c.log.With("hub", cfg.Host)
	c.metrics.state(c.state)

	c.rollers = device.NewRollers(cfg.Host, cfg.Rollers, c, c.deviceOpts...)
	for _, r := range c.rollers {
		r.Attach()
	}
	return c, nil
}

// Start launches the ingestion goroutine. The goroutine stops when ctx is
// cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrShutDown
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	return nil
}

// Stop tears the coordinator down: no Replace or NotifyAll runs once Stop has
// begun, the session is closed and the ingestion goroutine is awaited.
// It must not be called from a subscriber callback. Safe to call more than once.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel, started := c.cancel, c.started
	c.mu.Unlock()

	c.ingest.Lock()
	c.closed = true
	c.ingest.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := c.session.Close(); err != nil {
		c.log.Debug("close session", "err", err)
	}

	for _, r := range c.rollers {
		r.Detach()
	}
	c.setState(connection.StateShutDown, nil)

	if !started {
		close(c.done)
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the ingestion goroutine has exited, either after Stop or
// after a permanent failure.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// HandleMessage decodes payload and, on success, installs it as the current
// snapshot and notifies every subscriber. A *state.DecodeError leaves the cache
// untouched and notifies no one. Callback failures are logged and counted, not
// returned. After Stop every payload is refused with ErrShutDown and counted
// nowhere.
func (c *Coordinator) HandleMessage(payload []byte) error {
	c.ingest.Lock()
	defer c.ingest.Unlock()
	if c.closed {
		return ErrShutDown
	}
	c.received.Add(1)

	doc, err := c.decoder.Decode(payload)
	if err != nil {
		c.dropped.Add(1)
		c.metrics.message("dropped")
		return err
	}

	if c.cfg.MergePolicy == MergeMerge {
		doc = state.Merge(c.cache.Read().Fields, doc)
	}
	c.seq++
	now := c.now()
	c.cache.Replace(state.Snapshot{Fields: doc, Seq: c.seq, ReceivedAt: now})
	c.accepted.Add(1)
	c.metrics.accepted(now)

	c.mu.Lock()
	c.lastMsg = now
	c.mu.Unlock()

	if err := c.registry.NotifyAll(); err != nil {
		c.reportCallbackErrors(err)
	}
	return nil
}

func (c *Coordinator) reportCallbackErrors(err error) {
	errs := []error{err}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		errs = j.Unwrap()
	}
	c.callbackErrors.Add(uint64(len(errs)))
	c.metrics.callbackError(len(errs))
	for _, e := range errs {
		c.log.Warn("subscriber callback failed", "err", e)
	}
}

// Refresh is the host's polling hook. The upstream pushes every change, so there
// is nothing to fetch; it exists for hosts that poll on a schedule.
func (c *Coordinator) Refresh(ctx context.Context) error {
	return nil
}

// Snapshot returns the current snapshot.
func (c *Coordinator) Snapshot() state.Snapshot {
	return c.cache.Read()
}

// Subscribe registers entry for change notifications.
func (c *Coordinator) Subscribe(entry subscriber.Entry) subscriber.Handle {
	h := c.registry.Subscribe(entry)
	c.metrics.subscriberCount(c.registry.Len())
	return h
}

// Unsubscribe removes a registration. Unknown handles are ignored.
func (c *Coordinator) Unsubscribe(h subscriber.Handle) {
	c.registry.Unsubscribe(h)
	c.metrics.subscriberCount(c.registry.Len())
}

// Registry exposes the registry for weak subscriptions.
func (c *Coordinator) Registry() *subscriber.Registry { return c.registry }

// Rollers returns the hub's rollers.
func (c *Coordinator) Rollers() []*device.Roller {
	return append([]*device.Roller(nil), c.rollers...)
}

// HubID returns the lower-cased host identity.
func (c *Coordinator) HubID() string {
	return strings.ToLower(c.cfg.Host)
}

// State returns the connection state.
func (c *Coordinator) State() connection.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that put the coordinator into FAILED, or nil.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// OnStateChange registers fn to be called on every state transition.
// fn runs on the goroutine making the transition and must not block.
func (c *Coordinator) OnStateChange(fn func(connection.State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Stats returns the current counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		State:       c.state,
		LastMessage: c.lastMsg,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()

	s.MessagesReceived = c.received.Load()
	s.MessagesAccepted = c.accepted.Load()
	s.MessagesDropped = c.dropped.Load()
	s.CallbackErrors = c.callbackErrors.Load()
	s.ConnectAttempts = c.connectAttempts.Load()
	s.Connects = c.connects.Load()
	s.Subscribers = c.registry.Len()
	s.Seq = c.cache.Read().Seq
	return s
}

// setState records a transition. err is remembered as the last error; for
// FAILED it also becomes Err(). After Stop only SHUTDOWN is accepted.
func (c *Coordinator) setState(s connection.State, err error) {
	c.mu.Lock()
	if c.state == connection.StateShutDown || (c.stopped && s != connection.StateShutDown) {
		c.mu.Unlock()
		return
	}
	changed := c.state != s
	c.state = s
	if err != nil {
		c.lastErr = err
	}
	switch s {
	case connection.StateFailed:
		c.err = err
	case connection.StateStreaming:
		c.err = nil
	}
	listeners := append(([]func(connection.State))(nil), c.listeners...)
	c.mu.Unlock()

	c.metrics.state(s)
	if !changed {
		return
	}
	for _, fn := range listeners {
		fn(s)
	}
}
