// Package device models the logical devices a coordinator exposes to its host:
// rollers derived from the hub identity, and one illuminance sensor per roller.
//
// Devices never talk to the transport. They subscribe to a Source, and on each
// notification pull the field they project out of the current snapshot.
package device

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/push-coordinator/internal/state"
	"github.com/sweeney/push-coordinator/internal/subscriber"
)

// Model is reported for every roller.
const Model = "Test Device"

// Manufacturer is reported in device info.
const Manufacturer = "push-coordinator"

// Context is the subscriber context tag rollers register with.
const Context = "temperature"

// Source is the part of the coordinator a roller depends on.
type Source interface {
	Snapshot() state.Snapshot
	Subscribe(entry subscriber.Entry) subscriber.Handle
	Unsubscribe(h subscriber.Handle)
}

// Option customizes roller construction.
type Option func(*options)

type options struct {
	rng    *rand.Rand
	online func() bool
}

// WithRand sets the random source used for firmware versions and the default
// availability heuristic.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) { o.rng = rng }
}

// WithAvailability replaces the availability heuristic.
func WithAvailability(fn func() bool) Option {
	return func(o *options) { o.online = fn }
}

// Roller is one logical device sharing the hub's snapshot.
type Roller struct {
	id       string
	name     string
	firmware string
	src      Source
	online   func() bool

	mu       sync.RWMutex
	lux      float64
	handle   subscriber.Handle
	attached bool

	callbacks *subscriber.Registry
}

// NewRollers builds count rollers for host: ids "<host lower>_1..N", names "<host> 1..N".
// The rollers are not attached.
func NewRollers(host string, count int, src Source, opts ...Option) []*Roller {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.online == nil {
		rng := o.rng
		var mu sync.Mutex
		// Offline about 10% of the time.
		o.online = func() bool {
			mu.Lock()
			defer mu.Unlock()
			return rng.Float64() > 0.1
		}
	}

	id := strings.ToLower(host)
	rollers := make([]*Roller, 0, count)
	for i := 1; i <= count; i++ {
		rollers = append(rollers, &Roller{
			id:        fmt.Sprintf("%s_%d", id, i),
			name:      fmt.Sprintf("%s %d", host, i),
			firmware:  fmt.Sprintf("0.0.%d", o.rng.Intn(9)+1),
			src:       src,
			online:    o.online,
			callbacks: subscriber.NewRegistry(),
		})
	}
	return rollers
}

// ID returns the roller identity, e.g. "device1_1".
func (r *Roller) ID() string { return r.id }

// Name returns the display name, e.g. "device1 1".
func (r *Roller) Name() string { return r.name }

// FirmwareVersion returns "0.0.N".
func (r *Roller) FirmwareVersion() string { return r.firmware }

// Model returns the device model.
func (r *Roller) Model() string { return Model }

// Online reports the availability heuristic.
func (r *Roller) Online() bool { return r.online() }

// Illuminance returns the lux value taken from the snapshot of the last notification.
func (r *Roller) Illuminance() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lux
}

// Attach subscribes the roller to its source. Calling it twice is a no-op.
func (r *Roller) Attach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attached {
		return
	}
	r.handle = r.src.Subscribe(subscriber.Entry{
		Name:    r.id,
		Context: Context,
		Notify:  r.update,
	})
	r.attached = true
}

// Detach removes the roller's subscription. Safe to call when not attached.
func (r *Roller) Detach() {
	r.mu.Lock()
	h, ok := r.handle, r.attached
	r.attached = false
	r.mu.Unlock()
	if ok {
		r.src.Unsubscribe(h)
	}
}

// Attached reports whether the roller is subscribed.
func (r *Roller) Attached() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attached
}

func (r *Roller) update() error {
	snap := r.src.Snapshot()
	lux, ok := snap.Number(state.TemperaturePath)
	if !ok {
		return fmt.Errorf("roller %s: %s missing from snapshot %d", r.id, state.TemperaturePath, snap.Seq)
	}
	r.mu.Lock()
	r.lux = lux
	r.mu.Unlock()
	return r.PublishUpdates()
}

// RegisterCallback registers fn to run whenever the roller changes state.
func (r *Roller) RegisterCallback(name string, fn func() error) subscriber.Handle {
	return r.callbacks.Subscribe(subscriber.Entry{Name: name, Context: r.id, Notify: fn})
}

// RemoveCallback removes a callback. Unknown handles are ignored.
func (r *Roller) RemoveCallback(h subscriber.Handle) {
	r.callbacks.Unsubscribe(h)
}

// PublishUpdates runs every registered callback once.
func (r *Roller) PublishUpdates() error {
	return r.callbacks.NotifyAll()
}
