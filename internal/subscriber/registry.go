// Package subscriber tracks consumers interested in state changes and fans
// notifications out to them.
//
// The registry stores handles, not consumers: dropping a consumer never needs
// the registry's cooperation, and SubscribeWeak goes further by forgetting
// consumers that have been garbage-collected.
package subscriber

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handle identifies one registration.
type Handle uuid.UUID

// String returns the UUID text form.
func (h Handle) String() string { return uuid.UUID(h).String() }

// Entry describes one consumer registration.
type Entry struct {
	Name    string       // used in logs and errors
	Context string       // optional tag, e.g. the field a consumer projects
	Notify  func() error // invoked once per NotifyAll while registered
}

// CallbackError wraps a failing or panicking notification callback.
type CallbackError struct {
	Handle Handle
	Name   string
	Err    error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("subscriber %q (%s): %v", e.Name, e.Handle, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

type member struct {
	handle Handle
	entry  Entry

	// mu is held by a pass across the removed check and the callback, so
	// Unsubscribe can wait out a pass that has checked but not yet called.
	mu       sync.Mutex
	removed  atomic.Bool
	invoking atomic.Bool
	// alive reports false once a weakly held owner has been collected.
	alive func() bool
}

// Registry is a set of subscriber entries. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	members map[Handle]*member
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{members: make(map[Handle]*member)}
}

// Subscribe registers entry and returns its handle.
// Registering the same entry twice yields two independent deliveries.
func (r *Registry) Subscribe(entry Entry) Handle {
	return r.add(&member{entry: entry})
}

func (r *Registry) add(m *member) Handle {
	m.handle = Handle(uuid.New())
	r.mu.Lock()
	r.members[m.handle] = m
	r.mu.Unlock()
	return m.handle
}

// Unsubscribe removes the registration. Unknown handles are ignored.
// Once Unsubscribe returns, no pass starts a new callback invocation for the
// handle. An invocation already running, such as the one calling Unsubscribe
// on itself, finishes normally.
func (r *Registry) Unsubscribe(h Handle) {
	r.mu.Lock()
	m, ok := r.members[h]
	if ok {
		delete(r.members, h)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	m.removed.Store(true)
	if m.invoking.Load() {
		return
	}
	// Wait out a pass that saw removed == false and is about to call.
	m.mu.Lock()
	m.mu.Unlock()
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// NotifyAll invokes every registered callback exactly once, in no particular order.
// Membership is copied before iterating: entries added during the pass are not
// called, entries removed before their turn are skipped. A failing or panicking
// callback does not stop the pass; all failures are returned joined.
func (r *Registry) NotifyAll() error {
	r.mu.RLock()
	pass := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		pass = append(pass, m)
	}
	r.mu.RUnlock()

	var errs []error
	for _, m := range pass {
		if m.removed.Load() {
			continue
		}
		if m.alive != nil && !m.alive() {
			r.Unsubscribe(m.handle)
			continue
		}
		if err := deliver(m); err != nil {
			errs = append(errs, &CallbackError{Handle: m.handle, Name: m.entry.Name, Err: err})
		}
	}
	return errors.Join(errs...)
}

// deliver invokes m unless it was removed. Invocations of one entry are
// serialized across concurrent passes.
func deliver(m *member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed.Load() {
		return nil
	}
	m.invoking.Store(true)
	defer m.invoking.Store(false)
	return invoke(m)
}

func invoke(m *member) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if m.entry.Notify == nil {
		return nil
	}
	return m.entry.Notify()
}
