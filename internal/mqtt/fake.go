package mqtt

import (
	"sync"

	"github.com/sweeney/push-coordinator/internal/device"
)

// FakePublisher records published messages for test assertions.
// Safe for concurrent use: states are published from the ingestion goroutine.
type FakePublisher struct {
	mu sync.Mutex

	// States contains all entity states that were published.
	States []device.EntityState

	// Discoveries contains all entities that were announced.
	Discoveries []device.EntityState

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// PublishError, if set, will be returned by PublishState and PublishDiscovery.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// PublishState records the entity state.
func (f *FakePublisher) PublishState(s device.EntityState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.States = append(f.States, s)
	return nil
}

// PublishDiscovery records the announced entity.
func (f *FakePublisher) PublishDiscovery(s device.EntityState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Discoveries = append(f.Discoveries, s)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}

	f.SystemEvents = append(f.SystemEvents, event)

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemPayloads = append(f.SystemPayloads, payload)

	return nil
}

// StateCount returns the number of published states.
func (f *FakePublisher) StateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.States)
}

// LastState returns the most recent state published for uniqueID.
func (f *FakePublisher) LastState(uniqueID string) (device.EntityState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.States) - 1; i >= 0; i-- {
		if f.States[i].UniqueID == uniqueID {
			return f.States[i], true
		}
	}
	return device.EntityState{}, false
}

// StatesFor returns every state value published for uniqueID, oldest first.
func (f *FakePublisher) StatesFor(uniqueID string) []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []float64
	for _, s := range f.States {
		if s.UniqueID == uniqueID {
			out = append(out, s.State)
		}
	}
	return out
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Reset clears recorded messages.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.States = nil
	f.Discoveries = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.Closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
	f.Connected = false
}
