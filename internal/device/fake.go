package device

import "sync"

// FakeSink records entity states for test assertions.
type FakeSink struct {
	mu sync.Mutex

	// States contains every state written, in order.
	States []EntityState

	// Described contains every entity announced through Describe.
	Described []EntityState

	// WriteError, if set, is returned by WriteState.
	WriteError error
}

// NewFakeSink creates a FakeSink for testing.
func NewFakeSink() *FakeSink {
	return &FakeSink{}
}

// WriteState records s.
func (f *FakeSink) WriteState(s EntityState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteError != nil {
		return f.WriteError
	}
	f.States = append(f.States, s)
	return nil
}

// Describe records s.
func (f *FakeSink) Describe(s EntityState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Described = append(f.Described, s)
	return nil
}

// Last returns the most recent state written for uniqueID.
func (f *FakeSink) Last(uniqueID string) (EntityState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.States) - 1; i >= 0; i-- {
		if f.States[i].UniqueID == uniqueID {
			return f.States[i], true
		}
	}
	return EntityState{}, false
}

// Count returns how many states have been written.
func (f *FakeSink) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.States)
}
