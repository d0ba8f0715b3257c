package led

import "sync"

// FakeIndicator records every Set call for test assertions.
type FakeIndicator struct {
	mu sync.Mutex

	// History holds every value passed to Set, in order.
	History []bool

	// SetError, if set, will be returned by Set.
	SetError error

	// Closed tracks if Close was called.
	Closed bool
}

// Set records on.
func (f *FakeIndicator) Set(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetError != nil {
		return f.SetError
	}
	f.History = append(f.History, on)
	return nil
}

// On reports the last value set.
func (f *FakeIndicator) On() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.History) > 0 && f.History[len(f.History)-1]
}

// Close marks the indicator as closed and off.
func (f *FakeIndicator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

var (
	_ Indicator = (*FakeIndicator)(nil)
	_ Indicator = (*RealIndicator)(nil)
)
