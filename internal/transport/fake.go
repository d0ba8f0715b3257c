package transport

import (
	"context"
	"io"
	"sync"
)

// FakeConnection scripts one connection of a FakeSession.
type FakeConnection struct {
	// ConnectErr, if set, is returned by Connect and the connection never opens.
	ConnectErr error

	// Frames are delivered in order as soon as Receive is called.
	Frames [][]byte

	// Hold keeps the connection open after Frames, delivering anything sent to
	// the session's Live channel until ctx is cancelled.
	Hold bool

	// ReceiveErr ends the connection after Frames. Nil means a remote close.
	ReceiveErr error
}

// FakeSession is a test double that replays scripted connections.
// Each Connect call consumes the next script entry. Once the script is
// exhausted Connect blocks until ctx is cancelled.
type FakeSession struct {
	// Live feeds frames to a connection scripted with Hold.
	Live chan []byte

	mu        sync.Mutex
	script    []FakeConnection
	next      int
	current   *FakeConnection
	greetings []string
	closes    int
	greeting  string
}

// NewFakeSession creates a FakeSession with the given script.
func NewFakeSession(script ...FakeConnection) *FakeSession {
	return &FakeSession{
		Live:     make(chan []byte, 64),
		script:   script,
		greeting: DefaultGreeting,
	}
}

// Connect opens the next scripted connection and records the greeting.
func (f *FakeSession) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.next >= len(f.script) {
		f.mu.Unlock()
		<-ctx.Done()
		return &ConnectionError{Op: "dial", Err: ctx.Err()}
	}
	c := f.script[f.next]
	f.next++
	if c.ConnectErr != nil {
		f.mu.Unlock()
		return c.ConnectErr
	}
	f.current = &c
	f.greetings = append(f.greetings, f.greeting)
	f.mu.Unlock()
	return nil
}

// Receive replays the current connection's frames.
func (f *FakeSession) Receive(ctx context.Context, onMessage func([]byte)) error {
	f.mu.Lock()
	c := f.current
	f.mu.Unlock()
	if c == nil {
		return &ConnectionError{Op: "receive", Err: ErrNotOpen}
	}

	for _, frame := range c.Frames {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		onMessage(frame)
	}

	if c.Hold {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case frame := <-f.Live:
				onMessage(frame)
			}
		}
	}

	if c.ReceiveErr != nil {
		return c.ReceiveErr
	}
	return &ConnectionError{Op: "receive", Err: io.EOF}
}

// Close records the close and drops the current connection.
func (f *FakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil {
		f.closes++
		f.current = nil
	}
	return nil
}

// Greetings returns the handshake payloads sent, one per successful Connect.
func (f *FakeSession) Greetings() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.greetings...)
}

// Connects returns how many Connect calls consumed a script entry.
func (f *FakeSession) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

// Closes returns how many open connections were closed.
func (f *FakeSession) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}
