// Package canbustest provides an in-memory CAN transport for tests.
package canbustest

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/canbridge/internal/bridges/canbus"
)

// Transport is an in-memory canbus.Transport. Frames passed to Inject are
// returned by Receive; frames passed to Send are recorded.
type Transport struct {
	mu      sync.Mutex
	sent    []canbus.Frame
	sendErr error
	closed  bool

	// Respond, if set, is called for every sent frame and the frames it
	// returns are queued for Receive, simulating a device reply.
	respond func(canbus.Frame) []canbus.Frame

	rx chan canbus.Frame
}

// Ensure Transport implements canbus.Transport.
var _ canbus.Transport = (*Transport)(nil)

// New creates an empty transport.
func New() *Transport {
	return &Transport{rx: make(chan canbus.Frame, 256)}
}

// Send records f, or returns the configured send error.
func (t *Transport) Send(_ context.Context, f canbus.Frame) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return canbus.ErrClosed
	}
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	t.sent = append(t.sent, f.Clone())
	respond := t.respond
	t.mu.Unlock()

	if respond != nil {
		for _, r := range respond(f) {
			t.Inject(r)
		}
	}
	return nil
}

// Receive returns the next injected frame or times out.
func (t *Transport) Receive(timeout time.Duration) (canbus.Frame, bool, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return canbus.Frame{}, false, canbus.ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-t.rx:
		return f, true, nil
	case <-timer.C:
		return canbus.Frame{}, false, nil
	}
}

// Close marks the transport closed.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Inject queues a frame for Receive.
func (t *Transport) Inject(f canbus.Frame) {
	t.rx <- f
}

// SetSendError makes every subsequent Send fail with err.
func (t *Transport) SetSendError(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// SetResponder installs a device reply simulator.
func (t *Transport) SetResponder(fn func(canbus.Frame) []canbus.Frame) {
	t.mu.Lock()
	t.respond = fn
	t.mu.Unlock()
}

// Sent returns a copy of every frame sent so far.
func (t *Transport) Sent() []canbus.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]canbus.Frame(nil), t.sent...)
}

// ClearSent forgets recorded frames.
func (t *Transport) ClearSent() {
	t.mu.Lock()
	t.sent = nil
	t.mu.Unlock()
}
