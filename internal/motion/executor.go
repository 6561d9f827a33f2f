// Package motion runs acknowledged and fire-and-forget commands on the CAN
// bus: stepper moves, DC motor drives and encoder position resets.
//
// Every command goes through one Executor, which allows at most one
// request/response transaction on the bus at a time.
package motion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/canbridge/internal/bridges/canbus"
)

// tapBuffer is the per-transaction frame buffer. It must absorb the
// encoder TPDO traffic that arrives while an acknowledgement is pending.
const tapBuffer = 256

// Bus is the part of canbus.Bus the executor needs.
type Bus interface {
	Send(ctx context.Context, f canbus.Frame) error
	Tap(buffer int) (<-chan canbus.Frame, func())
}

// Matcher selects the acknowledgement frame of a transaction.
type Matcher = func(canbus.Frame) bool

// MatchLeading matches frames with the given id whose payload starts with
// lead.
func MatchLeading(id uint32, lead ...byte) Matcher {
	return func(f canbus.Frame) bool {
		if f.ID != id || len(f.Data) < len(lead) {
			return false
		}
		for i, b := range lead {
			if f.Data[i] != b {
				return false
			}
		}
		return true
	}
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stats holds executor counters.
type Stats struct {
	Transactions  uint64
	Acknowledged  uint64
	Timeouts      uint64
	SendFailures  uint64
	FireAndForget uint64
}

// Executor serializes bus commands.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - SendAndAwait and Send share one mutex, so a fire-and-forget frame
//     never lands between a request and its acknowledgement.
type Executor struct {
	bus Bus
	mu  sync.Mutex

	logger   Logger
	loggerMu sync.RWMutex

	transactions  atomic.Uint64
	acknowledged  atomic.Uint64
	timeouts      atomic.Uint64
	sendFailures  atomic.Uint64
	fireAndForget atomic.Uint64
}

// NewExecutor creates an executor on bus.
func NewExecutor(bus Bus) *Executor {
	return &Executor{bus: bus, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (e *Executor) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	e.loggerMu.Lock()
	e.logger = logger
	e.loggerMu.Unlock()
}

// SendAndAwait sends req and waits for a frame accepted by match.
//
// On a match, release (if non-nil) is sent before returning the matching
// frame. Frames that do not match are ignored. No retries are made.
//
// Returns:
//   - ErrTransport if req or release could not be sent
//   - ErrTimeout if nothing matched within timeout
//   - ctx.Err() if the context ended first
func (e *Executor) SendAndAwait(ctx context.Context, req canbus.Frame, match Matcher,
	release *canbus.Frame, timeout time.Duration) (canbus.Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.transactions.Add(1)

	// Tap before sending so a fast acknowledgement cannot be missed.
	frames, untap := e.bus.Tap(tapBuffer)
	defer untap()

	if err := e.bus.Send(ctx, req); err != nil {
		e.sendFailures.Add(1)
		return canbus.Frame{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return canbus.Frame{}, ctx.Err()

		case <-timer.C:
			e.timeouts.Add(1)
			e.log().Warn("no acknowledgement", "request", req.String(), "timeout", timeout)
			return canbus.Frame{}, fmt.Errorf("%w: request %s after %s", ErrTimeout, req, timeout)

		case f := <-frames:
			if !match(f) {
				continue
			}
			if release != nil {
				if err := e.bus.Send(ctx, *release); err != nil {
					e.sendFailures.Add(1)
					return f, fmt.Errorf("%w: release: %w", ErrTransport, err)
				}
			}
			e.acknowledged.Add(1)
			e.log().Debug("acknowledged", "request", req.String(), "ack", f.String())
			return f, nil
		}
	}
}

// Send writes one frame without waiting for a reply. It waits for any
// in-flight transaction to finish first.
func (e *Executor) Send(ctx context.Context, f canbus.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.bus.Send(ctx, f); err != nil {
		e.sendFailures.Add(1)
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	e.fireAndForget.Add(1)
	return nil
}

// Stats returns a snapshot of the executor counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Transactions:  e.transactions.Load(),
		Acknowledged:  e.acknowledged.Load(),
		Timeouts:      e.timeouts.Load(),
		SendFailures:  e.sendFailures.Load(),
		FireAndForget: e.fireAndForget.Load(),
	}
}

func (e *Executor) log() Logger {
	e.loggerMu.RLock()
	defer e.loggerMu.RUnlock()
	return e.logger
}
