package canbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Default intervals for the ingest loop.
const (
	// defaultReceiveTimeout bounds each transport poll so shutdown stays
	// responsive.
	defaultReceiveTimeout = 100 * time.Millisecond

	// defaultReopenInterval is the initial delay between reopen attempts.
	defaultReopenInterval = 1 * time.Second

	// maxReopenInterval caps the reopen backoff.
	maxReopenInterval = 30 * time.Second
)

// BusConfig holds ingest loop settings.
type BusConfig struct {
	// ReceiveTimeout is the poll bound for each Receive call.
	// Default: 100ms.
	ReceiveTimeout time.Duration

	// ReopenInterval is the initial backoff after a transport failure.
	// Default: 1 second.
	ReopenInterval time.Duration
}

// Stats holds operational statistics.
type Stats struct {
	FramesTx      uint64
	FramesRx      uint64
	FramesDropped uint64 // Frames not delivered to a full tap
	ErrorsTotal   uint64
	ReopensTotal  uint64
	LastActivity  time.Time
	Connected     bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Bus owns the only read handle to a Transport.
//
// Run drives the ingest loop: each received frame is passed to the
// OnFrame callback (inline, in receive order) and copied to every open tap.
// Taps let a command transaction observe acknowledgements without a second
// reader on the transport.
//
// Thread Safety:
//   - Send, Tap, Stats and the setters are safe for concurrent use.
//   - Run must be called from exactly one goroutine.
type Bus struct {
	cfg  BusConfig
	open func() (Transport, error)

	transport Transport
	mu        sync.RWMutex

	onFrame    func(Frame)
	callbackMu sync.RWMutex

	taps    map[uint64]chan Frame
	nextTap uint64
	tapsMu  sync.Mutex

	logger   Logger
	loggerMu sync.RWMutex

	framesTx      atomic.Uint64
	framesRx      atomic.Uint64
	framesDropped atomic.Uint64
	errorsTotal   atomic.Uint64
	reopensTotal  atomic.Uint64
	lastActivity  atomic.Int64 // Unix nanoseconds
}

// NewBus wraps an open transport.
func NewBus(t Transport, cfg BusConfig) *Bus {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = defaultReceiveTimeout
	}
	if cfg.ReopenInterval <= 0 {
		cfg.ReopenInterval = defaultReopenInterval
	}
	b := &Bus{
		cfg:       cfg,
		transport: t,
		taps:      make(map[uint64]chan Frame),
	}
	b.lastActivity.Store(time.Now().UnixNano())
	return b
}

// SetReopen installs the function used to reopen the transport after a
// fatal receive error. Without it the bus keeps retrying the same
// transport after each backoff.
func (b *Bus) SetReopen(open func() (Transport, error)) {
	b.mu.Lock()
	b.open = open
	b.mu.Unlock()
}

// SetOnFrame sets the callback invoked for every received frame.
// Panics in the callback are recovered and logged.
func (b *Bus) SetOnFrame(fn func(Frame)) {
	b.callbackMu.Lock()
	b.onFrame = fn
	b.callbackMu.Unlock()
}

// SetLogger sets the logger for this bus.
func (b *Bus) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

// Tap registers a receiver for every frame read from now on. Frames are
// dropped (and counted) when the tap buffer is full. The returned function
// removes the tap and must be called.
func (b *Bus) Tap(buffer int) (<-chan Frame, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Frame, buffer)

	b.tapsMu.Lock()
	id := b.nextTap
	b.nextTap++
	b.taps[id] = ch
	b.tapsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.tapsMu.Lock()
			delete(b.taps, id)
			b.tapsMu.Unlock()
		})
	}
}

// Send writes one frame to the bus.
//
// Returns:
//   - ErrNotConnected if the transport is down
//   - an error wrapping ErrSendFailed if the write fails
func (b *Bus) Send(ctx context.Context, f Frame) error {
	t := b.current()
	if t == nil {
		return ErrNotConnected
	}

	if err := t.Send(ctx, f); err != nil {
		b.errorsTotal.Add(1)
		if errors.Is(err, ErrSendFailed) || errors.Is(err, ErrInvalidFrame) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	b.framesTx.Add(1)
	b.lastActivity.Store(time.Now().UnixNano())
	return nil
}

// Run reads frames until ctx is cancelled. Receive errors never end the
// loop; the transport is reopened with exponential backoff instead.
func (b *Bus) Run(ctx context.Context) error {
	b.logInfo("bus ingest loop started")
	defer b.logInfo("bus ingest loop stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		t := b.current()
		if t == nil {
			if !b.reopen(ctx) {
				return nil
			}
			continue
		}

		f, ok, err := t.Receive(b.cfg.ReceiveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.errorsTotal.Add(1)
			b.logError("receive failed", err)
			if errors.Is(err, ErrInvalidFrame) {
				continue
			}
			if !b.handleReceiveFailure(ctx, t) {
				return nil
			}
			continue
		}
		if !ok {
			continue
		}

		b.dispatch(f)
	}
}

// dispatch hands one frame to the callback and to every tap.
func (b *Bus) dispatch(f Frame) {
	b.framesRx.Add(1)
	b.lastActivity.Store(time.Now().UnixNano())

	b.callbackMu.RLock()
	fn := b.onFrame
	b.callbackMu.RUnlock()

	if fn != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logError("frame callback panic", fmt.Errorf("%v", r))
				}
			}()
			fn(f)
		}()
	}

	b.tapsMu.Lock()
	for _, ch := range b.taps {
		select {
		case ch <- f:
		default:
			b.framesDropped.Add(1)
		}
	}
	b.tapsMu.Unlock()
}

// handleReceiveFailure drops a failed transport when it can be reopened,
// otherwise waits one backoff interval. Returns false on shutdown.
func (b *Bus) handleReceiveFailure(ctx context.Context, t Transport) bool {
	b.mu.Lock()
	canReopen := b.open != nil
	if canReopen && b.transport == t {
		b.transport = nil
	}
	b.mu.Unlock()

	if canReopen {
		t.Close() //nolint:errcheck // replacing a failed transport
		b.logInfo("transport lost, will reopen")
		return true
	}
	return sleepCtx(ctx, b.cfg.ReopenInterval)
}

// reopen retries the opener with exponential backoff until it succeeds.
// Returns false if ctx is cancelled first.
func (b *Bus) reopen(ctx context.Context) bool {
	b.mu.RLock()
	open := b.open
	b.mu.RUnlock()
	if open == nil {
		return sleepCtx(ctx, b.cfg.ReopenInterval)
	}

	backoff := b.cfg.ReopenInterval
	for attempt := 1; ; attempt++ {
		t, err := open()
		if err == nil {
			b.mu.Lock()
			b.transport = t
			b.mu.Unlock()
			b.reopensTotal.Add(1)
			b.logInfo("transport reopened", "attempt", attempt)
			return true
		}

		b.errorsTotal.Add(1)
		b.logError("reopen failed", err)
		if !sleepCtx(ctx, backoff) {
			return false
		}
		backoff = min(time.Duration(float64(backoff)*1.5), maxReopenInterval)
	}
}

func (b *Bus) current() Transport {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.transport
}

// IsConnected reports whether a transport is currently open.
func (b *Bus) IsConnected() bool {
	return b.current() != nil
}

// Stats returns current operational statistics.
func (b *Bus) Stats() Stats {
	return Stats{
		FramesTx:      b.framesTx.Load(),
		FramesRx:      b.framesRx.Load(),
		FramesDropped: b.framesDropped.Load(),
		ErrorsTotal:   b.errorsTotal.Load(),
		ReopensTotal:  b.reopensTotal.Load(),
		LastActivity:  time.Unix(0, b.lastActivity.Load()),
		Connected:     b.IsConnected(),
	}
}

// Close closes the current transport. Run returns once its context is
// cancelled; Close alone unblocks a pending Receive.
func (b *Bus) Close() error {
	b.mu.Lock()
	t := b.transport
	b.transport = nil
	b.open = nil
	b.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// logInfo logs an info message if logger is set.
func (b *Bus) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bus) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
