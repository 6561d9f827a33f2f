//go:build !linux

package canbus

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// SocketCAN is only available on Linux.
type SocketCAN struct{}

// OpenSocketCAN always fails on this platform.
func OpenSocketCAN(channel string) (*SocketCAN, error) {
	return nil, fmt.Errorf("%w: socketcan %s on %s", ErrUnsupportedInterface, channel, runtime.GOOS)
}

// Send is never reached on this platform.
func (*SocketCAN) Send(context.Context, Frame) error { return ErrUnsupportedInterface }

// Receive is never reached on this platform.
func (*SocketCAN) Receive(time.Duration) (Frame, bool, error) {
	return Frame{}, false, ErrUnsupportedInterface
}

// Close is a no-op.
func (*SocketCAN) Close() error { return nil }
