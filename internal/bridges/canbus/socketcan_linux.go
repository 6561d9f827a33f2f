//go:build linux

package canbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// defaultWriteTimeout bounds a single frame write.
const defaultWriteTimeout = 100 * time.Millisecond

// Ensure SocketCAN implements Transport.
var _ Transport = (*SocketCAN)(nil)

// SocketCAN is a raw CAN_RAW socket bound to one Linux CAN interface.
//
// The socket is non-blocking and registered with the runtime poller, so
// read and write deadlines work as they do for network connections.
type SocketCAN struct {
	channel string
	file    *os.File

	writeMu sync.Mutex
	closed  atomic.Bool
}

// OpenSocketCAN opens a raw socket on the named interface (e.g. "can0").
// The interface must already be up with its bitrate configured.
func OpenSocketCAN(channel string) (*SocketCAN, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, fmt.Errorf("%w: interface %s: %w", ErrOpenFailed, channel, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %w", ErrOpenFailed, err)
	}

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd) //nolint:errcheck // already failing
		return nil, fmt.Errorf("%w: bind %s: %w", ErrOpenFailed, channel, err)
	}

	return &SocketCAN{
		channel: channel,
		file:    os.NewFile(uintptr(fd), "socketcan:"+channel),
	}, nil
}

// Send writes one frame to the interface.
func (s *SocketCAN) Send(ctx context.Context, f Frame) error {
	if s.closed.Load() {
		return ErrClosed
	}

	buf, err := encodeSocketCAN(f)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSendFailed, ctx.Err())
	default:
	}

	if err := s.file.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrSendFailed, err)
	}
	if _, err := s.file.Write(buf); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrSendFailed, s.channel, err)
	}
	return nil
}

// Receive waits up to timeout for the next standard data frame.
func (s *SocketCAN) Receive(timeout time.Duration) (Frame, bool, error) {
	if s.closed.Load() {
		return Frame{}, false, ErrClosed
	}

	if err := s.file.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Frame{}, false, fmt.Errorf("%w: set deadline: %w", ErrReceiveFailed, err)
	}

	buf := make([]byte, socketCANFrameSize)
	n, err := s.file.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return Frame{}, false, nil
		}
		if s.closed.Load() {
			return Frame{}, false, ErrClosed
		}
		return Frame{}, false, fmt.Errorf("%w: read %s: %w", ErrReceiveFailed, s.channel, err)
	}

	return decodeSocketCAN(buf[:n])
}

// Close closes the socket and unblocks any pending Receive.
func (s *SocketCAN) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.file.Close()
}
