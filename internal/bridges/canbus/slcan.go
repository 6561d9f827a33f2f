package canbus

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// SLCAN adapter defaults.
const (
	defaultSerialBaud = 115200
	defaultBitrate    = 1000000

	// slcanMaxLine bounds the receive buffer when the adapter sends garbage
	// without line terminators.
	slcanMaxLine = 64
)

// slcanBitrates maps CAN bitrates to the Lawicel "Sn" setup codes.
var slcanBitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// serialPort is the subset of serial.Port used by SLCAN.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Ensure SLCAN implements Transport.
var _ Transport = (*SLCAN)(nil)

// SLCAN speaks the Lawicel ASCII protocol to a USB-serial CAN adapter.
//
// Receive must only be called from one goroutine; Send is safe for
// concurrent use.
type SLCAN struct {
	port    serialPort
	pending []byte

	writeMu sync.Mutex
	closed  atomic.Bool
}

// OpenSLCAN opens the serial adapter, sets the bitrate and opens the
// CAN channel.
func OpenSLCAN(cfg Config) (*SLCAN, error) {
	if cfg.SerialBaud == 0 {
		cfg.SerialBaud = defaultSerialBaud
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = defaultBitrate
	}

	code, ok := slcanBitrates[cfg.Bitrate]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported slcan bitrate %d", ErrOpenFailed, cfg.Bitrate)
	}

	port, err := serial.Open(cfg.SerialPort, &serial.Mode{
		BaudRate: cfg.SerialBaud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: serial %s: %w", ErrOpenFailed, cfg.SerialPort, err)
	}

	s := newSLCAN(port)
	if err := s.setup(code); err != nil {
		port.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("%w: slcan setup: %w", ErrOpenFailed, err)
	}
	return s, nil
}

func newSLCAN(port serialPort) *SLCAN {
	return &SLCAN{port: port}
}

// setup closes any open channel, selects the bitrate and opens the channel.
func (s *SLCAN) setup(bitrateCode byte) error {
	for _, cmd := range []string{"C\r", "S" + string(bitrateCode) + "\r", "O\r"} {
		if _, err := s.port.Write([]byte(cmd)); err != nil {
			return fmt.Errorf("write %q: %w", cmd, err)
		}
	}
	return nil
}

// Send writes one frame as a "tIIILDD..." command.
func (s *SLCAN) Send(ctx context.Context, f Frame) error {
	if s.closed.Load() {
		return ErrClosed
	}
	line, err := encodeSLCAN(f)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSendFailed, ctx.Err())
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.port.Write(line); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

// Receive returns the next standard data frame, skipping adapter
// acknowledgements and unsupported frame types.
func (s *SLCAN) Receive(timeout time.Duration) (Frame, bool, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, slcanMaxLine)

	for {
		if s.closed.Load() {
			return Frame{}, false, ErrClosed
		}

		for {
			line, ok := s.nextLine()
			if !ok {
				break
			}
			f, isFrame, err := decodeSLCAN(line)
			if err != nil {
				return Frame{}, false, err
			}
			if isFrame {
				return f, true, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Frame{}, false, nil
		}
		if err := s.port.SetReadTimeout(remaining); err != nil {
			return Frame{}, false, fmt.Errorf("%w: set timeout: %w", ErrReceiveFailed, err)
		}

		n, err := s.port.Read(buf)
		if err != nil {
			if s.closed.Load() {
				return Frame{}, false, ErrClosed
			}
			return Frame{}, false, fmt.Errorf("%w: %w", ErrReceiveFailed, err)
		}
		if n == 0 {
			return Frame{}, false, nil
		}

		s.pending = append(s.pending, buf[:n]...)
		if len(s.pending) > slcanMaxLine && bytes.IndexByte(s.pending, '\r') < 0 {
			s.pending = s.pending[:0]
		}
	}
}

// nextLine pops one '\r'-terminated line from the pending buffer. The
// adapter's bell (0x07) error reply is returned as its own line.
func (s *SLCAN) nextLine() ([]byte, bool) {
	i := bytes.IndexAny(s.pending, "\r\a")
	if i < 0 {
		return nil, false
	}
	line := append([]byte(nil), s.pending[:i]...)
	s.pending = s.pending[i+1:]
	return line, true
}

// Close closes the CAN channel and the serial port.
func (s *SLCAN) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.writeMu.Lock()
	s.port.Write([]byte("C\r")) //nolint:errcheck // best-effort before closing the port
	s.writeMu.Unlock()
	return s.port.Close()
}

// encodeSLCAN renders f as a Lawicel transmit command.
func encodeSLCAN(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, "t%03X%d%X\r", f.ID, len(f.Data), f.Data), nil
}

// decodeSLCAN parses one received line. isFrame is false for anything that
// is not a standard data frame ("z" acks, extended or remote frames).
func decodeSLCAN(line []byte) (f Frame, isFrame bool, err error) {
	if len(line) == 0 || line[0] != 't' {
		return Frame{}, false, nil
	}
	if len(line) < 5 {
		return Frame{}, false, fmt.Errorf("%w: short slcan line %q", ErrInvalidFrame, line)
	}

	id, err := strconv.ParseUint(string(line[1:4]), 16, 32)
	if err != nil {
		return Frame{}, false, fmt.Errorf("%w: slcan id %q", ErrInvalidFrame, line[1:4])
	}
	dlc := int(line[4] - '0')
	if dlc < 0 || dlc > MaxDataLen || len(line) < 5+2*dlc {
		return Frame{}, false, fmt.Errorf("%w: slcan dlc in %q", ErrInvalidFrame, line)
	}

	data := make([]byte, dlc)
	if _, err := hex.Decode(data, line[5:5+2*dlc]); err != nil {
		return Frame{}, false, fmt.Errorf("%w: slcan data %q", ErrInvalidFrame, line)
	}
	return Frame{ID: uint32(id), Data: data}, true, nil
}
