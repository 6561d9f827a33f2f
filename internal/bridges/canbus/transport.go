package canbus

import (
	"context"
	"fmt"
	"time"
)

// Interface types accepted by Open.
const (
	InterfaceSocketCAN = "socketcan"
	InterfaceSLCAN     = "slcan"
)

// Transport is a duplex channel to one CAN interface.
//
// Receive blocks for at most timeout and reports ok=false when no frame
// arrived in time; a timeout is not an error.
type Transport interface {
	Send(ctx context.Context, f Frame) error
	Receive(timeout time.Duration) (f Frame, ok bool, err error)
	Close() error
}

// Config selects and configures the CAN interface.
type Config struct {
	// Interface is "socketcan" or "slcan".
	Interface string

	// Channel is the SocketCAN interface name (e.g. "can0").
	Channel string

	// SerialPort is the SLCAN adapter device (e.g. "/dev/ttyACM0").
	SerialPort string

	// SerialBaud is the SLCAN adapter UART speed. Default: 115200.
	SerialBaud int

	// Bitrate is the CAN bitrate configured on SLCAN adapters.
	// SocketCAN bitrate is set on the link by the system. Default: 1000000.
	Bitrate int
}

// Open opens the transport described by cfg.
func Open(cfg Config) (Transport, error) {
	switch cfg.Interface {
	case InterfaceSocketCAN, "":
		if cfg.Channel == "" {
			cfg.Channel = "can0"
		}
		t, err := OpenSocketCAN(cfg.Channel)
		if err != nil {
			return nil, err
		}
		return t, nil
	case InterfaceSLCAN:
		t, err := OpenSLCAN(cfg)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedInterface, cfg.Interface)
	}
}
