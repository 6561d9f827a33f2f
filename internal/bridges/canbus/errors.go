package canbus

import "errors"

// Domain errors for the CAN bus package.
var (
	// ErrNotConnected is returned when an operation requires an open
	// transport but the bus is not connected.
	ErrNotConnected = errors.New("canbus: not connected")

	// ErrOpenFailed is returned when the CAN interface cannot be opened.
	ErrOpenFailed = errors.New("canbus: open failed")

	// ErrSendFailed is returned when writing a frame to the interface fails.
	ErrSendFailed = errors.New("canbus: send failed")

	// ErrReceiveFailed is returned when reading from the interface fails.
	ErrReceiveFailed = errors.New("canbus: receive failed")

	// ErrInvalidFrame is returned when a frame id or payload is out of range.
	ErrInvalidFrame = errors.New("canbus: invalid frame")

	// ErrUnsupportedInterface is returned for an unknown interface type or
	// when SocketCAN is requested on a non-Linux platform.
	ErrUnsupportedInterface = errors.New("canbus: unsupported interface")

	// ErrClosed is returned by transport methods after Close.
	ErrClosed = errors.New("canbus: transport closed")
)
