package canopen

import (
	"errors"
	"fmt"
)

// Domain errors for the CANopen package.
var (
	// ErrSDOAbort is matched (via errors.Is) by every *AbortError.
	ErrSDOAbort = errors.New("canopen: sdo abort")

	// ErrUnexpectedResponse is returned when an SDO reply has a command
	// specifier that does not answer the request.
	ErrUnexpectedResponse = errors.New("canopen: unexpected sdo response")

	// ErrInvalidNode is returned for node ids outside 1..127.
	ErrInvalidNode = errors.New("canopen: invalid node id")

	// ErrInvalidSize is returned for expedited transfers other than 1, 2
	// or 4 bytes.
	ErrInvalidSize = errors.New("canopen: invalid expedited size")
)

// abortDescriptions covers the abort codes encoders commonly return.
var abortDescriptions = map[uint32]string{
	0x05040000: "sdo protocol timed out",
	0x05040001: "command specifier not valid",
	0x06010000: "unsupported access to an object",
	0x06010001: "attempt to read a write only object",
	0x06010002: "attempt to write a read only object",
	0x06020000: "object does not exist",
	0x06040041: "object cannot be mapped to the pdo",
	0x06070010: "data type does not match",
	0x06090011: "sub-index does not exist",
	0x06090030: "invalid value for parameter",
	0x08000000: "general error",
	0x08000020: "data cannot be transferred or stored",
	0x08000022: "data cannot be transferred because of the device state",
}

// AbortError is an SDO abort transfer reply.
type AbortError struct {
	Node     int
	Index    uint16
	SubIndex uint8
	Code     uint32
}

func (e *AbortError) Error() string {
	desc, ok := abortDescriptions[e.Code]
	if !ok {
		desc = "unknown abort code"
	}
	return fmt.Sprintf("canopen: node %d sdo 0x%04X:%02X aborted: 0x%08X (%s)",
		e.Node, e.Index, e.SubIndex, e.Code, desc)
}

// Is makes errors.Is(err, ErrSDOAbort) true for any abort.
func (e *AbortError) Is(target error) bool {
	return target == ErrSDOAbort
}
