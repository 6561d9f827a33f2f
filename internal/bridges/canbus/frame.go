package canbus

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Frame limits.
const (
	// MaxDataLen is the maximum payload of a classic CAN frame.
	MaxDataLen = 8

	// MaxStandardID is the largest 11-bit identifier.
	MaxStandardID = 0x7FF
)

// Linux can_frame flag bits carried in the id word.
const (
	flagEFF = 0x80000000
	flagRTR = 0x40000000
	flagERR = 0x20000000

	// socketCANFrameSize is sizeof(struct can_frame).
	socketCANFrameSize = 16
)

// Frame is a single CAN data frame: an 11-bit identifier and up to eight
// payload bytes.
type Frame struct {
	ID   uint32
	Data []byte
}

// NewFrame builds a frame, copying data so callers may reuse their buffer.
func NewFrame(id uint32, data ...byte) Frame {
	return Frame{ID: id, Data: append([]byte(nil), data...)}
}

// Validate checks the id and payload length.
func (f Frame) Validate() error {
	if f.ID > MaxStandardID {
		return fmt.Errorf("%w: id 0x%X exceeds 11 bits", ErrInvalidFrame, f.ID)
	}
	if len(f.Data) > MaxDataLen {
		return fmt.Errorf("%w: %d data bytes (max %d)", ErrInvalidFrame, len(f.Data), MaxDataLen)
	}
	return nil
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	return NewFrame(f.ID, f.Data...)
}

// String renders the frame in candump style, e.g. "183#1A02".
func (f Frame) String() string {
	return fmt.Sprintf("%03X#%s", f.ID, strings.ToUpper(hex.EncodeToString(f.Data)))
}

// encodeSocketCAN writes f into a struct can_frame buffer.
//
// Layout (host byte order for can_id):
//
//	Byte 0-3:  can_id (11-bit id, flags in the top 3 bits)
//	Byte 4:    can_dlc
//	Byte 5-7:  padding / reserved
//	Byte 8-15: data
func encodeSocketCAN(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, socketCANFrameSize)
	binary.NativeEndian.PutUint32(buf[0:4], f.ID)
	buf[4] = byte(len(f.Data))
	copy(buf[8:], f.Data)
	return buf, nil
}

// decodeSocketCAN parses a struct can_frame. ok is false for frames this
// package does not handle (extended, remote or error frames).
func decodeSocketCAN(buf []byte) (f Frame, ok bool, err error) {
	if len(buf) < socketCANFrameSize {
		return Frame{}, false, fmt.Errorf("%w: short can_frame (%d bytes)", ErrInvalidFrame, len(buf))
	}
	id := binary.NativeEndian.Uint32(buf[0:4])
	if id&(flagEFF|flagRTR|flagERR) != 0 {
		return Frame{}, false, nil
	}
	dlc := int(buf[4])
	if dlc > MaxDataLen {
		return Frame{}, false, fmt.Errorf("%w: dlc %d", ErrInvalidFrame, dlc)
	}
	return NewFrame(id, buf[8:8+dlc]...), true, nil
}
