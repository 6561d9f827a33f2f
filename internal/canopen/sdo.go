package canopen

import (
	"encoding/binary"
	"fmt"

	"github.com/nerrad567/canbridge/internal/bridges/canbus"
)

// COB-ID bases.
const (
	NMTID       = 0x000
	SDORxBase   = 0x600 // client -> server requests
	SDOTxBase   = 0x580 // server -> client responses
	MinNodeID   = 1
	MaxNodeID   = 127
	sdoFrameLen = 8
)

// SDO command specifiers.
const (
	// Client download (write) expedited with size indicated, by byte count.
	sdoDownload1 = 0x2F
	sdoDownload2 = 0x2B
	sdoDownload4 = 0x23

	// sdoUploadRequest asks the server for an object's value.
	sdoUploadRequest = 0x40

	// sdoDownloadAck is the server's reply to a successful download.
	sdoDownloadAck = 0x60

	// sdoAbort is the abort transfer command, sent by either side.
	sdoAbort = 0x80

	// Server upload reply, expedited: 0x43 | (4-n)<<2, size indicated.
	sdoUploadExpedited = 0x43
	sdoUploadMask      = 0xE3
)

// Object dictionary entries used by the bridge.
const (
	IndexStoreParameters = 0x1010
	IndexHeartbeatTime   = 0x1017
	IndexTPDOComm        = 0x1800
	IndexNodeID          = 0x3001
	IndexPresetValue     = 0x6003

	// SubStoreAll is "save all parameters".
	SubStoreAll = 0x01

	// SubCOBID is the COB-ID entry of a PDO communication record.
	SubCOBID = 0x01

	// StoreSignature is "save" in little-endian ASCII.
	StoreSignature = 0x65766173

	// PDOInvalidBit disables a PDO when set in its COB-ID.
	PDOInvalidBit = 0x80000000
)

// ValidNode reports whether id is a usable CANopen node id.
func ValidNode(id int) bool {
	return id >= MinNodeID && id <= MaxNodeID
}

// Download builds an expedited SDO download (write) of size bytes.
//
// Payload layout:
//
//	Byte 0:   command specifier (0x2F, 0x2B or 0x23)
//	Byte 1-2: index (little-endian)
//	Byte 3:   sub-index
//	Byte 4-7: value (little-endian, unused bytes zero)
func Download(node int, index uint16, sub uint8, value uint32, size int) (canbus.Frame, error) {
	if !ValidNode(node) {
		return canbus.Frame{}, fmt.Errorf("%w: %d", ErrInvalidNode, node)
	}

	var cmd byte
	switch size {
	case 1:
		cmd = sdoDownload1
	case 2:
		cmd = sdoDownload2
	case 4:
		cmd = sdoDownload4
	default:
		return canbus.Frame{}, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	data := make([]byte, sdoFrameLen)
	data[0] = cmd
	binary.LittleEndian.PutUint16(data[1:3], index)
	data[3] = sub
	binary.LittleEndian.PutUint32(data[4:8], value)
	return canbus.Frame{ID: uint32(SDORxBase + node), Data: data}, nil
}

// Upload builds an SDO upload (read) request.
func Upload(node int, index uint16, sub uint8) (canbus.Frame, error) {
	if !ValidNode(node) {
		return canbus.Frame{}, fmt.Errorf("%w: %d", ErrInvalidNode, node)
	}
	data := make([]byte, sdoFrameLen)
	data[0] = sdoUploadRequest
	binary.LittleEndian.PutUint16(data[1:3], index)
	data[3] = sub
	return canbus.Frame{ID: uint32(SDORxBase + node), Data: data}, nil
}

// IsResponse reports whether f is an SDO server reply from node for the
// object at index/sub. Both successful replies and aborts match, so the
// caller sees an abort immediately instead of waiting for a timeout. A late
// reply for another object is ignored.
func IsResponse(node int, index uint16, sub uint8) func(canbus.Frame) bool {
	id := uint32(SDOTxBase + node)
	return func(f canbus.Frame) bool {
		if f.ID != id || !sameObject(f, index, sub) {
			return false
		}
		cmd := f.Data[0]
		return cmd == sdoDownloadAck || cmd == sdoAbort || cmd&sdoUploadMask == sdoUploadExpedited
	}
}

// sameObject reports whether the multiplexer in bytes 1-3 of f names
// index/sub.
func sameObject(f canbus.Frame, index uint16, sub uint8) bool {
	return len(f.Data) >= 4 &&
		binary.LittleEndian.Uint16(f.Data[1:3]) == index &&
		f.Data[3] == sub
}

func checkObject(index uint16, sub uint8, f canbus.Frame) error {
	if len(f.Data) < 4 {
		return fmt.Errorf("%w: short reply", ErrUnexpectedResponse)
	}
	if !sameObject(f, index, sub) {
		return fmt.Errorf("%w: reply for 0x%04X:%d, want 0x%04X:%d", ErrUnexpectedResponse,
			binary.LittleEndian.Uint16(f.Data[1:3]), f.Data[3], index, sub)
	}
	return nil
}

// CheckDownload interprets the reply to a download request.
func CheckDownload(node int, index uint16, sub uint8, f canbus.Frame) error {
	if err := checkObject(index, sub, f); err != nil {
		return err
	}
	switch f.Data[0] {
	case sdoDownloadAck:
		return nil
	case sdoAbort:
		return parseAbort(node, index, sub, f)
	default:
		return fmt.Errorf("%w: command 0x%02X to download", ErrUnexpectedResponse, f.Data[0])
	}
}

// ParseUpload extracts the value from an expedited upload reply.
func ParseUpload(node int, index uint16, sub uint8, f canbus.Frame) (uint32, error) {
	if err := checkObject(index, sub, f); err != nil {
		return 0, err
	}
	cmd := f.Data[0]
	if cmd == sdoAbort {
		return 0, parseAbort(node, index, sub, f)
	}
	if cmd&sdoUploadMask != sdoUploadExpedited || len(f.Data) < sdoFrameLen {
		return 0, fmt.Errorf("%w: command 0x%02X to upload", ErrUnexpectedResponse, cmd)
	}

	unused := int(cmd>>2) & 0x03
	var buf [4]byte
	copy(buf[:], f.Data[4:8-unused])
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func parseAbort(node int, index uint16, sub uint8, f canbus.Frame) error {
	var code uint32
	if len(f.Data) >= sdoFrameLen {
		code = binary.LittleEndian.Uint32(f.Data[4:8])
	}
	return &AbortError{Node: node, Index: index, SubIndex: sub, Code: code}
}
