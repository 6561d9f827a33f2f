package canopen

import "github.com/nerrad567/canbridge/internal/bridges/canbus"

// NMTCommand is a network management command specifier.
type NMTCommand byte

// NMT commands.
const (
	NMTStart              NMTCommand = 0x01
	NMTStop               NMTCommand = 0x02
	NMTPreOperational     NMTCommand = 0x80
	NMTResetNode          NMTCommand = 0x81
	NMTResetCommunication NMTCommand = 0x82
)

// NMTFrame addresses cmd to node. Node 0 addresses every node.
func NMTFrame(cmd NMTCommand, node int) canbus.Frame {
	return canbus.NewFrame(NMTID, byte(cmd), byte(node))
}
