// Package canbus implements the CAN field-bus transport for canbridge.
//
// It provides raw frame send/receive over a Linux SocketCAN interface or a
// Lawicel SLCAN serial adapter, and a Bus that owns the single read handle
// and fans received frames out to the encoder ingest path and to command
// transactions waiting for an acknowledgement.
//
// # Architecture
//
//	┌──────────────┐  Send   ┌─────────────┐  Transport  ┌─────────┐
//	│ motion/      │────────►│     Bus     │◄───────────►│ CAN bus │
//	│ canopen      │◄────────│ (this pkg)  │             └─────────┘
//	└──────────────┘   Tap   └──────┬──────┘
//	                                │ OnFrame
//	                                ▼
//	                        ┌──────────────┐
//	                        │ encoder      │
//	                        │ Registry     │
//	                        └──────────────┘
//
// # Frames
//
// Only standard (11-bit) data frames are exchanged. Extended, remote and
// error frames received from the interface are counted and dropped.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
// Exactly one goroutine should call Bus.Run.
package canbus
