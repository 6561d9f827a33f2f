// Package canopen builds and parses the CANopen frames the bridge needs:
// expedited SDO transfers, NMT commands and the node rename procedure.
//
// Only expedited (at most 4 byte) SDO transfers are supported. Encoders
// expose every object the bridge touches as u8, u16 or u32.
package canopen
