// Package encoder tracks rotary-encoder positions reported on the CAN bus.
//
// Each encoder node publishes its shaft angle as a 16-bit little-endian step
// count in TPDO1 (0x180+node) or TPDO2 (0x280+node). The angle wraps at 360°,
// so a single sample cannot tell a full forward turn from standing still.
// State reconstructs an unbounded absolute angle by counting full-circle
// crossings and reports a signed displacement relative to a reference angle.
//
// # Displacement Semantics
//
//   - The shortest signed arc between two samples is the delta, so 359° → 2°
//     is +3°, not -357°.
//   - Deltas of 5° or less do not register a direction (jitter dead-band).
//   - A direction reversal re-bases the reference: the reversal sample
//     reports 0 and the next run starts from there.
//   - A reader treating a node as stationary after a quiet period uses
//     Stale, which re-bases only the returned copy.
//
// # Key Types
//
//   - State: per-node tracking state and the Ingest algorithm
//   - Registry: the tracked node set, frame filtering and persistence
//   - FileStore: the encoder_config.json record
//
// # Thread Safety
//
// State is a plain value and not safe for concurrent use; Registry guards
// every State it owns and is safe for concurrent use.
package encoder
