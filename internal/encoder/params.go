package encoder

import (
	"fmt"
	"math"
)

// Defaults for encoder parameters.
const (
	DefaultResolution = 1024
	DefaultFullCircle = 360.0
)

// Node id range for encoders.
const (
	MinNodeID = 1
	MaxNodeID = 127
)

// TPDO base identifiers; a node's frames use base + node id.
const (
	TPDO1Base = 0x180
	TPDO2Base = 0x280
)

// Params converts raw step counts to degrees.
type Params struct {
	// Resolution is the number of steps per revolution.
	Resolution int

	// FullCircle is the number of degrees one revolution maps to.
	FullCircle float64
}

// DefaultParams returns the 1024-step, 360° configuration.
func DefaultParams() Params {
	return Params{Resolution: DefaultResolution, FullCircle: DefaultFullCircle}
}

// Validate checks that both parameters are positive.
func (p Params) Validate() error {
	if p.Resolution <= 0 {
		return fmt.Errorf("%w: resolution %d", ErrInvalidParams, p.Resolution)
	}
	if p.FullCircle <= 0 || math.IsNaN(p.FullCircle) || math.IsInf(p.FullCircle, 0) {
		return fmt.Errorf("%w: full circle %v", ErrInvalidParams, p.FullCircle)
	}
	return nil
}

// DegreesPerStep is FullCircle / Resolution.
func (p Params) DegreesPerStep() float64 {
	return p.FullCircle / float64(p.Resolution)
}

// Angle decodes a TPDO payload into a normalized angle in [0, 360).
func (p Params) Angle(payload []byte) (float64, error) {
	if len(payload) < 2 {
		return 0, fmt.Errorf("%w: %d bytes", ErrShortPayload, len(payload))
	}
	raw := uint16(payload[0]) | uint16(payload[1])<<8
	return normalize(float64(raw) * p.DegreesPerStep()), nil
}

// ValidNode reports whether id is a usable encoder node id.
func ValidNode(id int) bool {
	return id >= MinNodeID && id <= MaxNodeID
}

// normalize maps any angle into [0, 360).
func normalize(deg float64) float64 {
	a := math.Mod(deg, 360)
	if a < 0 {
		a += 360
	}
	if a >= 360 {
		a = 0
	}
	return a
}
