package encoder

import "time"

// DeadBand is the smallest delta, in degrees, that registers a direction.
const DeadBand = 5.0

// DefaultStaleAfter is how long a node may stay silent before readers treat
// it as stationary.
const DefaultStaleAfter = time.Second

// Direction is the rotation sense of the last significant movement. The
// integer values are the wire codes used in broadcasts.
type Direction int

// Directions.
const (
	DirectionNone     Direction = 0
	DirectionForward  Direction = 1
	DirectionBackward Direction = -1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionForward:
		return "forward"
	case DirectionBackward:
		return "backward"
	default:
		return "none"
	}
}

// State is the tracking state of one encoder node.
//
// Invariants:
//   - NormalizedAngle is in [0, 360)
//   - AbsoluteAngle == FullCircleCount*360 + NormalizedAngle
//   - FullCircleCount changes by at most one per sample
type State struct {
	NormalizedAngle float64
	FullCircleCount int
	AbsoluteAngle   float64
	ReferenceAngle  float64
	LastUpdate      time.Time
	LastDirection   Direction
}

// NewState creates the state for a node's first sample. Its displacement
// is zero.
func NewState(angle float64, now time.Time) State {
	return State{
		NormalizedAngle: angle,
		AbsoluteAngle:   angle,
		ReferenceAngle:  angle,
		LastUpdate:      now,
		LastDirection:   DirectionNone,
	}
}

// Ingest applies one normalized angle sample and returns the displacement
// reported for it.
//
// A revolution crossing is detected from the sign of the wrap-corrected
// delta, so it is counted even when the step falls inside the dead-band.
// A reversal (a significant direction opposite to the previous significant
// direction) re-bases ReferenceAngle and reports 0.
func (s *State) Ingest(angle float64, now time.Time) float64 {
	prev := s.NormalizedAngle
	delta := wrapDelta(angle - prev)
	dir := classify(delta)

	switch {
	case delta > 0 && angle < prev:
		s.FullCircleCount++
	case delta < 0 && angle > prev:
		s.FullCircleCount--
	}

	s.NormalizedAngle = angle
	s.AbsoluteAngle = float64(s.FullCircleCount)*360 + angle

	if dir != DirectionNone && s.LastDirection != DirectionNone && dir != s.LastDirection {
		s.ReferenceAngle = s.AbsoluteAngle
		s.LastUpdate = now
		s.LastDirection = dir
		return 0
	}

	if dir != DirectionNone {
		s.LastDirection = dir
	}
	if delta != 0 {
		s.LastUpdate = now
	}
	return s.Displacement()
}

// Reset zeroes the position after the device acknowledged a preset.
func (s *State) Reset(now time.Time) {
	*s = State{LastUpdate: now, LastDirection: DirectionNone}
}

// Displacement is AbsoluteAngle - ReferenceAngle.
func (s State) Displacement() float64 {
	return s.AbsoluteAngle - s.ReferenceAngle
}

// Stale returns the state as a reader should present it at now. A node
// silent for longer than window is shown as stationary: the copy is
// re-based to its absolute angle with no direction. s itself is unchanged.
func (s State) Stale(now time.Time, window time.Duration) State {
	if window <= 0 || now.Sub(s.LastUpdate) <= window {
		return s
	}
	s.ReferenceAngle = s.AbsoluteAngle
	s.LastDirection = DirectionNone
	s.LastUpdate = now
	return s
}

// wrapDelta returns the shortest signed arc for a raw angle difference.
func wrapDelta(d float64) float64 {
	if d > 180 {
		return d - 360
	}
	if d < -180 {
		return d + 360
	}
	return d
}

func classify(delta float64) Direction {
	switch {
	case delta == 0 || (delta <= DeadBand && delta >= -DeadBand):
		return DirectionNone
	case delta > 0:
		return DirectionForward
	default:
		return DirectionBackward
	}
}
