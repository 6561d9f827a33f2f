package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/canbridge/internal/encoder"
)

// Request types.
const (
	CmdShowEncoder    = "show_encoder"
	CmdStopMonitoring = "stop_monitoring"
	CmdChangeID       = "change_id"
	CmdResetPosition  = "reset_position"
	CmdStepMotor      = "step_motor"
	CmdDCMotor        = "dc_motor"
)

// Message types and statuses.
const (
	TypeEncoderData = "encoder_data"
	StatusSuccess   = "success"
	StatusError     = "error"
)

// Request is one client command.
type Request struct {
	Type string          `json:"type"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// OK reports whether the command succeeded.
func (r Response) OK() bool {
	return r.Status == StatusSuccess
}

// Argument shapes. Pointers distinguish a missing field from zero.
type (
	changeIDArgs struct {
		CurrentID *int `json:"current_id"`
		NewID     *int `json:"new_id"`
	}

	resetArgs struct {
		NodeID *int `json:"node_id"`
	}

	stepArgs struct {
		Power     *int `json:"power"`
		Direction *int `json:"direction"`
		Steps     *int `json:"steps"`
	}

	dcArgs struct {
		MotorID    *int `json:"motor_id"`
		PowerState *int `json:"power_state"`
		Direction  *int `json:"direction"`
		DurationMS int  `json:"duration_ms,omitempty"`
	}
)

// decodeArgs unmarshals request arguments. Absent args decode as an empty
// object so missing-field checks report the field name.
func decodeArgs(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: args: %w", ErrValidation, err)
	}
	return nil
}

// required dereferences a mandatory integer argument.
func required(name string, v *int) (int, error) {
	if v == nil {
		return 0, fmt.Errorf("%w: %s is required", ErrValidation, name)
	}
	return *v, nil
}

// Reading is one node's entry in an encoder broadcast. On the wire it is
// the array [normalized, fullCircles, absolute, reference, lastUpdate,
// direction], with lastUpdate in Unix seconds.
type Reading struct {
	NormalizedAngle float64
	FullCircleCount int
	AbsoluteAngle   float64
	ReferenceAngle  float64
	LastUpdate      float64
	Direction       int
}

// ReadingFromState converts a tracker state to its wire form.
func ReadingFromState(s encoder.State) Reading {
	var last float64
	if !s.LastUpdate.IsZero() {
		last = float64(s.LastUpdate.UnixNano()) / float64(time.Second)
	}
	return Reading{
		NormalizedAngle: s.NormalizedAngle,
		FullCircleCount: s.FullCircleCount,
		AbsoluteAngle:   s.AbsoluteAngle,
		ReferenceAngle:  s.ReferenceAngle,
		LastUpdate:      last,
		Direction:       int(s.LastDirection),
	}
}

// Displacement is the travel since the reference angle.
func (r Reading) Displacement() float64 {
	return r.AbsoluteAngle - r.ReferenceAngle
}

// MarshalJSON encodes the reading as a six-element array.
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal([6]any{
		r.NormalizedAngle,
		r.FullCircleCount,
		r.AbsoluteAngle,
		r.ReferenceAngle,
		r.LastUpdate,
		r.Direction,
	})
}

// UnmarshalJSON decodes the six-element array form.
func (r *Reading) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 6 {
		return fmt.Errorf("reading: want 6 elements, got %d", len(raw))
	}
	*r = Reading{
		NormalizedAngle: raw[0],
		FullCircleCount: int(raw[1]),
		AbsoluteAngle:   raw[2],
		ReferenceAngle:  raw[3],
		LastUpdate:      raw[4],
		Direction:       int(raw[5]),
	}
	return nil
}

// Broadcast is the periodic encoder push.
type Broadcast struct {
	Type string          `json:"type"`
	Data map[int]Reading `json:"data"`
}

// EncodeBroadcast builds the newline-terminated encoder push for a
// registry snapshot. Nodes silent for longer than staleAfter are reported
// as stationary with zero displacement; the registry is not modified.
func EncodeBroadcast(snapshot map[int]encoder.State, now time.Time, staleAfter time.Duration) ([]byte, error) {
	msg := Broadcast{Type: TypeEncoderData, Data: make(map[int]Reading, len(snapshot))}
	for id, st := range snapshot {
		msg.Data[id] = ReadingFromState(st.Stale(now, staleAfter))
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// encodeResponse marshals r with a trailing newline.
func encodeResponse(r Response) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		// Two strings always marshal.
		data = []byte(`{"status":"error","message":"internal error"}`)
	}
	return append(data, '\n')
}
