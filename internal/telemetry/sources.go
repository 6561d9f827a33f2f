package telemetry

import (
	"time"

	"github.com/nerrad567/canbridge/internal/bridges/canbus"
	"github.com/nerrad567/canbridge/internal/encoder"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// EncoderSource is the read side of the encoder registry.
type EncoderSource interface {
	Nodes() []int
	Snapshot() map[int]encoder.State
	Stats() encoder.Stats
}

// BusSource exposes the bus counters.
type BusSource interface {
	Stats() canbus.Stats
}

// SessionSource exposes the command server's session counters.
type SessionSource interface {
	Count() int
	SubscribedCount() int
	Evicted() uint64
}

// AuditSource exposes the command log counters.
type AuditSource interface {
	Stats() (written, dropped, failed uint64)
}

// Sources bundles what the publishers read. Bus, Sessions and Audit may
// be nil.
type Sources struct {
	Encoders EncoderSource
	Bus      BusSource
	Sessions SessionSource
	Audit    AuditSource
}

// EncoderReading is the published form of one node's state.
type EncoderReading struct {
	Node            int       `json:"node"`
	NormalizedAngle float64   `json:"normalized_angle"`
	AbsoluteAngle   float64   `json:"absolute_angle"`
	ReferenceAngle  float64   `json:"reference_angle"`
	Displacement    float64   `json:"displacement"`
	FullCircles     int       `json:"full_circles"`
	Direction       string    `json:"direction"`
	Stale           bool      `json:"stale"`
	LastUpdate      time.Time `json:"last_update"`
}

// readingOf presents st as readers see it at now. LastUpdate keeps the
// time of the last real sample even when the node is stale.
func readingOf(node int, st encoder.State, now time.Time, staleAfter time.Duration) EncoderReading {
	shown := st.Stale(now, staleAfter)
	return EncoderReading{
		Node:            node,
		NormalizedAngle: shown.NormalizedAngle,
		AbsoluteAngle:   shown.AbsoluteAngle,
		ReferenceAngle:  shown.ReferenceAngle,
		Displacement:    shown.Displacement(),
		FullCircles:     shown.FullCircleCount,
		Direction:       shown.LastDirection.String(),
		Stale:           staleAfter > 0 && now.Sub(st.LastUpdate) > staleAfter,
		LastUpdate:      st.LastUpdate.UTC(),
	}
}
