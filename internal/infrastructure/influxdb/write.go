package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementEncoder = "encoder"
	MeasurementBus     = "can_bus"
	MeasurementCommand = "command"
)

// EncoderSample is one encoder reading.
type EncoderSample struct {
	Node            int
	NormalizedAngle float64
	AbsoluteAngle   float64
	Displacement    float64
	FullCircles     int
	Direction       int
	Stale           bool
}

// BusSample is a snapshot of the bus counters.
type BusSample struct {
	Channel   string
	Connected bool
	Received  uint64
	Sent      uint64
	Dropped   uint64
	Errors    uint64
	Reopens   uint64
}

// WriteEncoderSample records an encoder reading, tagged by node.
// The write is non-blocking; data is batched and sent asynchronously.
func (c *Client) WriteEncoderSample(s EncoderSample, ts time.Time) {
	c.writePoint(encoderPoint(s, ts))
}

// WriteBusSample records the bus counters.
func (c *Client) WriteBusSample(s BusSample, ts time.Time) {
	c.writePoint(busPoint(s, ts))
}

// WriteCommand records one dispatched command with its outcome.
func (c *Client) WriteCommand(command, status string, duration time.Duration, ts time.Time) {
	c.writePoint(write.NewPoint(
		MeasurementCommand,
		map[string]string{"command": command, "status": status},
		map[string]interface{}{"duration_ms": float64(duration.Microseconds()) / 1000},
		ts,
	))
}

func encoderPoint(s EncoderSample, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementEncoder,
		map[string]string{"node": strconv.Itoa(s.Node)},
		map[string]interface{}{
			"normalized_angle": s.NormalizedAngle,
			"absolute_angle":   s.AbsoluteAngle,
			"displacement":     s.Displacement,
			"full_circles":     s.FullCircles,
			"direction":        s.Direction,
			"stale":            s.Stale,
		},
		ts,
	)
}

func busPoint(s BusSample, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementBus,
		map[string]string{"channel": s.Channel},
		map[string]interface{}{
			"connected": s.Connected,
			"rx_frames": s.Received,
			"tx_frames": s.Sent,
			"dropped":   s.Dropped,
			"errors":    s.Errors,
			"reopens":   s.Reopens,
		},
		ts,
	)
}
