package telemetry

import (
	"context"
	"time"

	"github.com/nerrad567/canbridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/canbridge/internal/server"
)

// defaultSampleInterval is the InfluxDB tick when none is configured.
const defaultSampleInterval = time.Second

// PointWriter is the subset of the InfluxDB client the sampler uses.
// Writes are expected not to block.
type PointWriter interface {
	WriteEncoderSample(s influxdb.EncoderSample, ts time.Time)
	WriteBusSample(s influxdb.BusSample, ts time.Time)
	WriteCommand(command, status string, duration time.Duration, ts time.Time)
}

// InfluxSampler writes periodic encoder and bus points plus one point per
// dispatched command.
type InfluxSampler struct {
	writer     PointWriter
	sources    Sources
	channel    string
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

// NewInfluxSampler creates a sampler. channel tags the bus points.
func NewInfluxSampler(writer PointWriter, sources Sources, channel string, interval, staleAfter time.Duration) *InfluxSampler {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	return &InfluxSampler{
		writer:     writer,
		sources:    sources,
		channel:    channel,
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// CommandHandled implements server.CommandObserver.
func (s *InfluxSampler) CommandHandled(rec server.CommandRecord) {
	s.writer.WriteCommand(rec.Command, rec.Status, rec.Duration, rec.Started)
}

// Run samples until ctx is cancelled.
func (s *InfluxSampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sample(s.now())
		}
	}
}

func (s *InfluxSampler) sample(now time.Time) {
	for node, st := range s.sources.Encoders.Snapshot() {
		r := readingOf(node, st, now, s.staleAfter)
		dir := st.Stale(now, s.staleAfter).LastDirection
		s.writer.WriteEncoderSample(influxdb.EncoderSample{
			Node:            node,
			NormalizedAngle: r.NormalizedAngle,
			AbsoluteAngle:   r.AbsoluteAngle,
			Displacement:    r.Displacement,
			FullCircles:     r.FullCircles,
			Direction:       int(dir),
			Stale:           r.Stale,
		}, now)
	}

	if s.sources.Bus == nil {
		return
	}
	bs := s.sources.Bus.Stats()
	s.writer.WriteBusSample(influxdb.BusSample{
		Channel:   s.channel,
		Connected: bs.Connected,
		Received:  bs.FramesRx,
		Sent:      bs.FramesTx,
		Dropped:   bs.FramesDropped,
		Errors:    bs.ErrorsTotal,
		Reopens:   bs.ReopensTotal,
	}, now)
}
