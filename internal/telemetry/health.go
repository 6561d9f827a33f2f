package telemetry

import (
	"slices"
	"time"
)

// Health is a point-in-time view of the bridge's counters.
type Health struct {
	Timestamp time.Time      `json:"timestamp"`
	Encoders  EncoderHealth  `json:"encoders"`
	Bus       *BusHealth     `json:"bus,omitempty"`
	Sessions  *SessionHealth `json:"sessions,omitempty"`
	Audit     *AuditHealth   `json:"audit,omitempty"`
	Telemetry *PublishHealth `json:"telemetry,omitempty"`
}

// EncoderHealth holds registry counters.
type EncoderHealth struct {
	Tracked   []int  `json:"tracked"`
	Samples   uint64 `json:"samples"`
	Malformed uint64 `json:"malformed"`
}

// BusHealth holds bus counters.
type BusHealth struct {
	Connected    bool      `json:"connected"`
	FramesRx     uint64    `json:"frames_rx"`
	FramesTx     uint64    `json:"frames_tx"`
	Dropped      uint64    `json:"dropped"`
	Errors       uint64    `json:"errors"`
	Reopens      uint64    `json:"reopens"`
	LastActivity time.Time `json:"last_activity,omitzero"`
}

// SessionHealth holds command server counters.
type SessionHealth struct {
	Connected  int    `json:"connected"`
	Subscribed int    `json:"subscribed"`
	Evicted    uint64 `json:"evicted"`
}

// AuditHealth holds command log counters.
type AuditHealth struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// PublishHealth holds a publisher's own counters.
type PublishHealth struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// CollectHealth reads every configured source. Sections for nil sources
// are left out.
func CollectHealth(s Sources, now time.Time) Health {
	es := s.Encoders.Stats()
	h := Health{
		Timestamp: now.UTC(),
		Encoders: EncoderHealth{
			Tracked:   s.Encoders.Nodes(),
			Samples:   es.Samples,
			Malformed: es.Malformed,
		},
	}

	if s.Bus != nil {
		bs := s.Bus.Stats()
		h.Bus = &BusHealth{
			Connected:    bs.Connected,
			FramesRx:     bs.FramesRx,
			FramesTx:     bs.FramesTx,
			Dropped:      bs.FramesDropped,
			Errors:       bs.ErrorsTotal,
			Reopens:      bs.ReopensTotal,
			LastActivity: bs.LastActivity.UTC(),
		}
	}
	if s.Sessions != nil {
		h.Sessions = &SessionHealth{
			Connected:  s.Sessions.Count(),
			Subscribed: s.Sessions.SubscribedCount(),
			Evicted:    s.Sessions.Evicted(),
		}
	}
	if s.Audit != nil {
		written, dropped, failed := s.Audit.Stats()
		h.Audit = &AuditHealth{Written: written, Dropped: dropped, Failed: failed}
	}
	return h
}

// Readings presents every tracked node at now, ordered by node id.
func Readings(src EncoderSource, now time.Time, staleAfter time.Duration) []EncoderReading {
	snapshot := src.Snapshot()
	out := make([]EncoderReading, 0, len(snapshot))
	for node, st := range snapshot {
		out = append(out, readingOf(node, st, now, staleAfter))
	}
	slices.SortFunc(out, func(a, b EncoderReading) int { return a.Node - b.Node })
	return out
}
