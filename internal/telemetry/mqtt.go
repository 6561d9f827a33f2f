package telemetry

import (
	"context"
	"maps"
	"sync/atomic"
	"time"

	"github.com/nerrad567/canbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/canbridge/internal/server"
)

const (
	// defaultPublishInterval is the MQTT tick when none is configured.
	defaultPublishInterval = time.Second

	// commandQueueSize bounds command results waiting to be published.
	commandQueueSize = 64
)

// Broker is the subset of the MQTT client the publisher uses.
type Broker interface {
	PublishJSON(topic string, v any, retained bool) error
	PublishRetained(topic string, payload []byte) error
	IsConnected() bool
}

// CommandResult is published once per dispatched command.
type CommandResult struct {
	RequestID  string    `json:"request_id"`
	Command    string    `json:"command"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	Error      string    `json:"error,omitempty"`
	Started    time.Time `json:"started"`
	DurationMS float64   `json:"duration_ms"`
}

// MQTTPublisher mirrors encoder state and bridge health to MQTT.
//
// Encoder state is retained, one topic per node, and only republished
// when the presented reading changes. When a node stops being tracked its
// retained message is cleared. Resync forces a full republish, e.g. after
// the broker connection is restored.
//
// Thread Safety:
//   - Run must be called once
//   - CommandHandled and Resync are safe from any goroutine
type MQTTPublisher struct {
	broker     Broker
	topics     mqtt.Topics
	sources    Sources
	interval   time.Duration
	staleAfter time.Duration
	logger     Logger
	now        func() time.Time

	commands chan server.CommandRecord
	resync   atomic.Bool

	// last is owned by Run.
	last map[int]EncoderReading

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewMQTTPublisher creates a publisher. A zero interval uses one second;
// staleAfter is the silence window applied to readings.
func NewMQTTPublisher(broker Broker, topics mqtt.Topics, sources Sources, interval, staleAfter time.Duration) *MQTTPublisher {
	if interval <= 0 {
		interval = defaultPublishInterval
	}
	return &MQTTPublisher{
		broker:     broker,
		topics:     topics,
		sources:    sources,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     noopLogger{},
		now:        time.Now,
		commands:   make(chan server.CommandRecord, commandQueueSize),
		last:       make(map[int]EncoderReading),
	}
}

// SetLogger sets the logger. Call before Run.
func (p *MQTTPublisher) SetLogger(logger Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// Resync makes the next tick republish every retained message.
func (p *MQTTPublisher) Resync() {
	p.resync.Store(true)
}

// CommandHandled implements server.CommandObserver.
func (p *MQTTPublisher) CommandHandled(rec server.CommandRecord) {
	select {
	case p.commands <- rec:
	default:
		p.dropped.Add(1)
	}
}

// Run publishes until ctx is cancelled.
func (p *MQTTPublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-p.commands:
			p.publishCommand(rec)
		case <-ticker.C:
			p.tick()
		}
	}
}

// Stats returns the publisher's counters.
func (p *MQTTPublisher) Stats() PublishHealth {
	return PublishHealth{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

func (p *MQTTPublisher) tick() {
	if !p.broker.IsConnected() {
		return
	}
	if p.resync.Swap(false) {
		clear(p.last)
	}

	now := p.now()
	p.publishEncoders(now)
	p.publish(p.topics.Health(), p.health(now), true)
}

func (p *MQTTPublisher) publishEncoders(now time.Time) {
	snapshot := p.sources.Encoders.Snapshot()

	for node, st := range snapshot {
		reading := readingOf(node, st, now, p.staleAfter)
		if prev, ok := p.last[node]; ok && prev == reading {
			continue
		}
		if p.publish(p.topics.EncoderState(node), reading, true) {
			p.last[node] = reading
		}
	}

	for node := range maps.Clone(p.last) {
		if _, ok := snapshot[node]; ok {
			continue
		}
		// An empty retained message removes the retained state.
		if err := p.broker.PublishRetained(p.topics.EncoderState(node), []byte{}); err != nil {
			p.failed.Add(1)
			p.logger.Warn("clearing encoder state failed", "node", node, "error", err)
			continue
		}
		delete(p.last, node)
	}
}

func (p *MQTTPublisher) health(now time.Time) Health {
	h := CollectHealth(p.sources, now)
	stats := p.Stats()
	h.Telemetry = &stats
	return h
}

func (p *MQTTPublisher) publishCommand(rec server.CommandRecord) {
	result := CommandResult{
		RequestID:  rec.RequestID,
		Command:    rec.Command,
		Status:     rec.Status,
		Message:    rec.Message,
		Started:    rec.Started.UTC(),
		DurationMS: float64(rec.Duration.Microseconds()) / 1000,
	}
	if rec.Err != nil {
		result.Error = rec.Err.Error()
	}
	p.publish(p.topics.CommandResult(rec.Command), result, false)
}

func (p *MQTTPublisher) publish(topic string, v any, retained bool) bool {
	if err := p.broker.PublishJSON(topic, v, retained); err != nil {
		p.failed.Add(1)
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return false
	}
	p.published.Add(1)
	return true
}
