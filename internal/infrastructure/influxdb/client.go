package influxdb

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/canbridge/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	fallbackBatchSize       = 100
	fallbackFlushIntervalMS = 10_000
)

// Stats counts points handed to the write API and batches it failed to
// deliver.
type Stats struct {
	Queued        uint64    `json:"queued"`
	WriteErrors   uint64    `json:"write_errors"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitzero"`
}

// Client writes encoder, bus and command history to an InfluxDB v2 bucket.
//
// Points go through the library's batching WriteAPI; writes never block
// the caller. Every point carries the tags from influxdb.tags in addition
// to its own.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	mu        sync.RWMutex
	connected bool
	onError   func(err error)
	lastErr   error
	lastErrAt time.Time

	queued      atomic.Uint64
	writeErrors atomic.Uint64
}

// Connect pings the server and starts the batching write API.
//
// It returns ErrDisabled when influxdb.enabled is false and
// ErrConnectionFailed when the server cannot be reached or reports itself
// unhealthy.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	switch {
	case err != nil:
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrConnectionFailed, cfg.URL, err)
	case !healthy:
		client.Close()
		return nil, fmt.Errorf("%w: %s is not healthy", ErrConnectionFailed, cfg.URL)
	}

	c := &Client{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		connected: true,
	}
	go c.drainErrors(c.writeAPI.Errors())
	return c, nil
}

// clientOptions maps the bridge configuration onto the library's options.
// Tags are added in key order so the option set is deterministic.
func clientOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(fallbackBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flushMS := uint(fallbackFlushIntervalMS)
	if cfg.FlushInterval > 0 {
		flushMS = uint(cfg.FlushInterval) * 1000 //nolint:gosec // positive, checked above
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(flushMS)
	for _, key := range slices.Sorted(maps.Keys(cfg.Tags)) {
		opts.AddDefaultTag(key, cfg.Tags[key])
	}
	return opts
}

func (c *Client) drainErrors(errs <-chan error) {
	for err := range errs {
		c.writeErrors.Add(1)
		wrapped := fmt.Errorf("%w: %w", ErrWriteFailed, err)

		c.mu.Lock()
		c.lastErr = err
		c.lastErrAt = time.Now()
		callback := c.onError
		c.mu.Unlock()

		if callback != nil {
			callback(wrapped)
		}
	}
}

// writePoint queues p unless the client has been closed.
func (c *Client) writePoint(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.queued.Add(1)
	c.writeAPI.WritePoint(p)
}

// Close flushes buffered points and releases the client. Calling it again
// is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if wasConnected && c.client != nil {
		c.writeAPI.Flush()
		c.client.Close()
	}
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	healthy, err := c.client.Ping(pingCtx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	if !healthy {
		return ErrUnhealthy
	}
	return nil
}

// IsConnected reports whether the client is open.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SetOnError registers a callback for batches the server rejected. The
// error passed to it wraps ErrWriteFailed.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// Flush blocks until buffered points are sent. No-op after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writeAPI.Flush()
	}
}

// Stats returns the write counters.
func (c *Client) Stats() Stats {
	s := Stats{
		Queued:      c.queued.Load(),
		WriteErrors: c.writeErrors.Load(),
	}
	c.mu.RLock()
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
		s.LastErrorTime = c.lastErrAt
	}
	c.mu.RUnlock()
	return s
}
