package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/canbridge/internal/infrastructure/config"
)

// Logger is satisfied by logging.Logger and *slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// ConnectionStats describes the broker session history.
type ConnectionStats struct {
	Connected    bool      `json:"connected"`
	Connects     uint64    `json:"connects"`
	Losses       uint64    `json:"losses"`
	LastLoss     string    `json:"last_loss,omitempty"`
	LastLossTime time.Time `json:"last_loss_time,omitzero"`
}

// Client is the bridge's outbound MQTT session.
//
// It publishes a retained online status on every connect and registers an
// offline will on the same topic. Reconnection is left to paho; after each
// reconnect the OnConnect callback lets publishers restore retained state.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics

	mu        sync.RWMutex
	connected bool
	onConnect func()
	logger    Logger
	lastLoss  error
	lostAt    time.Time

	connects atomic.Uint64
	losses   atomic.Uint64
}

// Connect dials the broker and waits up to connectTimeout for the first
// session. The returned client is connected.
func Connect(cfg config.MQTTConfig, topics Topics) (*Client, error) {
	c := &Client{cfg: cfg, topics: topics}

	opts := buildClientOptions(cfg)
	configureLWT(opts, topics, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleLost(err) })

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: no answer from %s within %v", ErrConnectionFailed, brokerURL(cfg), connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The connect handler may not have run yet.
	c.setConnected(true)
	return c, nil
}

func (c *Client) handleConnect() {
	c.setConnected(true)
	c.connects.Add(1)

	c.client.Publish(c.topics.Status(), byte(c.cfg.QoS), true,
		statusPayload(c.cfg.Broker.ClientID, StatusOnline, ""))

	c.mu.RLock()
	logger, callback := c.logger, c.onConnect
	c.mu.RUnlock()

	if logger != nil {
		logger.Info("mqtt connected", "client_id", c.cfg.Broker.ClientID, "session", c.connects.Load())
	}
	if callback != nil {
		callback()
	}
}

func (c *Client) handleLost(err error) {
	c.losses.Add(1)

	c.mu.Lock()
	c.connected = false
	c.lastLoss = err
	c.lostAt = time.Now()
	logger := c.logger
	c.mu.Unlock()

	if logger != nil {
		logger.Warn("mqtt connection lost", "error", err)
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Close publishes a retained offline status and disconnects.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		c.client.Publish(c.topics.Status(), byte(c.cfg.QoS), true,
			statusPayload(c.cfg.Broker.ClientID, StatusOffline, "graceful_shutdown")).
			WaitTimeout(publishTimeout)
	}
	c.client.Disconnect(disconnectQuiesceMS)
	c.setConnected(false)
	return nil
}

// HealthCheck returns ErrNotConnected while the session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the session is up.
func (c *Client) IsConnected() bool {
	if c.client == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// Stats returns the session counters.
func (c *Client) Stats() ConnectionStats {
	s := ConnectionStats{
		Connected: c.IsConnected(),
		Connects:  c.connects.Load(),
		Losses:    c.losses.Load(),
	}
	c.mu.RLock()
	if c.lastLoss != nil {
		s.LastLoss = c.lastLoss.Error()
		s.LastLossTime = c.lostAt
	}
	c.mu.RUnlock()
	return s
}

// Topics returns the topic builder the client publishes under.
func (c *Client) Topics() Topics {
	return c.topics
}

// SetOnConnect registers a callback run after every (re)connect, once the
// online status is out.
func (c *Client) SetOnConnect(callback func()) {
	c.mu.Lock()
	c.onConnect = callback
	c.mu.Unlock()
}

// SetLogger sets the logger for session events.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}
