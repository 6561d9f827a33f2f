package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nerrad567/canbridge/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "canbridge-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"Status", Topics{}.Status(), "canbridge/status"},
		{"Health", Topics{}.Health(), "canbridge/health"},
		{"EncoderState", Topics{}.EncoderState(3), "canbridge/encoder/3/state"},
		{"CommandResult", Topics{}.CommandResult("step_motor"), "canbridge/command/step_motor/result"},
		{"AllEncoderStates", Topics{}.AllEncoderStates(), "canbridge/encoder/+/state"},
		{"Instance", Topics{Instance: "bench-2"}.EncoderState(127), "canbridge/bench-2/encoder/127/state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("got %q, want %q", tt.got, tt.expected)
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "bridge"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want tcp://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "canbridge-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "bridge" || opts.Password != "secret" {
		t.Error("credentials not applied")
	}

	cfg.Broker.TLS = true
	opts = buildClientOptions(cfg)
	if opts.Servers[0].Scheme != "ssl" {
		t.Errorf("scheme = %q, want ssl", opts.Servers[0].Scheme)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tls.VersionTLS12 {
		t.Error("TLS config missing minimum version")
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, Topics{}, "canbridge-test")

	if !opts.WillEnabled || opts.WillTopic != "canbridge/status" {
		t.Fatalf("will = %v %q, want enabled on canbridge/status", opts.WillEnabled, opts.WillTopic)
	}
	if !opts.WillRetained || opts.WillQos != 1 {
		t.Error("will should be retained at QoS 1")
	}

	var payload StatusPayload
	if err := json.Unmarshal(opts.WillPayload, &payload); err != nil {
		t.Fatalf("will payload: %v", err)
	}
	if payload.Status != StatusOffline || payload.Reason != "unexpected_disconnect" {
		t.Errorf("will payload = %+v", payload)
	}
}

func TestStatusPayloadOmitsEmptyReason(t *testing.T) {
	data := statusPayload("c1", StatusOnline, "")
	if strings.Contains(string(data), "reason") {
		t.Errorf("payload %s should omit reason", data)
	}
}

func TestValidatePublish(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{"ok", "canbridge/health", []byte("{}"), 1, nil},
		{"nil payload", "canbridge/health", nil, 0, nil},
		{"empty topic", "", []byte("{}"), 1, ErrInvalidTopic},
		{"bad qos", "canbridge/health", []byte("{}"), 3, ErrInvalidQoS},
		{"single-level wildcard", "canbridge/+/angle", []byte("{}"), 0, ErrInvalidTopic},
		{"multi-level wildcard", "canbridge/#", []byte("{}"), 0, ErrInvalidTopic},
		{"too large", "canbridge/health", make([]byte, maxPayloadSize+1), 1, ErrPayloadTooLarge},
		{"at limit", "canbridge/health", make([]byte, maxPayloadSize), 1, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePublish(tt.topic, tt.payload, tt.qos)
			if !errors.Is(err, tt.want) {
				t.Errorf("validatePublish() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUnconnectedClient(t *testing.T) {
	c := &Client{cfg: testConfig()}

	if c.IsConnected() {
		t.Error("IsConnected() = true for unconnected client")
	}
	if err := c.PublishRetained("canbridge/health", []byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishRetained() = %v, want ErrNotConnected", err)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}

type recordingLogger struct{ warnings []string }

func (l *recordingLogger) Info(string, ...any) {}
func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.warnings = append(l.warnings, msg)
}

func TestConnectionLossIsCounted(t *testing.T) {
	logger := &recordingLogger{}
	c := &Client{cfg: testConfig()}
	c.SetLogger(logger)
	c.setConnected(true)

	c.handleLost(errors.New("pingresp not received"))
	c.handleLost(errors.New("EOF"))

	stats := c.Stats()
	if stats.Connected {
		t.Error("Stats().Connected = true after loss")
	}
	if stats.Losses != 2 || stats.Connects != 0 {
		t.Errorf("Stats() = %+v, want 2 losses and no connects", stats)
	}
	if stats.LastLoss != "EOF" || stats.LastLossTime.IsZero() {
		t.Errorf("last loss = %q at %v, want EOF", stats.LastLoss, stats.LastLossTime)
	}
	if len(logger.warnings) != 2 {
		t.Errorf("got %d warnings, want 2", len(logger.warnings))
	}
}

func TestPublishJSONEncodingError(t *testing.T) {
	c := &Client{cfg: testConfig()}
	err := c.PublishJSON("canbridge/health", make(chan int), false)
	if !errors.Is(err, ErrPublishFailed) {
		t.Errorf("PublishJSON() = %v, want ErrPublishFailed", err)
	}
}
