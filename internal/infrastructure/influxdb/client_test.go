package influxdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/canbridge/internal/infrastructure/config"
)

// fakeInflux answers /ping and records line protocol posted to /api/v2/write.
type fakeInflux struct {
	mu     sync.Mutex
	lines  []string
	status int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping", "/health":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lines = append(f.lines, strings.Split(strings.TrimSpace(string(body)), "\n")...)
		status := f.status
		f.mu.Unlock()
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeInflux) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func startFake(t *testing.T) (*fakeInflux, config.InfluxDBConfig) {
	t.Helper()
	fake := &fakeInflux{}
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)
	return fake, config.InfluxDBConfig{
		Enabled:       true,
		URL:           ts.URL,
		Token:         "test-token",
		Org:           "canbridge",
		Bucket:        "encoders",
		BatchSize:     100,
		FlushInterval: 60,
	}
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Connect(ctx, config.InfluxDBConfig{Enabled: true, URL: "http://127.0.0.1:1"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnectAndHealthCheck(t *testing.T) {
	_, cfg := startFake(t)
	cfg.BatchSize = -1
	cfg.FlushInterval = 0

	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestWriteEncoderSample(t *testing.T) {
	fake, cfg := startFake(t)
	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	ts := time.Unix(1_700_000_000, 0)
	client.WriteEncoderSample(EncoderSample{Node: 3, NormalizedAngle: 30, AbsoluteAngle: 390, Displacement: 20, FullCircles: 1, Direction: 1}, ts)
	client.WriteBusSample(BusSample{Channel: "can0", Connected: true, Received: 10}, ts)
	client.WriteCommand("step_motor", "success", 12*time.Millisecond, ts)
	client.Flush()

	lines := fake.written()
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %v", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "encoder,node=3 ") || !strings.Contains(lines[0], "absolute_angle=390") {
		t.Errorf("encoder line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "can_bus,channel=can0 ") || !strings.Contains(lines[1], "connected=true") {
		t.Errorf("bus line = %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "command,command=step_motor,status=success ") {
		t.Errorf("command line = %q", lines[2])
	}
}

func TestWriteErrorCallback(t *testing.T) {
	fake, cfg := startFake(t)
	fake.status = http.StatusBadRequest

	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	got := make(chan error, 1)
	client.SetOnError(func(err error) {
		select {
		case got <- err:
		default:
		}
	})

	client.WriteEncoderSample(EncoderSample{Node: 4}, time.Now())
	client.Flush()

	select {
	case err := <-got:
		if !errors.Is(err, ErrWriteFailed) {
			t.Errorf("callback error = %v, want ErrWriteFailed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write error callback not invoked")
	}

	stats := client.Stats()
	if stats.Queued != 1 || stats.WriteErrors != 1 {
		t.Errorf("Stats() = %+v, want 1 queued and 1 write error", stats)
	}
	if stats.LastError == "" || stats.LastErrorTime.IsZero() {
		t.Errorf("Stats() last error not recorded: %+v", stats)
	}
}

func TestDefaultTagsOnEveryPoint(t *testing.T) {
	fake, cfg := startFake(t)
	cfg.Tags = map[string]string{"site": "lab", "rig": "bench-1"}

	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	ts := time.Unix(1_700_000_000, 0)
	client.WriteEncoderSample(EncoderSample{Node: 5}, ts)
	client.WriteCommand("stop_motor", "success", time.Millisecond, ts)
	client.Flush()

	lines := fake.written()
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(lines), lines)
	}
	for _, line := range lines {
		if !strings.Contains(line, "rig=bench-1") || !strings.Contains(line, "site=lab") {
			t.Errorf("line %q missing default tags", line)
		}
	}
	if got := client.Stats().Queued; got != 2 {
		t.Errorf("Stats().Queued = %d, want 2", got)
	}
}

func TestWritesAfterCloseAreDropped(t *testing.T) {
	fake, cfg := startFake(t)
	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	client.WriteEncoderSample(EncoderSample{Node: 3}, time.Now())
	client.Flush()

	if n := len(fake.written()); n != 0 {
		t.Errorf("got %d lines after Close, want 0", n)
	}
	if got := client.Stats().Queued; got != 0 {
		t.Errorf("Stats().Queued = %d after Close, want 0", got)
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() = %v, want ErrNotConnected", err)
	}
}

func TestClose_Nil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on zero client = %v", err)
	}
}

func TestEncoderPointLineProtocol(t *testing.T) {
	p := encoderPoint(EncoderSample{Node: 127, AbsoluteAngle: -350, FullCircles: -1, Direction: -1, Stale: true}, time.Unix(0, 42))
	line := write.PointToLineProtocol(p, time.Nanosecond)

	for _, want := range []string{"encoder,node=127 ", "absolute_angle=-350", "full_circles=-1i", "stale=true", " 42\n"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}
