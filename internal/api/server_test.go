package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/canbridge/internal/audit"
	"github.com/nerrad567/canbridge/internal/bridges/canbus"
	"github.com/nerrad567/canbridge/internal/encoder"
	"github.com/nerrad567/canbridge/internal/infrastructure/config"
	"github.com/nerrad567/canbridge/internal/telemetry"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

var t0 = time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)

type fakeEncoders struct {
	states map[int]encoder.State
}

func (e fakeEncoders) Nodes() []int {
	out := make([]int, 0, len(e.states))
	for n := range e.states {
		out = append(out, n)
	}
	return out
}

func (e fakeEncoders) Snapshot() map[int]encoder.State { return e.states }
func (e fakeEncoders) Stats() encoder.Stats            { return encoder.Stats{Samples: 12} }

type fakeBus struct{ connected bool }

func (b fakeBus) Stats() canbus.Stats {
	return canbus.Stats{Connected: b.connected, FramesRx: 12}
}

type fakeLog struct {
	filter  audit.Filter
	limit   int
	entries []audit.CommandEntry
	err     error
}

func (l *fakeLog) ListCommands(_ context.Context, f audit.Filter) ([]audit.CommandEntry, error) {
	l.filter = f
	return l.entries, l.err
}

func (l *fakeLog) ListRenames(_ context.Context, limit int) ([]audit.RenameEntry, error) {
	l.limit = limit
	return []audit.RenameEntry{{ID: "ren-1", OldNode: 3, NewNode: 5, Succeeded: true}}, l.err
}

func testServer(t *testing.T, mutate func(*Deps)) *Server {
	t.Helper()

	st := encoder.NewState(10, t0.Add(-100*time.Millisecond))
	st.Ingest(20, t0)

	deps := Deps{
		Config: config.HTTPConfig{
			Host:          "127.0.0.1",
			WebSocketPath: "/ws",
			API:           config.APIConfig{Enabled: true},
		},
		Sources: telemetry.Sources{
			Encoders: fakeEncoders{states: map[int]encoder.State{
				4: encoder.NewState(90, t0),
				3: st,
			}},
			Bus: fakeBus{connected: true},
		},
		Audit:      &fakeLog{},
		StaleAfter: time.Second,
		Version:    "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	srv.now = func() time.Time { return t0.Add(200 * time.Millisecond) }
	return srv
}

func do(t *testing.T, h http.Handler, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func TestNew_RequiresEncoders(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatal("New() without an encoder source should fail")
	}
}

func TestHealth(t *testing.T) {
	h := testServer(t, nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}

	var body struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		Encoders struct {
			Samples uint64 `json:"samples"`
		} `json:"encoders"`
		Bus *struct {
			FramesRx uint64 `json:"frames_rx"`
		} `json:"bus"`
	}
	decode(t, rec, &body)
	if body.Status != "ok" || body.Version != "test" {
		t.Errorf("status/version = %q/%q", body.Status, body.Version)
	}
	if body.Encoders.Samples != 12 {
		t.Errorf("encoders.samples = %d, want 12", body.Encoders.Samples)
	}
	if body.Bus == nil || body.Bus.FramesRx != 12 {
		t.Errorf("bus = %+v, want frames_rx 12", body.Bus)
	}
}

func TestHealth_BusDownIsDegraded(t *testing.T) {
	h := testServer(t, func(d *Deps) { d.Sources.Bus = fakeBus{connected: false} }).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"degraded"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestListEncoders(t *testing.T) {
	h := testServer(t, nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/encoders", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Encoders []telemetry.EncoderReading `json:"encoders"`
		Count    int                        `json:"count"`
	}
	decode(t, rec, &body)
	if body.Count != 2 || len(body.Encoders) != 2 {
		t.Fatalf("count = %d, encoders = %d", body.Count, len(body.Encoders))
	}
	if body.Encoders[0].Node != 3 || body.Encoders[1].Node != 4 {
		t.Errorf("nodes = %d, %d, want ordered 3, 4", body.Encoders[0].Node, body.Encoders[1].Node)
	}
	if body.Encoders[0].Direction != "forward" {
		t.Errorf("node 3 direction = %q, want forward", body.Encoders[0].Direction)
	}
}

func TestGetEncoder(t *testing.T) {
	h := testServer(t, nil).Handler()

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/encoders/4", http.StatusOK},
		{"/api/v1/encoders/9", http.StatusNotFound},
		{"/api/v1/encoders/abc", http.StatusBadRequest},
		{"/api/v1/encoders/128", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.path, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	var reading telemetry.EncoderReading
	decode(t, do(t, h, http.MethodGet, "/api/v1/encoders/4", nil), &reading)
	if reading.Node != 4 || reading.NormalizedAngle != 90 {
		t.Errorf("reading = %+v", reading)
	}
}

func TestListCommands_Filters(t *testing.T) {
	log := &fakeLog{entries: []audit.CommandEntry{{ID: "cmd-1", Command: "step_motor", Status: "success"}}}
	h := testServer(t, func(d *Deps) { d.Audit = log }).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/commands?command=step_motor&status=success&since=2026-10-12T09:00:00Z&limit=5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if log.filter.Command != "step_motor" || log.filter.Status != "success" || log.filter.Limit != 5 {
		t.Errorf("filter = %+v", log.filter)
	}
	if !log.filter.Since.Equal(t0) {
		t.Errorf("since = %v, want %v", log.filter.Since, t0)
	}
	if !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestListCommands_BadQuery(t *testing.T) {
	h := testServer(t, nil).Handler()

	for _, q := range []string{"status=pending", "since=yesterday", "limit=-1", "limit=ten"} {
		t.Run(q, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, "/api/v1/commands?"+q, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestListCommands_RepositoryError(t *testing.T) {
	h := testServer(t, func(d *Deps) { d.Audit = &fakeLog{err: errors.New("disk I/O error")} }).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/commands", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "disk") {
		t.Error("repository error leaked to the client")
	}
}

func TestAuditRoutesWithoutDatabase(t *testing.T) {
	h := testServer(t, func(d *Deps) { d.Audit = nil }).Handler()

	for _, path := range []string{"/api/v1/commands", "/api/v1/renames"} {
		if rec := do(t, h, http.MethodGet, path, nil); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, rec.Code)
		}
	}
}

func TestListRenames(t *testing.T) {
	log := &fakeLog{}
	h := testServer(t, func(d *Deps) { d.Audit = log }).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/renames?limit=3", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if log.limit != 3 {
		t.Errorf("limit = %d, want 3", log.limit)
	}
	if !strings.Contains(rec.Body.String(), `"old_node":3`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestAuth(t *testing.T) {
	h := testServer(t, func(d *Deps) { d.Config.API.JWTSecret = testSecret }).Handler()

	valid, err := IssueToken(testSecret, "bench-pc", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}
	forged, err := IssueToken("another-secret-that-is-32-characters", "bench-pc", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health is open", "/api/v1/health", "", http.StatusOK},
		{"missing token", "/api/v1/encoders", "", http.StatusUnauthorized},
		{"wrong scheme", "/api/v1/encoders", "Basic " + valid, http.StatusUnauthorized},
		{"forged token", "/api/v1/encoders", "Bearer " + forged, http.StatusUnauthorized},
		{"garbage token", "/api/v1/encoders", "Bearer not.a.jwt", http.StatusUnauthorized},
		{"valid token", "/api/v1/encoders", "Bearer " + valid, http.StatusOK},
		{"lowercase scheme", "/api/v1/encoders/4", "bearer " + valid, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.header != "" {
				header.Set("Authorization", tt.header)
			}
			rec := do(t, h, http.MethodGet, tt.path, header)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if rec.Code == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 without WWW-Authenticate")
			}
		})
	}
}

func TestRouting(t *testing.T) {
	ws := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })

	h := testServer(t, func(d *Deps) { d.WebSocket = ws }).Handler()
	if rec := do(t, h, http.MethodGet, "/ws", nil); rec.Code != http.StatusTeapot {
		t.Errorf("/ws status = %d, want the mounted handler", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/encoders", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}

	// With the API disabled only the WebSocket endpoint remains.
	h = testServer(t, func(d *Deps) {
		d.WebSocket = ws
		d.Config.API.Enabled = false
	}).Handler()
	if rec := do(t, h, http.MethodGet, "/api/v1/health", nil); rec.Code != http.StatusNotFound {
		t.Errorf("disabled API status = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/ws", nil); rec.Code != http.StatusTeapot {
		t.Errorf("/ws status = %d with API disabled", rec.Code)
	}
}

func TestErrorBodyCarriesRequestID(t *testing.T) {
	h := testServer(t, nil).Handler()

	header := http.Header{}
	header.Set("X-Request-ID", "bench-42")
	rec := do(t, h, http.MethodGet, "/api/v1/encoders/0", header)

	var body Error
	decode(t, rec, &body)
	if body.Status != http.StatusBadRequest || body.Code != ErrCodeBadRequest {
		t.Errorf("error = %+v, want 400 bad_request", body)
	}
	if body.RequestID != "bench-42" || rec.Header().Get("X-Request-ID") != "bench-42" {
		t.Errorf("request id = %q (header %q), want bench-42", body.RequestID, rec.Header().Get("X-Request-ID"))
	}

	// Oversized ids are replaced.
	header.Set("X-Request-ID", strings.Repeat("x", maxRequestIDLen+1))
	rec = do(t, h, http.MethodGet, "/nope", header)
	decode(t, rec, &body)
	if body.Code != ErrCodeNotFound || len(body.RequestID) != 16 {
		t.Errorf("error = %+v, want not_found with a generated id", body)
	}
}

func TestHeadHealth(t *testing.T) {
	rec := do(t, testServer(t, nil).Handler(), http.MethodHead, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("HEAD status = %d, want 200", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	h := testServer(t, func(d *Deps) {
		d.Config.API.AllowedOrigins = []string{"http://bench.local"}
	}).Handler()

	header := http.Header{}
	header.Set("Origin", "http://bench.local")
	rec := do(t, h, http.MethodOptions, "/api/v1/encoders", header)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://bench.local" {
		t.Errorf("Allow-Origin = %q", got)
	}

	header.Set("Origin", "http://elsewhere")
	rec = do(t, h, http.MethodGet, "/api/v1/encoders", header)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q for a foreign origin", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	srv := testServer(t, nil)
	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := do(t, h, http.MethodGet, "/", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestStartAndClose(t *testing.T) {
	srv := testServer(t, nil)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr().String() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if _, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second); err == nil {
		t.Error("listener still accepting after Close")
	}
}

func TestStart_AddressInUse(t *testing.T) {
	first := testServer(t, nil)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { first.Close() })

	port := first.Addr().(*net.TCPAddr).Port
	second := testServer(t, func(d *Deps) { d.Config.Port = port })
	if err := second.Start(context.Background()); err == nil {
		second.Close()
		t.Fatal("Start() on a bound port should fail")
	}
}

func TestTokens(t *testing.T) {
	token, err := IssueToken(testSecret, "ops", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}
	claims, err := ParseToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error: %v", err)
	}
	if claims.Subject != "ops" || claims.Issuer != "canbridge" || claims.ID == "" {
		t.Errorf("claims = %+v", claims)
	}

	defaulted, err := IssueToken(testSecret, "ops", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}
	// A non-positive ttl falls back to the default lifetime.
	if _, err := ParseToken(defaulted, testSecret); err != nil {
		t.Errorf("ParseToken() default ttl error: %v", err)
	}

	if _, err := ParseToken(token, "some-other-secret-of-32-characters!"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ParseToken() wrong secret = %v, want ErrTokenInvalid", err)
	}
	if _, err := IssueToken("", "ops", time.Minute); err == nil {
		t.Error("IssueToken() with empty secret should fail")
	}
	if _, err := IssueToken(testSecret, "", time.Minute); err == nil {
		t.Error("IssueToken() with empty subject should fail")
	}
}
