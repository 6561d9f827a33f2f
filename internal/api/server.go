package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/canbridge/internal/audit"
	"github.com/nerrad567/canbridge/internal/infrastructure/config"
	"github.com/nerrad567/canbridge/internal/telemetry"
)

const (
	// gracefulShutdownTimeout is the maximum time to wait for in-flight
	// requests to complete during shutdown.
	gracefulShutdownTimeout = 5 * time.Second

	// readHeaderTimeout bounds how long a client may take to send headers.
	readHeaderTimeout = 10 * time.Second
)

// Logger interface for optional logging.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// CommandLog is the read side of the audit repository.
type CommandLog interface {
	ListCommands(ctx context.Context, filter audit.Filter) ([]audit.CommandEntry, error)
	ListRenames(ctx context.Context, limit int) ([]audit.RenameEntry, error)
}

// Deps holds the dependencies of the HTTP server.
type Deps struct {
	Config config.HTTPConfig
	Logger Logger

	// Sources feeds the health and encoder routes. Encoders is required.
	Sources telemetry.Sources

	// Audit serves the command and rename routes. Optional.
	Audit CommandLog

	// WebSocket is mounted at Config.WebSocketPath when non-nil.
	WebSocket http.Handler

	// StaleAfter is the silence window applied to encoder readings.
	StaleAfter time.Duration

	Version string
}

// Server is the HTTP listener for the status API and the WebSocket
// endpoint.
type Server struct {
	cfg        config.HTTPConfig
	logger     Logger
	sources    telemetry.Sources
	audit      CommandLog
	ws         http.Handler
	staleAfter time.Duration
	version    string
	started    time.Time
	now        func() time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Sources.Encoders == nil {
		return nil, fmt.Errorf("encoder source is required")
	}
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}

	return &Server{
		cfg:        deps.Config,
		logger:     deps.Logger,
		sources:    deps.Sources,
		audit:      deps.Audit,
		ws:         deps.WebSocket,
		staleAfter: deps.StaleAfter,
		version:    deps.Version,
		started:    time.Now(),
		now:        time.Now,
	}, nil
}

// Handler returns the router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in a background goroutine until
// Close is called. Binding errors are returned directly.
//
// Parameters:
//   - ctx: Base context for requests; cancelling it does not stop the listener
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("http server listening",
		"addr", ln.Addr().String(),
		"websocket_path", s.cfg.WebSocketPath,
		"api", s.cfg.API.Enabled,
	)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close gracefully shuts down the server, waiting up to five seconds for
// in-flight requests. Hijacked WebSocket connections are closed by their
// sessions, not here.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

// HealthCheck verifies the server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("http health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("http server not started")
	}
	return nil
}
