package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status represents the current state of a supervised process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusBackoff  Status = "backoff"
	StatusFailed   Status = "failed"
)

// Default supervision timings.
const (
	defaultRestartDelay        = 2 * time.Second
	defaultMaxRestartDelay     = time.Minute
	defaultStableThreshold     = 30 * time.Second
	defaultGracefulTimeout     = 5 * time.Second
	defaultHealthCheckInterval = 10 * time.Second
	healthCheckTimeout         = 5 * time.Second
	maxConsecutiveFailures     = 3
)

// ErrMaxRestarts is returned by Run when MaxRestartAttempts is exhausted.
var ErrMaxRestarts = errors.New("process: max restart attempts reached")

// Config holds configuration for a supervised subprocess.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format).
	Env []string

	// RestartOnFailure restarts the process when it exits on its own.
	// Without it Run returns the exit error.
	RestartOnFailure bool

	// RestartDelay is the first backoff; it doubles per consecutive
	// failure up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// StableThreshold is how long a run must last for the backoff and the
	// attempt count to reset.
	StableThreshold time.Duration

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// HealthCheck, if set, runs every HealthCheckInterval while the process
	// is up. Three consecutive failures kill the process.
	HealthCheck         func(ctx context.Context) error
	HealthCheckInterval time.Duration

	// PostStart runs after each successful start. An error kills the
	// process and counts as a failed run.
	PostStart func(ctx context.Context) error
}

// Logger defines the logging interface for the supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager supervises one subprocess.
//
// Lifecycle:
//   - NewManager, optional SetLogger
//   - Run starts the process and blocks, restarting it per Config, until
//     ctx is cancelled (graceful stop, returns nil) or restarts give up
//
// Thread Safety:
//   - Status accessors are safe to call while Run is active.
type Manager struct {
	config Config
	logger Logger

	mu           sync.RWMutex
	status       Status
	pid          int
	startTime    time.Time
	restartCount int
	lastError    error
}

// NewManager creates a supervisor, filling zero durations with defaults.
func NewManager(cfg Config) *Manager {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.MaxRestartDelay < cfg.RestartDelay {
		cfg.MaxRestartDelay = max(defaultMaxRestartDelay, cfg.RestartDelay)
	}
	if cfg.StableThreshold <= 0 {
		cfg.StableThreshold = defaultStableThreshold
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}

	return &Manager{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger. Call before Run.
func (m *Manager) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Run supervises the process until ctx is cancelled.
//
// Returns:
//   - nil after a requested stop
//   - the start or exit error when RestartOnFailure is off
//   - ErrMaxRestarts wrapping the last exit error when attempts run out
func (m *Manager) Run(ctx context.Context) error {
	consecutive := 0
	for {
		startedAt := time.Now()
		err := m.runOnce(ctx)
		if ctx.Err() != nil {
			m.setStatus(StatusStopped)
			m.logger.Info("process stopped", "name", m.config.Name)
			return nil
		}

		m.mu.Lock()
		m.lastError = err
		m.mu.Unlock()
		m.logger.Warn("process exited", "name", m.config.Name, "error", err, "ran", time.Since(startedAt))

		if !m.config.RestartOnFailure {
			m.setStatus(StatusFailed)
			return err
		}

		if time.Since(startedAt) >= m.config.StableThreshold {
			consecutive = 0
		}
		consecutive++
		if m.config.MaxRestartAttempts > 0 && consecutive > m.config.MaxRestartAttempts {
			m.setStatus(StatusFailed)
			m.logger.Error("max restart attempts reached", "name", m.config.Name, "attempts", consecutive-1)
			return fmt.Errorf("%w: %s: %w", ErrMaxRestarts, m.config.Name, err)
		}

		delay := m.backoffDelay(consecutive)
		m.mu.Lock()
		m.restartCount++
		m.status = StatusBackoff
		m.mu.Unlock()
		m.logger.Info("restarting process", "name", m.config.Name, "attempt", consecutive, "delay", delay)

		select {
		case <-ctx.Done():
			m.setStatus(StatusStopped)
			return nil
		case <-time.After(delay):
		}
	}
}

// backoffDelay returns RestartDelay doubled per earlier consecutive
// failure, capped at MaxRestartDelay. attempt starts at 1.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.config.RestartDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.config.MaxRestartDelay {
			return m.config.MaxRestartDelay
		}
	}
	return delay
}

// runOnce starts the process and waits for it to exit, for the watchdog
// to kill it, or for ctx to end (then stops it gracefully).
func (m *Manager) runOnce(ctx context.Context) error {
	m.setStatus(StatusStarting)

	cmd := exec.Command(m.config.Binary, m.config.Args...) //nolint:gosec // binary comes from local config
	// Own process group, so a stop reaches any children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if m.config.Env != nil {
		cmd.Env = append(os.Environ(), m.config.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	m.logger.Info("starting process", "name", m.config.Name, "binary", m.config.Binary, "args", m.config.Args)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", m.config.Name, err)
	}

	m.mu.Lock()
	m.status = StatusRunning
	m.pid = cmd.Process.Pid
	m.startTime = time.Now()
	m.mu.Unlock()
	m.logger.Info("process started", "name", m.config.Name, "pid", cmd.Process.Pid)

	var output sync.WaitGroup
	output.Add(2)
	go m.captureOutput(&output, "stdout", stdout)
	go m.captureOutput(&output, "stderr", stderr)

	exitCh := make(chan error, 1)
	go func() {
		output.Wait() // Wait closes the pipes; drain them first
		exitCh <- cmd.Wait()
	}()

	defer func() {
		m.mu.Lock()
		m.pid = 0
		m.mu.Unlock()
	}()

	if m.config.PostStart != nil {
		if err := m.config.PostStart(ctx); err != nil {
			m.kill(cmd, exitCh)
			return fmt.Errorf("post-start %s: %w", m.config.Name, err)
		}
	}

	return m.wait(ctx, cmd, exitCh)
}

func (m *Manager) wait(ctx context.Context, cmd *exec.Cmd, exitCh <-chan error) error {
	var tick <-chan time.Time
	if m.config.HealthCheck != nil {
		ticker := time.NewTicker(m.config.HealthCheckInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	failures := 0
	for {
		select {
		case err := <-exitCh:
			if err == nil {
				err = errors.New("exited with status 0")
			}
			return err

		case <-ctx.Done():
			m.stop(cmd, exitCh)
			return ctx.Err()

		case <-tick:
			checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			err := m.config.HealthCheck(checkCtx)
			cancel()

			if err == nil {
				if failures > 0 {
					m.logger.Info("health check recovered", "name", m.config.Name, "previous_failures", failures)
				}
				failures = 0
				continue
			}

			failures++
			m.logger.Warn("health check failed", "name", m.config.Name, "error", err, "consecutive_failures", failures)
			if failures >= maxConsecutiveFailures {
				m.kill(cmd, exitCh)
				return fmt.Errorf("killed after %d failed health checks: %w", failures, err)
			}
		}
	}
}

// stop sends SIGTERM to the process group, then SIGKILL after GracefulTimeout.
func (m *Manager) stop(cmd *exec.Cmd, exitCh <-chan error) {
	pid := cmd.Process.Pid
	m.logger.Info("stopping process", "name", m.config.Name, "pid", pid)

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		m.logger.Warn("failed to send SIGTERM to process group", "name", m.config.Name, "error", err)
	}

	select {
	case <-exitCh:
		return
	case <-time.After(m.config.GracefulTimeout):
		m.logger.Warn("graceful shutdown timeout, sending SIGKILL", "name", m.config.Name, "timeout", m.config.GracefulTimeout)
	}
	m.kill(cmd, exitCh)
}

func (m *Manager) kill(cmd *exec.Cmd, exitCh <-chan error) {
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		m.logger.Error("failed to kill process group", "name", m.config.Name, "error", err)
	}
	<-exitCh
}

// captureOutput logs each line the process writes.
func (m *Manager) captureOutput(wg *sync.WaitGroup, stream string, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m.logger.Debug("process output", "name", m.config.Name, "stream", stream, "line", scanner.Text())
	}
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// Status returns the current status of the supervised process.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning returns true if the process is currently running.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// Stats describes the supervised process.
type Stats struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Name:         m.config.Name,
		Status:       m.status,
		PID:          m.pid,
		RestartCount: m.restartCount,
	}
	if m.status == StatusRunning {
		stats.Uptime = time.Since(m.startTime)
	}
	if m.lastError != nil {
		stats.LastError = m.lastError.Error()
	}
	return stats
}
