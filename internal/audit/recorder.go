package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/nerrad567/canbridge/internal/server"
)

// defaultQueueSize bounds the entries waiting to be written.
const defaultQueueSize = 256

// writeTimeout bounds a single insert or prune.
const writeTimeout = 2 * time.Second

// pruneInterval is how often expired command entries are removed.
const pruneInterval = time.Hour

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

// Recorder writes every handled command to a Repository. change_id
// requests are also written to the rename history.
//
// CommandHandled only enqueues, so a slow disk never stalls a client
// session. When the queue is full the entry is dropped and counted.
//
// Lifecycle:
//   - NewRecorder, then register with Dispatcher.AddObserver
//   - Run drains the queue until ctx is cancelled, then flushes what is left
//   - with SetRetention, Run also prunes old command entries hourly
type Recorder struct {
	repo      Repository
	queue     chan server.CommandRecord
	logger    Logger
	retention time.Duration
	now       func() time.Time

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewRecorder creates a recorder with the given queue size (0 for the default).
func NewRecorder(repo Repository, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Recorder{
		repo:   repo,
		queue:  make(chan server.CommandRecord, queueSize),
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetRetention makes Run delete command entries older than keep. Zero
// disables pruning. Call before Run.
func (r *Recorder) SetRetention(keep time.Duration) {
	r.retention = max(keep, 0)
}

// SetLogger sets the logger. Call before Run.
func (r *Recorder) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// CommandHandled implements server.CommandObserver.
func (r *Recorder) CommandHandled(rec server.CommandRecord) {
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
	}
}

// Run writes queued records until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) error {
	var prune <-chan time.Time
	if r.retention > 0 {
		r.prune()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		prune = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case rec := <-r.queue:
			r.write(rec)
		case <-prune:
			r.prune()
		}
	}
}

func (r *Recorder) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	cutoff := r.now().Add(-r.retention)
	n, err := r.repo.PruneCommands(ctx, cutoff)
	if err != nil {
		r.logger.Warn("command log prune failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("command log pruned", "removed", n, "before", cutoff.UTC().Format(time.RFC3339))
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(rec server.CommandRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	entry := commandEntry(rec)
	if err := r.repo.RecordCommand(ctx, &entry); err != nil {
		r.failed.Add(1)
		r.logger.Error("audit write failed", "command", rec.Command, "request_id", rec.RequestID, "error", err)
		return
	}
	r.written.Add(1)

	if rename, ok := renameEntry(rec); ok {
		if err := r.repo.RecordRename(ctx, &rename); err != nil {
			r.failed.Add(1)
			r.logger.Error("rename history write failed", "request_id", rec.RequestID, "error", err)
		}
	}
}

// Stats returns the written, dropped and failed counts.
func (r *Recorder) Stats() (written, dropped, failed uint64) {
	return r.written.Load(), r.dropped.Load(), r.failed.Load()
}

func commandEntry(rec server.CommandRecord) CommandEntry {
	e := CommandEntry{
		RequestID: rec.RequestID,
		SessionID: rec.SessionID,
		Remote:    rec.Remote,
		Command:   rec.Command,
		Args:      rec.Args,
		Status:    rec.Status,
		Message:   rec.Message,
		StartedAt: rec.Started,
		Duration:  rec.Duration,
	}
	if rec.Err != nil {
		e.Error = rec.Err.Error()
	}
	return e
}

// renameEntry extracts a rename attempt from a change_id record. Requests
// rejected before any frame reached the node are not renames.
func renameEntry(rec server.CommandRecord) (RenameEntry, bool) {
	if rec.Command != server.CmdChangeID {
		return RenameEntry{}, false
	}
	if errors.Is(rec.Err, server.ErrValidation) || errors.Is(rec.Err, server.ErrUnavailable) {
		return RenameEntry{}, false
	}

	var args struct {
		CurrentID *int `json:"current_id"`
		NewID     *int `json:"new_id"`
	}
	if json.Unmarshal(rec.Args, &args) != nil || args.CurrentID == nil || args.NewID == nil {
		return RenameEntry{}, false
	}

	e := RenameEntry{
		RequestID: rec.RequestID,
		OldNode:   *args.CurrentID,
		NewNode:   *args.NewID,
		Succeeded: rec.Status == server.StatusSuccess,
		CreatedAt: rec.Started,
	}
	if rec.Err != nil {
		e.Error = rec.Err.Error()
	}
	return e, true
}
