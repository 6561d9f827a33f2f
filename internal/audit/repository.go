package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Page size limits for List queries.
const (
	defaultLimit = 50
	maxLimit     = 500
)

// CommandEntry is one dispatched command.
type CommandEntry struct {
	ID        string          `json:"id"`
	RequestID string          `json:"request_id"`
	SessionID string          `json:"session_id,omitempty"`
	Remote    string          `json:"remote,omitempty"`
	Command   string          `json:"command"`
	Args      json.RawMessage `json:"args,omitempty"`
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

// RenameEntry is one node id change attempt.
type RenameEntry struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	OldNode   int       `json:"old_node"`
	NewNode   int       `json:"new_node"`
	Succeeded bool      `json:"succeeded"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter controls which command entries to return.
type Filter struct {
	Command string    // optional: exact command type
	Status  string    // optional: success or error
	Since   time.Time // optional: entries started at or after
	Limit   int       // default 50, max 500
}

// Repository defines the audit storage operations.
type Repository interface {
	RecordCommand(ctx context.Context, e *CommandEntry) error
	RecordRename(ctx context.Context, e *RenameEntry) error
	ListCommands(ctx context.Context, filter Filter) ([]CommandEntry, error)
	ListRenames(ctx context.Context, limit int) ([]RenameEntry, error)
	PruneCommands(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRepository stores audit entries in the command_log and
// node_renames tables.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over a migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RecordCommand inserts a command entry. ID is generated if empty.
func (r *SQLiteRepository) RecordCommand(ctx context.Context, e *CommandEntry) error {
	if e.ID == "" {
		e.ID = "cmd-" + uuid.NewString()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}

	var args any
	if len(e.Args) > 0 {
		args = string(e.Args)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_log (id, request_id, session_id, remote, command, args, status, message, error, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RequestID, nullableString(e.SessionID), nullableString(e.Remote),
		e.Command, args, e.Status, e.Message, nullableString(e.Error),
		formatTime(e.StartedAt), durationMS(e.Duration),
	)
	if err != nil {
		return fmt.Errorf("inserting command log: %w", err)
	}
	return nil
}

// RecordRename inserts a rename entry. ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) RecordRename(ctx context.Context, e *RenameEntry) error {
	if e.ID == "" {
		e.ID = "ren-" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO node_renames (id, request_id, old_node, new_node, succeeded, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullableString(e.RequestID), e.OldNode, e.NewNode, e.Succeeded,
		nullableString(e.Error), formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting node rename: %w", err)
	}
	return nil
}

// ListCommands returns matching entries, most recent first.
func (r *SQLiteRepository) ListCommands(ctx context.Context, filter Filter) ([]CommandEntry, error) {
	var conditions []string
	var args []any

	if filter.Command != "" {
		conditions = append(conditions, "command = ?")
		args = append(args, filter.Command)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "started_at >= ?")
		args = append(args, formatTime(filter.Since))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, clampLimit(filter.Limit))

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		`SELECT id, request_id, session_id, remote, command, args, status, message, error, started_at, duration_ms
		 FROM command_log %s ORDER BY started_at DESC LIMIT ?`, where)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying command log: %w", err)
	}
	defer rows.Close()

	entries := []CommandEntry{}
	for rows.Next() {
		var e CommandEntry
		var sessionID, remote, cmdArgs, errText sql.NullString
		var startedAt string
		var durMS float64

		if err := rows.Scan(&e.ID, &e.RequestID, &sessionID, &remote, &e.Command, &cmdArgs,
			&e.Status, &e.Message, &errText, &startedAt, &durMS); err != nil {
			return nil, fmt.Errorf("scanning command log: %w", err)
		}

		e.SessionID = sessionID.String
		e.Remote = remote.String
		e.Error = errText.String
		if cmdArgs.Valid {
			e.Args = json.RawMessage(cmdArgs.String)
		}
		e.Duration = time.Duration(durMS * float64(time.Millisecond))
		if e.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command log: %w", err)
	}

	return entries, nil
}

// ListRenames returns the most recent rename attempts.
func (r *SQLiteRepository) ListRenames(ctx context.Context, limit int) ([]RenameEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, request_id, old_node, new_node, succeeded, error, created_at
		 FROM node_renames ORDER BY created_at DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying node renames: %w", err)
	}
	defer rows.Close()

	entries := []RenameEntry{}
	for rows.Next() {
		var e RenameEntry
		var requestID, errText sql.NullString
		var createdAt string

		if err := rows.Scan(&e.ID, &requestID, &e.OldNode, &e.NewNode, &e.Succeeded, &errText, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning node rename: %w", err)
		}
		e.RequestID = requestID.String
		e.Error = errText.String
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating node renames: %w", err)
	}

	return entries, nil
}

// PruneCommands deletes command entries started before the cutoff and
// returns how many were removed.
func (r *SQLiteRepository) PruneCommands(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM command_log WHERE started_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("pruning command log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning command log: %w", err)
	}
	return n, nil
}

// Timestamps sort lexically: fixed-width UTC with nanoseconds.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing audit timestamp %q: %w", s, err)
	}
	return t, nil
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultLimit
	case n > maxLimit:
		return maxLimit
	default:
		return n
	}
}

// nullableString returns nil for empty strings so nullable TEXT columns
// store NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
