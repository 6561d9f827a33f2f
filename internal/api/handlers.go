package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/canbridge/internal/audit"
	"github.com/nerrad567/canbridge/internal/server"
	"github.com/nerrad567/canbridge/internal/telemetry"
)

// Health statuses.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
)

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	telemetry.Health
}

// handleHealth reports the bridge counters. A disconnected bus answers
// 503 so the route can back a liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	now := s.now()
	resp := healthResponse{
		Status:        statusOK,
		Version:       s.version,
		UptimeSeconds: int64(now.Sub(s.started).Seconds()),
		Health:        telemetry.CollectHealth(s.sources, now),
	}

	code := http.StatusOK
	if resp.Bus != nil && !resp.Bus.Connected {
		resp.Status = statusDegraded
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleListEncoders(w http.ResponseWriter, _ *http.Request) {
	readings := telemetry.Readings(s.sources.Encoders, s.now(), s.staleAfter)
	writeJSON(w, http.StatusOK, map[string]any{
		"encoders": readings,
		"count":    len(readings),
	})
}

func (s *Server) handleGetEncoder(w http.ResponseWriter, r *http.Request) {
	node, err := strconv.Atoi(chi.URLParam(r, "node"))
	if err != nil || node < 1 || node > 127 {
		writeError(w, r, http.StatusBadRequest, "node must be an integer between 1 and 127")
		return
	}

	for _, reading := range telemetry.Readings(s.sources.Encoders, s.now(), s.staleAfter) {
		if reading.Node == node {
			writeJSON(w, http.StatusOK, reading)
			return
		}
	}
	writeError(w, r, http.StatusNotFound, "node "+strconv.Itoa(node)+" has no readings")
}

// handleListCommands serves the command log, most recent first.
//
// Query parameters: command, status (success or error), since (RFC 3339)
// and limit.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, r, http.StatusServiceUnavailable, "command log is disabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{Command: q.Get("command"), Status: q.Get("status")}

	switch filter.Status {
	case "", server.StatusSuccess, server.StatusError:
	default:
		writeError(w, r, http.StatusBadRequest, "status must be success or error")
		return
	}

	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	filter.Limit = limit

	entries, err := s.audit.ListCommands(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing commands failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to read command log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commands": entries,
		"count":    len(entries),
	})
}

func (s *Server) handleListRenames(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, r, http.StatusServiceUnavailable, "command log is disabled")
		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	entries, err := s.audit.ListRenames(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing renames failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to read rename history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"renames": entries,
		"count":   len(entries),
	})
}

// parseLimit reads the optional limit parameter. Zero means the
// repository default; it writes a 400 and reports false when malformed.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}
