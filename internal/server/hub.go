package server

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Hub tracks connected sessions and fans encoder broadcasts out to the
// subscribed ones.
//
// Thread Safety: all methods are safe for concurrent use. Broadcast never
// blocks on a slow client; a session whose queue is full is evicted.
type Hub struct {
	sessions *xsync.MapOf[string, *session]
	logger   Logger

	evicted atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub(logger Logger) *Hub {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Hub{
		sessions: xsync.NewMapOf[string, *session](),
		logger:   logger,
	}
}

func (h *Hub) register(s *session) {
	h.sessions.Store(s.id, s)
	h.logger.Debug("client connected",
		"session", s.id, "remote", s.remote, "transport", s.transport, "clients", h.Count())
}

// unregister removes and closes s. Only the caller that removes the
// session logs the disconnect.
func (h *Hub) unregister(s *session) {
	_, existed := h.sessions.LoadAndDelete(s.id)
	s.close()
	if existed {
		h.logger.Debug("client disconnected", "session", s.id, "remote", s.remote, "clients", h.Count())
	}
}

// Broadcast queues data on every subscribed session and returns how many
// sessions received it.
func (h *Hub) Broadcast(data []byte) int {
	sent := 0
	h.sessions.Range(func(_ string, s *session) bool {
		if !s.subscribed.Load() {
			return true
		}
		if s.trySend(data) {
			sent++
			return true
		}
		h.evicted.Add(1)
		h.logger.Warn("evicting slow client", "session", s.id, "remote", s.remote)
		h.unregister(s)
		return true
	})
	return sent
}

// Count returns the number of connected sessions.
func (h *Hub) Count() int {
	return h.sessions.Size()
}

// SubscribedCount returns the number of sessions receiving broadcasts.
func (h *Hub) SubscribedCount() int {
	n := 0
	h.sessions.Range(func(_ string, s *session) bool {
		if s.subscribed.Load() {
			n++
		}
		return true
	})
	return n
}

// Evicted returns how many sessions were dropped for a full queue.
func (h *Hub) Evicted() uint64 {
	return h.evicted.Load()
}

// closeAll disconnects every session.
func (h *Hub) closeAll() {
	h.sessions.Range(func(_ string, s *session) bool {
		h.unregister(s)
		return true
	})
}
