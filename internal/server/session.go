package server

import (
	"sync"
	"sync/atomic"
	"time"
)

// session is one connected client, over TCP or WebSocket.
//
// Outbound messages (responses and broadcasts) go through send and are
// written by a single writer goroutine owned by the transport. The send
// channel is never closed; done signals the end of the session instead.
type session struct {
	id        string
	remote    string
	transport string
	connected time.Time

	send       chan []byte
	subscribed atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	closeConn func() error
}

func newSession(id, remote, transport string, buffer int, closeConn func() error) *session {
	return &session{
		id:        id,
		remote:    remote,
		transport: transport,
		connected: time.Now(),
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		closeConn: closeConn,
	}
}

// SetSubscribed switches encoder broadcasts on or off for this session.
func (s *session) SetSubscribed(on bool) {
	s.subscribed.Store(on)
}

// trySend queues a broadcast without blocking. It returns false when the
// queue is full or the session is closed.
func (s *session) trySend(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// deliver queues a response, waiting for room. It returns false once the
// session is closed.
func (s *session) deliver(data []byte) bool {
	select {
	case s.send <- data:
		return true
	case <-s.done:
		return false
	}
}

// close ends the session and closes the connection. Safe to call more
// than once.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.closeConn != nil {
			_ = s.closeConn() //nolint:errcheck // connection is being discarded
		}
	})
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
