package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Defaults.
const (
	DefaultAddr              = "0.0.0.0:5000"
	DefaultSendBuffer        = 64
	DefaultBroadcastInterval = 100 * time.Millisecond
	DefaultWriteTimeout      = 2 * time.Second
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds command server settings.
type Config struct {
	// Addr is the TCP listen address. Default: 0.0.0.0:5000.
	Addr string

	// SendBuffer is the per-session outbound queue length. Default: 64.
	SendBuffer int

	// BroadcastInterval is the encoder push period. Default: 100ms.
	BroadcastInterval time.Duration

	// StaleAfter is the silence after which a node is reported as
	// stationary. Default: 1 second.
	StaleAfter time.Duration

	// WriteTimeout bounds each write to a client. Default: 2 seconds.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = DefaultBroadcastInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Deps holds the collaborators of the server.
type Deps struct {
	Config     Config
	Registry   EncoderRegistry
	Dispatcher *Dispatcher
	Logger     Logger
}

// Server accepts TCP clients, answers their commands and pushes encoder
// data to subscribed clients.
//
// Lifecycle:
//
//	srv, err := server.New(deps)
//	srv.Listen()
//	go srv.Serve(ctx)
//	go srv.RunBroadcaster(ctx)
//
// Thread Safety: all exported methods are safe for concurrent use.
type Server struct {
	cfg        Config
	registry   EncoderRegistry
	dispatcher *Dispatcher
	hub        *Hub
	logger     Logger

	listener net.Listener
	mu       sync.Mutex
	conns    sync.WaitGroup
}

// New creates a server. It does not listen until Listen is called.
func New(deps Deps) (*Server, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("encoder registry is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Server{
		cfg:        deps.Config.withDefaults(),
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		hub:        NewHub(logger),
		logger:     logger,
	}, nil
}

// Hub returns the session hub shared by TCP and WebSocket clients.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Listen binds the TCP address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("command server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts clients until ctx is cancelled, then disconnects every
// session and waits for the handlers to return.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}

	// Closing the listener unblocks Accept.
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close() //nolint:errcheck // shutdown
	})
	defer stop()

	defer func() {
		s.hub.closeAll()
		s.conns.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Debug("command listener closed")
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn reads requests until the client disconnects or sends
// something that is not JSON.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sess := newSession(uuid.NewString(), conn.RemoteAddr().String(), "tcp", s.cfg.SendBuffer, conn.Close)
	s.hub.register(sess)
	defer s.hub.unregister(sess)

	go s.writeLoop(sess, conn)

	dec := json.NewDecoder(bufio.NewReader(conn))
	for {
		var req Request
		err := dec.Decode(&req)
		if err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				// Well-formed JSON of the wrong shape; the stream is intact.
				resp := Response{Status: StatusError, Message: fmt.Errorf("%w: %w", ErrValidation, err).Error()}
				if !sess.deliver(encodeResponse(resp)) {
					return
				}
				continue
			}
			s.logReadEnd(sess, err)
			return
		}

		resp := s.dispatcher.Handle(ctx, sess, req)
		if !sess.deliver(encodeResponse(resp)) {
			return
		}
	}
}

func (s *Server) logReadEnd(sess *session, err error) {
	switch {
	case sess.closed(), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return
	case isSyntaxError(err):
		s.logger.Warn("closing client", "session", sess.id, "remote", sess.remote,
			"error", fmt.Errorf("%w: %w", ErrProtocol, err))
	default:
		s.logger.Debug("client read failed", "session", sess.id, "error", err)
	}
}

func isSyntaxError(err error) bool {
	var syntaxErr *json.SyntaxError
	return errors.As(err, &syntaxErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

// writeLoop is the only writer on conn.
func (s *Server) writeLoop(sess *session, conn net.Conn) {
	for {
		select {
		case <-sess.done:
			return
		case data := <-sess.send:
			//nolint:errcheck // write error caught below
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if _, err := conn.Write(data); err != nil {
				s.logger.Debug("client write failed", "session", sess.id, "error", err)
				s.hub.unregister(sess)
				return
			}
		}
	}
}

// RunBroadcaster pushes encoder data to subscribed sessions every
// BroadcastInterval until ctx is cancelled.
func (s *Server) RunBroadcaster(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.broadcastOnce(now)
		}
	}
}

func (s *Server) broadcastOnce(now time.Time) int {
	if s.hub.SubscribedCount() == 0 {
		return 0
	}
	data, err := EncodeBroadcast(s.registry.Snapshot(), now, s.cfg.StaleAfter)
	if err != nil {
		s.logger.Error("encoding broadcast failed", "error", err)
		return 0
	}
	return s.hub.Broadcast(data)
}
