package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocket settings.
const (
	wsMaxMessageSize = 4096
	wsPingInterval   = 30 * time.Second
	wsPongWait       = 60 * time.Second
)

// WSHandler serves the command protocol over WebSocket. Each text message
// carries one request; responses and encoder broadcasts are sent as text
// messages. Sessions share the TCP server's hub, so broadcasts reach both.
type WSHandler struct {
	srv      *Server
	upgrader websocket.Upgrader
}

// WSHandler returns an http.Handler for WebSocket clients.
func (s *Server) WSHandler() *WSHandler {
	return &WSHandler{
		srv: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Any origin; the endpoint serves bench tools, not browsers.
				return true
			},
		},
	}
}

// ServeHTTP upgrades the connection and runs the session until the client
// goes away.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.srv.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sess := newSession(uuid.NewString(), r.RemoteAddr, "websocket", h.srv.cfg.SendBuffer, conn.Close)
	h.srv.hub.register(sess)
	defer h.srv.hub.unregister(sess)

	go h.writePump(sess, conn)
	h.readPump(r, sess, conn)
}

func (h *WSHandler) readPump(r *http.Request, sess *session, conn *websocket.Conn) {
	conn.SetReadLimit(wsMaxMessageSize)
	//nolint:errcheck // best-effort deadline on connection setup
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !sess.closed() {
				h.srv.logger.Warn("websocket read error", "session", sess.id, "error", err)
			}
			return
		}
		//nolint:errcheck // best-effort deadline reset
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				resp := Response{Status: StatusError, Message: fmt.Errorf("%w: %w", ErrValidation, err).Error()}
				if !sess.deliver(encodeResponse(resp)) {
					return
				}
				continue
			}
			h.srv.logger.Warn("closing client", "session", sess.id, "remote", sess.remote,
				"error", fmt.Errorf("%w: %w", ErrProtocol, err))
			return
		}

		resp := h.srv.dispatcher.Handle(r.Context(), sess, req)
		if !sess.deliver(encodeResponse(resp)) {
			return
		}
	}
}

// writePump is the only writer on conn.
func (h *WSHandler) writePump(sess *session, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			//nolint:errcheck // best-effort close message
			conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(time.Second))
			return
		case data := <-sess.send:
			//nolint:errcheck // write error caught below
			conn.SetWriteDeadline(time.Now().Add(h.srv.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.srv.hub.unregister(sess)
				return
			}
		case <-ticker.C:
			//nolint:errcheck // ping error caught below
			conn.SetWriteDeadline(time.Now().Add(h.srv.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.srv.hub.unregister(sess)
				return
			}
		}
	}
}
