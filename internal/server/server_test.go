package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/canbridge/internal/encoder"
)

// startServer runs a server on a loopback port without the broadcaster
// loop; tests drive broadcasts with broadcastOnce.
func startServer(t *testing.T, reg *encoder.Registry) *Server {
	t.Helper()
	return startServerWith(t, reg, Config{})
}

func startServerWith(t *testing.T, reg *encoder.Registry, cfg Config) *Server {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	cfg.SendBuffer = 8
	d := NewDispatcher(DispatcherConfig{}, reg, &fakeMotion{}, nil, nil)
	srv, err := New(Deps{
		Config:     cfg,
		Registry:   reg,
		Dispatcher: d,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return srv
}

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, srv *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(t *testing.T, line string) {
	t.Helper()
	_, err := fmt.Fprintln(c.conn, line)
	require.NoError(t, err)
}

func (c *client) readLine(t *testing.T) string {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(line)
}

func (c *client) response(t *testing.T) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(c.readLine(t)), &resp))
	return resp
}

func (c *client) subscribe(t *testing.T) {
	t.Helper()
	c.send(t, `{"type":"show_encoder"}`)
	require.True(t, c.response(t).OK())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestTCPRequestResponse(t *testing.T) {
	srv := startServer(t, newRegistry(t, 3))
	c := dial(t, srv)

	c.send(t, `{"type":"show_encoder","args":{}}`)
	resp := c.response(t)
	assert.Equal(t, Response{Status: StatusSuccess, Message: "monitoring started"}, resp)

	// Back-to-back objects without a separator are accepted.
	_, err := c.conn.Write([]byte(`{"type":"stop_monitoring"}{"type":"nope"}`))
	require.NoError(t, err)
	assert.True(t, c.response(t).OK())
	assert.Equal(t, StatusError, c.response(t).Status)
}

func TestTCPBroadcastToSubscribers(t *testing.T) {
	reg := newRegistry(t, 3)
	reg.Ingest(3, 10)
	reg.Ingest(3, 20)
	srv := startServer(t, reg)

	sub := dial(t, srv)
	sub.subscribe(t)
	idle := dial(t, srv)
	waitFor(t, func() bool { return srv.Hub().Count() == 2 })

	assert.Equal(t, 1, srv.broadcastOnce(time.Now()))

	var msg Broadcast
	require.NoError(t, json.Unmarshal([]byte(sub.readLine(t)), &msg))
	assert.Equal(t, TypeEncoderData, msg.Type)
	require.Contains(t, msg.Data, 3)
	assert.InDelta(t, 20.0, msg.Data[3].NormalizedAngle, 1e-9)
	assert.InDelta(t, 10.0, msg.Data[3].Displacement(), 1e-9)

	// The unsubscribed client gets nothing.
	require.NoError(t, idle.conn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err := idle.r.ReadString('\n')
	assert.Error(t, err)
}

func TestBroadcastSurvivesBrokenClient(t *testing.T) {
	reg := newRegistry(t, 3)
	reg.Ingest(3, 45)
	srv := startServer(t, reg)

	a := dial(t, srv)
	a.subscribe(t)
	b := dial(t, srv)
	b.subscribe(t)
	waitFor(t, func() bool { return srv.Hub().SubscribedCount() == 2 })

	require.NoError(t, a.conn.Close())
	waitFor(t, func() bool { return srv.Hub().Count() == 1 })

	srv.broadcastOnce(time.Now())
	assert.Contains(t, b.readLine(t), `"encoder_data"`)
}

func TestProtocolErrorClosesSession(t *testing.T) {
	srv := startServer(t, newRegistry(t, 3))
	bad := dial(t, srv)
	good := dial(t, srv)
	waitFor(t, func() bool { return srv.Hub().Count() == 2 })

	bad.send(t, `this is not json`)

	require.NoError(t, bad.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := bad.r.ReadString('\n')
	assert.Error(t, err, "session should be closed")
	waitFor(t, func() bool { return srv.Hub().Count() == 1 })

	good.send(t, `{"type":"show_encoder"}`)
	assert.True(t, good.response(t).OK())
}

func TestWrongShapeKeepsSession(t *testing.T) {
	srv := startServer(t, newRegistry(t, 3))
	c := dial(t, srv)

	c.send(t, `{"type":5}`)
	resp := c.response(t)
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "invalid request")

	c.send(t, `{"type":"show_encoder"}`)
	assert.True(t, c.response(t).OK())
}

func TestServeRequiresListen(t *testing.T) {
	srv, err := New(Deps{
		Registry:   newRegistry(t),
		Dispatcher: NewDispatcher(DispatcherConfig{}, newRegistry(t), &fakeMotion{}, nil, nil),
	})
	require.NoError(t, err)
	assert.ErrorIs(t, srv.Serve(context.Background()), ErrNotListening)
}

func TestRunBroadcasterStopsOnCancel(t *testing.T) {
	reg := newRegistry(t, 3)
	reg.Ingest(3, 90)
	srv := startServerWith(t, reg, Config{BroadcastInterval: 10 * time.Millisecond})

	c := dial(t, srv)
	c.subscribe(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.RunBroadcaster(ctx) }()

	assert.Contains(t, c.readLine(t), `"3":[90,0,90,90,`)
	cancel()
	assert.NoError(t, <-done)
}

func TestWebSocketSession(t *testing.T) {
	reg := newRegistry(t, 4)
	reg.Ingest(4, 180)
	srv := startServer(t, reg)

	ts := httptest.NewServer(srv.WSHandler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"show_encoder"}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	assert.True(t, resp.OK())

	waitFor(t, func() bool { return srv.Hub().SubscribedCount() == 1 })
	srv.broadcastOnce(time.Now())

	var msg Broadcast
	require.NoError(t, conn.ReadJSON(&msg))
	assert.InDelta(t, 180.0, msg.Data[4].AbsoluteAngle, 1e-9)
}
