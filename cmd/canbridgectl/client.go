package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/canbridge/internal/server"
)

// errClosed is returned once the bridge has closed the connection.
var errClosed = errors.New("connection closed")

// lineConn carries one JSON message per line (TCP) or per text message
// (WebSocket).
type lineConn interface {
	ReadLine() ([]byte, error)
	WriteLine(data []byte) error
	Close() error
}

type tcpConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func (c *tcpConn) ReadLine() ([]byte, error) {
	if c.scanner.Scan() {
		return c.scanner.Bytes(), nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errClosed
}

func (c *tcpConn) WriteLine(data []byte) error {
	_, err := c.conn.Write(append(data, '\n'))
	return err
}

func (c *tcpConn) Close() error { return c.conn.Close() }

type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *wsConn) ReadLine() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil, errClosed
	}
	return data, err
}

func (c *wsConn) WriteLine(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error { return c.conn.Close() }

// Client talks the bridge command protocol. Responses are matched to
// requests in order; encoder pushes are delivered on Readings.
type Client struct {
	conn lineConn

	mu        sync.Mutex // serializes Do
	responses chan server.Response
	readings  chan server.Broadcast
	done      chan struct{}
	err       error
}

// Dial connects to addr. A ws:// or wss:// URL selects WebSocket;
// anything else is a TCP host:port.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var conn lineConn
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", addr, err)
		}
		conn = &wsConn{conn: ws}
	} else {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", addr, err)
		}
		scanner := bufio.NewScanner(c)
		scanner.Buffer(make([]byte, 0, 4096), 1<<20)
		conn = &tcpConn{conn: c, scanner: scanner}
	}
	return newClient(conn), nil
}

func newClient(conn lineConn) *Client {
	c := &Client{
		conn:      conn,
		responses: make(chan server.Response, 1),
		readings:  make(chan server.Broadcast, 16),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// envelope tells pushes from responses.
type envelope struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			c.err = err
			return
		}

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.err = fmt.Errorf("invalid message from bridge: %w", err)
			return
		}

		if env.Type == server.TypeEncoderData {
			var b server.Broadcast
			if err := json.Unmarshal(line, &b); err != nil {
				c.err = fmt.Errorf("invalid encoder push: %w", err)
				return
			}
			c.pushReading(b)
			continue
		}

		var resp server.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.err = fmt.Errorf("invalid response: %w", err)
			return
		}
		select {
		case c.responses <- resp:
		case <-time.After(time.Second):
			// Nobody is waiting; an unsolicited response is dropped.
		}
	}
}

// pushReading keeps the newest pushes when the reader falls behind.
func (c *Client) pushReading(b server.Broadcast) {
	for {
		select {
		case c.readings <- b:
			return
		default:
		}
		select {
		case <-c.readings:
		default:
		}
	}
}

// Do sends req and waits for its response.
func (c *Client) Do(ctx context.Context, req server.Request) (server.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return server.Response{}, err
	}
	if err := c.conn.WriteLine(data); err != nil {
		return server.Response{}, fmt.Errorf("sending %s: %w", req.Type, err)
	}

	select {
	case resp := <-c.responses:
		return resp, nil
	case <-c.done:
		return server.Response{}, c.Err()
	case <-ctx.Done():
		return server.Response{}, ctx.Err()
	}
}

// Readings delivers encoder pushes after show_encoder.
func (c *Client) Readings() <-chan server.Broadcast {
	return c.readings
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, once Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		if c.err == nil {
			return errClosed
		}
		return c.err
	default:
		return nil
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
