package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// DialWS connects to a relay through a WebSocket bridge and returns a
// net.Conn carrying the same frame protocol as the TLS path. Each frame
// write becomes one binary WebSocket message; reads present the message
// stream as contiguous bytes, so partial reads behave like a socket.
func DialWS(ctx context.Context, url string) (net.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay bridge %s: %w", url, err)
	}
	return &wsConn{ws: ws}, nil
}

// wsConn adapts a message-oriented WebSocket connection to the byte-stream
// interface the frame codec reads from. Reads are only ever issued by one
// goroutine (the session inbound loop), writes by one frame at a time
// under the session write lock, matching gorilla's concurrency rules.
type wsConn struct {
	ws *websocket.Conn
	r  io.Reader // current in-progress message, nil between messages
}

func (c *wsConn) Read(b []byte) (int, error) {
	for {
		if c.r == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.r = r
		}
		n, err := c.r.Read(b)
		if err == io.EOF {
			// Message exhausted; continue with the next one.
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
