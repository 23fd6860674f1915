package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"
)

// ErrBinaryFrame is returned by Read for frames that are not text; the
// protocol is JSON over text frames only.
var ErrBinaryFrame = errors.New("binary frame not supported")

// Conn is one open transport connection.
type Conn interface {
	// Read blocks until the next frame arrives or the connection fails.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one text frame.
	Write(ctx context.Context, data []byte) error

	// Close tears the connection down. Closing twice is safe.
	Close(reason string) error

	// IsOpen reports whether the connection is still usable. It turns false
	// as soon as a read or write fails or Close is called.
	IsOpen() bool
}

// Dialer opens transport connections. The token is the bearer credential
// for the handshake.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url, token string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url, token string) (Conn, error) {
	return f(ctx, url, token)
}

// WebsocketDialer dials with github.com/coder/websocket, sending the token
// as an Authorization bearer header.
type WebsocketDialer struct {
	Headers   http.Header
	ReadLimit int64
}

func (d *WebsocketDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	options := &websocket.DialOptions{HTTPHeader: http.Header{}}
	for key, values := range d.Headers {
		options.HTTPHeader[key] = append([]string(nil), values...)
	}
	if token != "" {
		options.HTTPHeader.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, url, options)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}

	w := &websocketConn{conn: conn}
	w.open.Store(true)
	return w, nil
}

type websocketConn struct {
	conn *websocket.Conn
	open atomic.Bool
}

func (c *websocketConn) Read(ctx context.Context) ([]byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		c.open.Store(false)
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, ErrBinaryFrame
	}
	return data, nil
}

func (c *websocketConn) Write(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.open.Store(false)
		return err
	}
	return nil
}

func (c *websocketConn) Close(reason string) error {
	if !c.open.Swap(false) {
		// already failed; release whatever the library still holds
		_ = c.conn.CloseNow()
		return nil
	}
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

func (c *websocketConn) IsOpen() bool {
	return c.open.Load()
}
