// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Transport is a duplex byte stream carrying one channel.
type Transport interface {
	// Send writes b in full.
	Send(ctx context.Context, b []byte) error

	// Receive blocks until bytes arrive. The returned slice is owned by the caller.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the connection.
	Close() error
}

// Dialer opens a new transport. Every channel of a session uses a fresh
// transport obtained from the same dialer.
type Dialer func(ctx context.Context) (Transport, error)

// WebSocketTransport carries SPICE over binary WebSocket messages, which is
// how websockify-style proxies expose a SPICE server.
type WebSocketTransport struct {
	ws *websocket.Conn
}

// DialWebSocket returns a Dialer for a ws:// or wss:// endpoint.
func DialWebSocket(uri string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		ws, _, err := websocket.Dial(ctx, uri, &websocket.DialOptions{
			Subprotocols: []string{"binary"},
		})
		if err != nil {
			return nil, networkError("DialWebSocket", "websocket dial failed", err)
		}
		ws.SetReadLimit(-1)
		return &WebSocketTransport{ws: ws}, nil
	}
}

// Send writes b as one binary message.
func (t *WebSocketTransport) Send(ctx context.Context, b []byte) error {
	if err := t.ws.Write(ctx, websocket.MessageBinary, b); err != nil {
		return networkError("WebSocketTransport.Send", "write failed", err)
	}
	return nil
}

// Receive returns the next message.
func (t *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	_, b, err := t.ws.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
			return nil, io.EOF
		}
		return nil, err
	}
	return b, nil
}

// Close sends a normal closure.
func (t *WebSocketTransport) Close() error {
	return t.ws.Close(websocket.StatusNormalClosure, "client closing")
}

// NetTransport carries SPICE directly over a stream connection.
type NetTransport struct {
	conn    net.Conn
	bufSize int

	closeOnce sync.Once
	closeErr  error
}

// DialTCP returns a Dialer for a host:port address.
func DialTCP(address string, timeout time.Duration) Dialer {
	return func(ctx context.Context) (Transport, error) {
		d := &net.Dialer{Timeout: timeout}
		c, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, networkError("DialTCP", "tcp dial failed", err)
		}
		return NewNetTransport(c), nil
	}
}

// NewNetTransport wraps an established connection.
func NewNetTransport(c net.Conn) *NetTransport {
	return &NetTransport{conn: c, bufSize: 64 * 1024}
}

// Send writes b to the connection.
func (t *NetTransport) Send(ctx context.Context, b []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer func() { _ = t.conn.SetWriteDeadline(time.Time{}) }()
	}
	if _, err := t.conn.Write(b); err != nil {
		return networkError("NetTransport.Send", "write failed", err)
	}
	return nil
}

// Receive returns whatever the next read yields.
func (t *NetTransport) Receive(ctx context.Context) ([]byte, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = t.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	buf := make([]byte, t.bufSize)
	n, err := t.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, err
}

// Close closes the connection once.
func (t *NetTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// DialURI picks a dialer from the URI scheme: ws and wss use WebSocket,
// tcp and spice (or a bare host:port) use a raw stream.
func DialURI(uri string, timeout time.Duration) (Dialer, error) {
	if !strings.Contains(uri, "://") {
		if _, _, err := net.SplitHostPort(uri); err != nil {
			return nil, configurationError("DialURI", "cannot parse server address "+uri, err)
		}
		return DialTCP(uri, timeout), nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, configurationError("DialURI", "cannot parse server address "+uri, err)
	}
	switch u.Scheme {
	case "ws", "wss", "tcp", "spice":
	default:
		return nil, configurationError("DialURI", "unsupported scheme "+u.Scheme, nil)
	}
	if u.Host == "" {
		return nil, configurationError("DialURI", "missing host in "+uri, nil)
	}
	if u.Scheme == "ws" || u.Scheme == "wss" {
		return DialWebSocket(uri), nil
	}
	return DialTCP(u.Host, timeout), nil
}
