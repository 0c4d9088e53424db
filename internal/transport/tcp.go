// Package transport carries ISO-on-TCP frames over a single socket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrNotConnected is returned by Exchange when no connection is open.
var ErrNotConnected = errors.New("not connected")

// keepAlive probes idle sessions; PLCs silently drop half-open peers.
var keepAlive = net.KeepAliveConfig{
	Enable:   true,
	Idle:     30 * time.Second,
	Interval: 10 * time.Second,
	Count:    3,
}

// TCPTransport owns the ISO-on-TCP socket of one session. At most one
// Exchange runs at a time.
type TCPTransport struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer

	mu   sync.Mutex
	conn net.Conn
}

// NewTCPTransport returns a disconnected transport for addr. timeout
// bounds both the dial and every Exchange.
func NewTCPTransport(addr string, timeout time.Duration) *TCPTransport {
	return &TCPTransport{
		addr:    addr,
		timeout: timeout,
		dialer:  net.Dialer{Timeout: timeout, KeepAliveConfig: keepAlive},
	}
}

// Connect dials the peer unless a connection is already open.
func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	conn, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("tcp connect %s: %w", t.addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// Requests are one frame each; do not wait to coalesce.
		tc.SetNoDelay(true)
	}
	t.conn = conn
	return nil
}

// Close drops the connection. It is safe to call on a closed transport.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drop()
}

func (t *TCPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// RemoteAddr returns the peer address, or nil when disconnected.
func (t *TCPTransport) RemoteAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.RemoteAddr()
}

// Exchange runs fn against the open connection under the transport lock.
// The socket deadline is the earlier of the context deadline and the
// configured timeout. Cancelling ctx closes the socket so a blocked read
// returns at once, and the returned error then wraps context.Cause(ctx).
// Any error from fn closes the connection: a partially consumed frame
// cannot be resynchronised.
func (t *TCPTransport) Exchange(ctx context.Context, fn func(rw io.ReadWriter) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		t.drop()
		return fmt.Errorf("set deadline: %w", err)
	}

	conn := t.conn
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	err := fn(conn)
	if stop() {
		if err != nil {
			t.drop()
		}
		return err
	}

	// ctx fired: the socket is closed already.
	t.conn = nil
	if err != nil {
		return fmt.Errorf("%w: %w", context.Cause(ctx), err)
	}
	return nil
}

// drop closes the socket. Callers hold mu.
func (t *TCPTransport) drop() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
