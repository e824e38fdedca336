// Package transport runs QUIC endpoints with randomized TLS parameters and
// dispatches accepted connections to a stream handler.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"

	"github.com/quic-go/quic-go"
)

// ErrEndpointClosed is returned by Listener.Accept after the endpoint was
// closed.
var ErrEndpointClosed = errors.New("transport: endpoint closed")

// Stream is a bidirectional QUIC stream. Close finishes the send side.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	CancelRead(code quic.StreamErrorCode)
	CancelWrite(code quic.StreamErrorCode)
}

// Conn is the part of a QUIC connection the dispatcher uses.
type Conn interface {
	AcceptStream(ctx context.Context) (Stream, error)
	OpenStreamSync(ctx context.Context) (Stream, error)
	HandshakeComplete() <-chan struct{}
	Context() context.Context
	CloseWithError(code quic.ApplicationErrorCode, reason string) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Listener yields incoming connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

var _ Conn = (*quicConn)(nil)

type quicConn struct {
	conn *quic.Conn
}

// WrapConn adapts a quic-go connection.
func WrapConn(conn *quic.Conn) Conn {
	if conn == nil {
		return nil
	}
	return &quicConn{conn: conn}
}

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *quicConn) OpenStreamSync(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *quicConn) HandshakeComplete() <-chan struct{} { return c.conn.HandshakeComplete() }
func (c *quicConn) Context() context.Context           { return c.conn.Context() }
func (c *quicConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }

func (c *quicConn) CloseWithError(code quic.ApplicationErrorCode, reason string) error {
	return c.conn.CloseWithError(code, reason)
}

var _ Listener = (*quicListener)(nil)

type quicListener struct {
	ln     *quic.EarlyListener
	closed atomic.Bool
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		if l.closed.Load() || errors.Is(err, quic.ErrServerClosed) {
			return nil, ErrEndpointClosed
		}
		return nil, err
	}
	return WrapConn(conn), nil
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func (l *quicListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.ln.Close()
}
