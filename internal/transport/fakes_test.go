package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/mock"
)

type fakeStream struct {
	in  *bytes.Reader
	err error

	mu          sync.Mutex
	out         bytes.Buffer
	finished    bool
	readCancels int
	writeErr    error
}

func newFakeStream(input string) *fakeStream {
	return &fakeStream{in: bytes.NewReader([]byte(input))}
}

func (s *fakeStream) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.in.Read(p)
}

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.finished {
		return 0, errors.New("write on finished stream")
	}
	return s.out.Write(p)
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	return nil
}

func (s *fakeStream) CancelRead(quic.StreamErrorCode) {
	s.mu.Lock()
	s.readCancels++
	s.mu.Unlock()
}

func (s *fakeStream) CancelWrite(quic.StreamErrorCode) {}

func (s *fakeStream) written() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.String(), s.finished
}

// fakeConn is a connection whose handshake, streams and close are driven by
// the test. CloseWithError goes through the embedded mock.
type fakeConn struct {
	mock.Mock

	handshake    chan struct{}
	streams      chan Stream
	acceptCalled chan struct{}
	acceptOnce   sync.Once

	ctx    context.Context
	cancel context.CancelCauseFunc
	remote net.Addr
}

func newFakeConn(port int) *fakeConn {
	ctx, cancel := context.WithCancelCause(context.Background())
	c := &fakeConn{
		handshake:    make(chan struct{}),
		streams:      make(chan Stream, 1),
		acceptCalled: make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		remote:       &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
	}
	c.On("CloseWithError", mock.Anything, mock.Anything).Return(nil).Maybe()
	return c
}

func (c *fakeConn) completeHandshake() *fakeConn {
	close(c.handshake)
	return c
}

func (c *fakeConn) withStream(s Stream) *fakeConn {
	c.streams <- s
	return c
}

// peerClose ends the connection as if the peer had sent CONNECTION_CLOSE.
func (c *fakeConn) peerClose() {
	c.cancel(&quic.ApplicationError{Remote: true, ErrorCode: 0, ErrorMessage: "bye"})
}

func (c *fakeConn) AcceptStream(ctx context.Context) (Stream, error) {
	c.acceptOnce.Do(func() { close(c.acceptCalled) })
	select {
	case s := <-c.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, context.Cause(c.ctx)
	}
}

func (c *fakeConn) OpenStreamSync(ctx context.Context) (Stream, error) {
	select {
	case <-c.ctx.Done():
		return nil, context.Cause(c.ctx)
	default:
		return newFakeStream(""), nil
	}
}

func (c *fakeConn) HandshakeComplete() <-chan struct{} { return c.handshake }
func (c *fakeConn) Context() context.Context           { return c.ctx }
func (c *fakeConn) LocalAddr() net.Addr                { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433} }
func (c *fakeConn) RemoteAddr() net.Addr               { return c.remote }

func (c *fakeConn) CloseWithError(code quic.ApplicationErrorCode, reason string) error {
	args := c.Called(code, reason)
	c.cancel(&quic.ApplicationError{ErrorCode: code, ErrorMessage: reason})
	return args.Error(0)
}

// fakeListener hands out queued connections until closed.
type fakeListener struct {
	conns     chan Conn
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeListener(conns ...Conn) *fakeListener {
	l := &fakeListener{conns: make(chan Conn, len(conns)+8), done: make(chan struct{})}
	for _, c := range conns {
		l.conns <- c
	}
	return l
}

func (l *fakeListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrEndpointClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeListener) Addr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}
}

func (l *fakeListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

// mockListener is a testify mock for one-off accept sequences.
type mockListener struct {
	mock.Mock
}

func (m *mockListener) Accept(ctx context.Context) (Conn, error) {
	args := m.Called(ctx)
	c, _ := args.Get(0).(Conn)
	return c, args.Error(1)
}

func (m *mockListener) Addr() net.Addr {
	return m.Called().Get(0).(net.Addr)
}

func (m *mockListener) Close() error {
	return m.Called().Error(0)
}
