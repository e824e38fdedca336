package transport

import (
	"bytes"
	"context"
	"io"
	"net"

	"github.com/quic-go/quic-go"

	"github.com/quicstunt/quicstunt/internal/neterr"
	"github.com/quicstunt/quicstunt/internal/observability"
)

// SendStream is the writing half of a stream. Close signals end of data.
type SendStream interface {
	io.Writer
	io.Closer
	CancelWrite(code quic.StreamErrorCode)
}

// ReceiveStream is the reading half of a stream.
type ReceiveStream interface {
	io.Reader
	CancelRead(code quic.StreamErrorCode)
}

// StreamPair is the first bidirectional stream of a connection.
type StreamPair struct {
	Send   SendStream
	Recv   ReceiveStream
	Remote net.Addr
	// Conn is the owning connection. Handlers must not close it; the
	// dispatcher does.
	Conn Conn

	metrics *observability.Metrics
}

func newStreamPair(s Stream, conn Conn, metrics *observability.Metrics) StreamPair {
	return StreamPair{
		Send:    s,
		Recv:    s,
		Remote:  conn.RemoteAddr(),
		Conn:    conn,
		metrics: metrics,
	}
}

// ReadAll drains the receive side, see ReadRecvStream.
func (p StreamPair) ReadAll(maxBytes int) ([]byte, error) {
	b, err := ReadRecvStream(p.Recv, maxBytes)
	p.metrics.RecordBytesReceived(len(b))
	return b, err
}

// WriteAll writes b to the send side.
func (p StreamPair) WriteAll(b []byte) error {
	err := WriteAll(p.Send, b)
	if err == nil {
		p.metrics.RecordBytesSent(len(b))
	}
	return err
}

// Finish closes the send side.
func (p StreamPair) Finish() error {
	return Finish(p.Send)
}

// ReadRecvStream reads until the peer finishes the stream. With maxBytes > 0
// at most maxBytes are returned; anything beyond is discarded and the read
// side cancelled, without an error.
func ReadRecvStream(recv ReceiveStream, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		b, err := io.ReadAll(recv)
		if err != nil {
			return b, neterr.Wrap(neterr.KindRecv, err)
		}
		return b, nil
	}

	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(recv, int64(maxBytes)+1))
	if err != nil {
		return buf.Bytes(), neterr.Wrap(neterr.KindRecv, err)
	}
	if n > int64(maxBytes) {
		recv.CancelRead(0)
		return buf.Bytes()[:maxBytes], nil
	}
	return buf.Bytes(), nil
}

// WriteAll writes all of b.
func WriteAll(send SendStream, b []byte) error {
	for len(b) > 0 {
		n, err := send.Write(b)
		if err != nil {
			return neterr.Wrap(neterr.KindSend, err)
		}
		b = b[n:]
	}
	return nil
}

// Finish signals the end of data on send.
func Finish(send SendStream) error {
	return neterr.Wrap(neterr.KindSend, send.Close())
}

// OpenStream opens a bidirectional stream on conn, waiting for flow
// control credit.
func OpenStream(ctx context.Context, conn Conn) (StreamPair, error) {
	return openStream(ctx, conn, nil)
}

func openStream(ctx context.Context, conn Conn, metrics *observability.Metrics) (StreamPair, error) {
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return StreamPair{}, neterr.FromPeer(err, conn.RemoteAddr())
	}
	return newStreamPair(s, conn, metrics), nil
}
