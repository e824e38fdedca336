package transport

import (
	"errors"
	"strings"
	"testing"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quicstunt/quicstunt/internal/neterr"
)

func TestReadRecvStream(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		max     int
		want    string
		cancels int
	}{
		{"unbounded", "hello world", 0, "hello world", 0},
		{"under cap", "hello", 16, "hello", 0},
		{"exactly cap", "hello", 5, "hello", 0},
		{"truncated", "hello world", 5, "hello", 1},
		{"empty", "", 8, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeStream(tt.input)
			got, err := ReadRecvStream(s, tt.max)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
			assert.Equal(t, tt.cancels, s.readCancels)
		})
	}
}

func TestReadRecvStream_ErrorsAreRecv(t *testing.T) {
	s := newFakeStream("")
	s.err = &quic.StreamError{StreamID: 0, ErrorCode: 3, Remote: true}

	_, err := ReadRecvStream(s, 0)
	assert.True(t, neterr.IsKind(err, neterr.KindRecv), "got %v", err)

	s.err = errors.New("reset")
	_, err = ReadRecvStream(s, 10)
	assert.True(t, neterr.IsKind(err, neterr.KindRecv), "got %v", err)
}

func TestWriteAllAndFinish(t *testing.T) {
	s := newFakeStream("")
	payload := strings.Repeat("x", 4096)

	require.NoError(t, WriteAll(s, []byte(payload)))
	require.NoError(t, Finish(s))

	out, finished := s.written()
	assert.Equal(t, payload, out)
	assert.True(t, finished)

	err := WriteAll(s, []byte("late"))
	assert.True(t, neterr.IsKind(err, neterr.KindSend), "got %v", err)

	broken := newFakeStream("")
	broken.writeErr = &quic.StreamError{ErrorCode: 1}
	assert.True(t, neterr.IsKind(WriteAll(broken, []byte("a")), neterr.KindSend))
}

func TestOpenStream(t *testing.T) {
	conn := newFakeConn(9000)
	pair, err := OpenStream(t.Context(), conn)
	require.NoError(t, err)
	assert.Equal(t, conn.remote, pair.Remote)
	require.NoError(t, pair.WriteAll([]byte("x")))

	conn.peerClose()
	_, err = OpenStream(t.Context(), conn)
	assert.True(t, neterr.IsKind(err, neterr.KindConnectionClosed), "got %v", err)
}
