// Package neterr is the failure taxonomy shared by every quicstunt layer.
//
// Errors coming out of quic-go, crypto/tls, crypto/x509 and the net package
// are converted exactly once, at the package boundary that first observes
// them, into an *Error carrying one Kind from a closed set. Layers above pass
// *Error values through untouched.
package neterr

import (
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is a failure that matched no other kind.
	KindUnknown Kind = iota
	// KindIO is a socket or file system failure.
	KindIO
	// KindTLS is a TLS negotiation or certificate failure.
	KindTLS
	// KindConnection is a failure of an established connection.
	KindConnection
	// KindConnect is a failure while establishing a connection.
	KindConnect
	// KindConnectionClosed means the peer closed the connection.
	KindConnectionClosed
	// KindRequest is a malformed request.
	KindRequest
	// KindRecv is a stream receive failure.
	KindRecv
	// KindSend is a stream write or finish failure.
	KindSend
	// KindInternal is an internal or configuration failure.
	KindInternal
	// KindConfigExhausted means TLS configuration generation ran out of attempts.
	KindConfigExhausted
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown error",
	KindIO:               "io error",
	KindTLS:              "tls error",
	KindConnection:       "connection error",
	KindConnect:          "connect error",
	KindConnectionClosed: "connection closed",
	KindRequest:          "request error",
	KindRecv:             "stream read error",
	KindSend:             "stream write error",
	KindInternal:         "internal error",
	KindConfigExhausted:  "tls config attempts exhausted",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure. Peer is set for KindConnectionClosed and
// wherever else the remote address is known.
type Error struct {
	Kind   Kind
	Detail string
	Peer   net.Addr
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Kind == KindConnectionClosed && e.Peer != nil {
		msg += " by peer " + e.Peer.String()
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a bare *Error of the same kind, so the
// exported sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Detail == "" && t.Err == nil && t.Peer == nil
}

// Sentinels for errors.Is.
var (
	ErrIO               = &Error{Kind: KindIO}
	ErrTLS              = &Error{Kind: KindTLS}
	ErrConnection       = &Error{Kind: KindConnection}
	ErrConnect          = &Error{Kind: KindConnect}
	ErrConnectionClosed = &Error{Kind: KindConnectionClosed}
	ErrRequest          = &Error{Kind: KindRequest}
	ErrRecv             = &Error{Kind: KindRecv}
	ErrSend             = &Error{Kind: KindSend}
	ErrInternal         = &Error{Kind: KindInternal}
	ErrConfigExhausted  = &Error{Kind: KindConfigExhausted}
	ErrUnknown          = &Error{Kind: KindUnknown}
)

// New returns an *Error without an underlying cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err as kind. An err that is already an *Error is returned
// unchanged so conversion happens only once.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var ne *Error
	if errors.As(err, &ne) {
		return err
	}
	return &Error{Kind: kind, Detail: err.Error(), Err: err}
}

// Closed builds the error for a connection the peer closed.
func Closed(peer net.Addr, err error) *Error {
	e := &Error{Kind: KindConnectionClosed, Peer: peer, Err: err}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

// WithPeer records peer on err's *Error when none is set yet.
func WithPeer(err error, peer net.Addr) error {
	var ne *Error
	if errors.As(err, &ne) && ne.Peer == nil {
		ne.Peer = peer
	}
	return err
}

// KindOf returns the kind of the first *Error in err's chain, KindUnknown
// when there is none.
func KindOf(err error) Kind {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Kind
	}
	return KindUnknown
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	var ne *Error
	return errors.As(err, &ne) && ne.Kind == kind
}
