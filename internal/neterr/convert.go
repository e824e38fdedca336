package neterr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"io/fs"
	"net"
	"syscall"

	"github.com/quic-go/quic-go"
)

// From classifies an error produced by quic-go, crypto/tls, crypto/x509,
// the net package or the file system. It never panics and always returns a
// non-nil error for a non-nil input. Errors that already carry a Kind are
// returned unchanged.
func From(err error) error {
	if err == nil {
		return nil
	}
	var ne *Error
	if errors.As(err, &ne) {
		return err
	}
	return classify(err)
}

// FromPeer is From with the remote address recorded on the new error.
func FromPeer(err error, peer net.Addr) error {
	if err == nil {
		return nil
	}
	var ne *Error
	if errors.As(err, &ne) {
		return err
	}
	e := classify(err)
	e.Peer = peer
	return e
}

// FromDial is From for failures observed while establishing a connection:
// generic connection failures become KindConnect.
func FromDial(err error) error {
	if err == nil {
		return nil
	}
	var ne *Error
	if errors.As(err, &ne) {
		return err
	}
	e := classify(err)
	if e.Kind == KindConnection {
		e.Kind = KindConnect
	}
	return e
}

func classify(err error) *Error {
	wrap := func(kind Kind) *Error {
		return &Error{Kind: kind, Detail: err.Error(), Err: err}
	}

	// quic-go errors first: several of them also satisfy net.Error or
	// match net.ErrClosed.
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		if appErr.Remote {
			return Closed(nil, err)
		}
		return wrap(KindConnection)
	}
	var transportErr *quic.TransportError
	if errors.As(err, &transportErr) {
		switch {
		case transportErr.ErrorCode.IsCryptoError():
			return wrap(KindTLS)
		case transportErr.Remote && transportErr.ErrorCode == quic.NoError:
			return Closed(nil, err)
		default:
			return wrap(KindConnection)
		}
	}
	var handshakeTimeout *quic.HandshakeTimeoutError
	if errors.As(err, &handshakeTimeout) {
		return wrap(KindConnect)
	}
	var versionErr *quic.VersionNegotiationError
	if errors.As(err, &versionErr) {
		return wrap(KindConnect)
	}
	var idleTimeout *quic.IdleTimeoutError
	if errors.As(err, &idleTimeout) {
		return wrap(KindConnection)
	}
	var resetErr *quic.StatelessResetError
	if errors.As(err, &resetErr) {
		return wrap(KindConnection)
	}
	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		return wrap(KindRecv)
	}

	if isTLSError(err) {
		return wrap(KindTLS)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return wrap(KindConnection)
	case errors.Is(err, context.Canceled):
		return wrap(KindInternal)
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return wrap(KindIO)
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return wrap(KindIO)
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return wrap(KindIO)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return wrap(KindIO)
	}

	return wrap(KindUnknown)
}

func isTLSError(err error) bool {
	var (
		alert      tls.AlertError
		header     tls.RecordHeaderError
		verify     *tls.CertificateVerificationError
		authority  x509.UnknownAuthorityError
		invalid    x509.CertificateInvalidError
		hostname   x509.HostnameError
		systemRoot x509.SystemRootsError
	)
	return errors.As(err, &alert) ||
		errors.As(err, &header) ||
		errors.As(err, &verify) ||
		errors.As(err, &authority) ||
		errors.As(err, &invalid) ||
		errors.As(err, &hostname) ||
		errors.As(err, &systemRoot)
}
