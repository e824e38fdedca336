// Package tlsrand builds TLS configurations whose negotiation parameters are
// drawn at random per endpoint, so that sessions do not share a static
// client or server fingerprint.
package tlsrand

import (
	"crypto/tls"
	"errors"
	"fmt"
	"slices"
)

// ErrRejected is returned by Engine.Build when the selection cannot form a
// working configuration. The generator answers it by resampling suites.
var ErrRejected = errors.New("tlsrand: selection rejected by engine")

// Role is the side of the handshake a configuration is built for.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Selection is one random draw of negotiation parameters.
type Selection struct {
	Role     Role
	Suites   []*tls.CipherSuite
	Group    tls.CurveID
	Versions []uint16
}

// Engine describes what a TLS implementation supports and turns a
// Selection into a *tls.Config.
type Engine interface {
	// CipherSuites returns the suites a selection is drawn from.
	CipherSuites() []*tls.CipherSuite
	// Groups returns the supported key exchange groups.
	Groups() []tls.CurveID
	// Versions returns supported protocol versions, oldest first.
	Versions() []uint16
	// Build returns ErrRejected (possibly wrapped) for selections it cannot
	// satisfy and any other error for selections that are invalid outright.
	Build(sel Selection) (*tls.Config, error)
}

var defaultGroups = []tls.CurveID{tls.X25519, tls.CurveP256, tls.CurveP384, tls.CurveP521}

type suiteEngine struct {
	suites   []*tls.CipherSuite
	groups   []tls.CurveID
	versions []uint16
}

// StandardEngine covers crypto/tls as used over TCP: the default cipher
// suites, four groups and TLS 1.0 through 1.3.
func StandardEngine() Engine {
	return &suiteEngine{
		suites:   tls.CipherSuites(),
		groups:   defaultGroups,
		versions: []uint16{tls.VersionTLS10, tls.VersionTLS11, tls.VersionTLS12, tls.VersionTLS13},
	}
}

// QUICEngine is StandardEngine restricted to TLS 1.3, the only version QUIC
// carries.
func QUICEngine() Engine {
	return &suiteEngine{
		suites:   tls.CipherSuites(),
		groups:   defaultGroups,
		versions: []uint16{tls.VersionTLS13},
	}
}

func (e *suiteEngine) CipherSuites() []*tls.CipherSuite { return slices.Clone(e.suites) }
func (e *suiteEngine) Groups() []tls.CurveID            { return slices.Clone(e.groups) }
func (e *suiteEngine) Versions() []uint16               { return slices.Clone(e.versions) }

func (e *suiteEngine) Build(sel Selection) (*tls.Config, error) {
	if len(sel.Suites) == 0 {
		return nil, errors.New("tlsrand: empty suite selection")
	}
	if len(sel.Versions) == 0 {
		return nil, errors.New("tlsrand: empty version selection")
	}
	if !slices.Contains(e.groups, sel.Group) {
		return nil, fmt.Errorf("tlsrand: unsupported group %s", sel.Group)
	}
	for _, v := range sel.Versions {
		if !slices.Contains(e.versions, v) {
			return nil, fmt.Errorf("tlsrand: unsupported version %s", tls.VersionName(v))
		}
		if !covered(sel.Suites, v) {
			return nil, fmt.Errorf("%w: no chosen suite supports %s", ErrRejected, tls.VersionName(v))
		}
	}

	conf := &tls.Config{
		MinVersion:       sel.Versions[0],
		MaxVersion:       sel.Versions[len(sel.Versions)-1],
		CurvePreferences: e.curvePreferences(sel),
	}
	// TLS 1.3 suites are fixed by crypto/tls; only the older ones are
	// configurable.
	for _, s := range sel.Suites {
		if !slices.Contains(s.SupportedVersions, tls.VersionTLS13) {
			conf.CipherSuites = append(conf.CipherSuites, s.ID)
		}
	}
	return conf, nil
}

// curvePreferences pins a client to its drawn group. A server prefers its
// group but accepts the rest, otherwise two randomized peers would rarely
// agree.
func (e *suiteEngine) curvePreferences(sel Selection) []tls.CurveID {
	if sel.Role == RoleClient {
		return []tls.CurveID{sel.Group}
	}
	prefs := []tls.CurveID{sel.Group}
	for _, g := range e.groups {
		if g != sel.Group {
			prefs = append(prefs, g)
		}
	}
	return prefs
}

func covered(suites []*tls.CipherSuite, version uint16) bool {
	for _, s := range suites {
		if slices.Contains(s.SupportedVersions, version) {
			return true
		}
	}
	return false
}
