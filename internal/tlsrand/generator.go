package tlsrand

import (
	crand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"io"
	"math/rand/v2"
	"slices"

	"github.com/quicstunt/quicstunt/internal/neterr"
	"github.com/quicstunt/quicstunt/internal/observability"
)

const (
	// MinSuiteCount is the smallest suite sample a request may ask for.
	MinSuiteCount = 3
	// DefaultMaxAttempts bounds suite resampling after engine rejections.
	DefaultMaxAttempts = 64
)

// Request describes the configuration to generate.
//
// Servers must set Certificate. Clients normally set RootCAs; a nil pool
// means the system roots.
type Request struct {
	SuiteCount  int
	Role        Role
	Certificate *tls.Certificate
	RootCAs     *x509.CertPool
	NextProtos  []string
	KeyLog      io.Writer
}

// Configuration is an engine-accepted randomized TLS configuration. It is
// not modified after Generate returns; callers that need per-dial changes
// clone TLS.
//
// CipherSuites is the sampled list. crypto/tls fixes the TLS 1.3 suites, so
// only the pre-1.3 entries reach TLS.CipherSuites; on a TLS 1.3 only
// configuration such as the QUIC engine's, the sampled 1.3 suites are
// recorded and logged but the handshake offers Go's default 1.3 set.
type Configuration struct {
	Role         Role
	CipherSuites []uint16
	Group        tls.CurveID
	Versions     []uint16
	Attempts     int
	TLS          *tls.Config
}

// SuiteNames returns the IANA names of the chosen suites in sample order.
func (c *Configuration) SuiteNames() []string {
	names := make([]string, len(c.CipherSuites))
	for i, id := range c.CipherSuites {
		names[i] = tls.CipherSuiteName(id)
	}
	return names
}

// VersionNames returns the chosen versions, oldest first.
func (c *Configuration) VersionNames() []string {
	return versionNames(c.Versions)
}

// Generator draws configurations from an Engine.
type Generator struct {
	Engine      Engine
	MaxAttempts int
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// NewGenerator returns a generator over engine with the default attempt
// bound and no logging.
func NewGenerator(engine Engine) *Generator {
	return &Generator{
		Engine:      engine,
		MaxAttempts: DefaultMaxAttempts,
		Logger:      observability.Nop(),
	}
}

// Generate draws one group, one version prefix and req.SuiteCount distinct
// suites from rng, retrying only the suite draw while the engine rejects the
// selection.
func (g *Generator) Generate(rng *rand.Rand, req Request) (*Configuration, error) {
	if rng == nil {
		return nil, neterr.New(neterr.KindInternal, "tls generation needs a random source")
	}
	if g.Engine == nil {
		return nil, neterr.New(neterr.KindInternal, "tls generation needs an engine")
	}
	suites := uniqueSuites(g.Engine.CipherSuites())
	if req.SuiteCount < MinSuiteCount || req.SuiteCount > len(suites) {
		return nil, neterr.New(neterr.KindInternal,
			"suite count %d outside [%d, %d]", req.SuiteCount, MinSuiteCount, len(suites))
	}
	groups := g.Engine.Groups()
	versions := g.Engine.Versions()
	if len(groups) == 0 || len(versions) == 0 {
		return nil, neterr.New(neterr.KindInternal, "engine supports no groups or versions")
	}
	if req.Role == RoleServer && req.Certificate == nil {
		return nil, neterr.New(neterr.KindInternal, "server configuration needs a certificate")
	}

	logger := g.logger()
	maxAttempts := g.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	sel := Selection{
		Role:     req.Role,
		Group:    SampleGroup(rng, groups),
		Versions: SampleVersions(rng, versions),
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sel.Suites = SampleSuites(rng, suites, req.SuiteCount)

		conf, err := g.Engine.Build(sel)
		if err != nil {
			if !errors.Is(err, ErrRejected) {
				return nil, neterr.Wrap(neterr.KindInternal, err)
			}
			logger.TLSConfigRejected(req.Role.String(), attempt, err)
			g.Metrics.RecordTLSRejection()
			continue
		}

		c := &Configuration{
			Role:     req.Role,
			Group:    sel.Group,
			Versions: slices.Clone(sel.Versions),
			Attempts: attempt,
			TLS:      g.finish(conf, req),
		}
		for _, s := range sel.Suites {
			c.CipherSuites = append(c.CipherSuites, s.ID)
		}

		logger.TLSConfigGenerated(req.Role.String(), c.SuiteNames(), c.Group.String(), c.VersionNames(), attempt)
		g.Metrics.RecordTLSConfig(req.Role.String(), attempt)
		return c, nil
	}

	return nil, neterr.New(neterr.KindConfigExhausted,
		"no accepted suite set after %d attempts (group %s, versions %v)",
		maxAttempts, sel.Group, versionNames(sel.Versions))
}

func (g *Generator) finish(conf *tls.Config, req Request) *tls.Config {
	if req.Certificate != nil {
		conf.Certificates = []tls.Certificate{*req.Certificate}
	}
	conf.RootCAs = req.RootCAs
	conf.NextProtos = slices.Clone(req.NextProtos)
	if req.KeyLog != nil {
		conf.KeyLogWriter = req.KeyLog
		g.logger().KeyLogEnabled(req.Role.String())
	}
	return conf
}

func (g *Generator) logger() *observability.Logger {
	if g.Logger == nil {
		return observability.Nop()
	}
	return g.Logger
}

// SampleGroup picks one group uniformly.
func SampleGroup(rng *rand.Rand, groups []tls.CurveID) tls.CurveID {
	return groups[rng.IntN(len(groups))]
}

// SampleVersions returns, with equal probability, the oldest version, the
// two oldest, or all of supported. The prefix is clamped to the list.
func SampleVersions(rng *rand.Rand, supported []uint16) []uint16 {
	if len(supported) == 0 {
		return nil
	}
	var k int
	switch rng.IntN(3) {
	case 0:
		k = 1
	case 1:
		k = 2
	default:
		k = len(supported)
	}
	k = min(k, len(supported))
	return slices.Clone(supported[:k])
}

// SampleSuites draws n distinct suites without replacement, in draw order.
// suites must hold at least n distinct IDs.
func SampleSuites(rng *rand.Rand, suites []*tls.CipherSuite, n int) []*tls.CipherSuite {
	chosen := make([]*tls.CipherSuite, 0, n)
	seen := make(map[uint16]struct{}, n)
	for len(chosen) < n {
		s := suites[rng.IntN(len(suites))]
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		chosen = append(chosen, s)
	}
	return chosen
}

// NewRand returns a deterministic source for tests and reproducible runs.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// NewRandFromCrypto returns a ChaCha8 source seeded from crypto/rand.
func NewRandFromCrypto() *rand.Rand {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		// crypto/rand does not fail on supported platforms; fall back to
		// the runtime-seeded global source.
		binary.LittleEndian.PutUint64(seed[:], rand.Uint64())
		binary.LittleEndian.PutUint64(seed[8:], rand.Uint64())
	}
	return rand.New(rand.NewChaCha8(seed))
}

func uniqueSuites(suites []*tls.CipherSuite) []*tls.CipherSuite {
	seen := make(map[uint16]struct{}, len(suites))
	out := suites[:0:0]
	for _, s := range suites {
		if s == nil {
			continue
		}
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		out = append(out, s)
	}
	return out
}

func versionNames(versions []uint16) []string {
	names := make([]string, len(versions))
	for i, v := range versions {
		names[i] = tls.VersionName(v)
	}
	return names
}
