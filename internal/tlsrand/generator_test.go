package tlsrand

import (
	"bytes"
	"crypto/tls"
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quicstunt/quicstunt/internal/neterr"
	"github.com/quicstunt/quicstunt/internal/observability"
)

// rejectingEngine wraps an Engine, rejects the first n builds and accepts
// everything after.
type rejectingEngine struct {
	Engine
	rejectFirst int
	always      bool
	selections  []Selection
}

func (e *rejectingEngine) Build(sel Selection) (*tls.Config, error) {
	e.selections = append(e.selections, Selection{
		Role:     sel.Role,
		Suites:   slices.Clone(sel.Suites),
		Group:    sel.Group,
		Versions: slices.Clone(sel.Versions),
	})
	if e.always || len(e.selections) <= e.rejectFirst {
		return nil, ErrRejected
	}
	return &tls.Config{MinVersion: sel.Versions[0], MaxVersion: sel.Versions[len(sel.Versions)-1]}, nil
}

func testCert() *tls.Certificate {
	return &tls.Certificate{Certificate: [][]byte{{0x30}}}
}

func TestGenerate_DistinctSuitesForEveryCount(t *testing.T) {
	g := NewGenerator(StandardEngine())
	rng := NewRand(1)
	total := len(StandardEngine().CipherSuites())

	for n := MinSuiteCount; n <= total; n++ {
		conf, err := g.Generate(rng, Request{SuiteCount: n, Role: RoleClient})
		require.NoError(t, err, "n=%d", n)
		assert.Len(t, conf.CipherSuites, n)

		seen := map[uint16]bool{}
		for _, id := range conf.CipherSuites {
			assert.False(t, seen[id], "duplicate suite %s", tls.CipherSuiteName(id))
			seen[id] = true
		}
	}
}

func TestGenerate_SetsDifferAcrossCalls(t *testing.T) {
	g := NewGenerator(StandardEngine())
	rng := NewRand(2)

	first, err := g.Generate(rng, Request{SuiteCount: 5, Role: RoleClient})
	require.NoError(t, err)

	differs := false
	for i := 0; i < 20 && !differs; i++ {
		next, err := g.Generate(rng, Request{SuiteCount: 5, Role: RoleClient})
		require.NoError(t, err)
		differs = !slices.Equal(first.CipherSuites, next.CipherSuites)
	}
	assert.True(t, differs, "20 draws produced the same suite list")
}

func TestGenerate_VersionPrefix(t *testing.T) {
	supported := StandardEngine().Versions()
	g := NewGenerator(StandardEngine())
	rng := NewRand(3)

	lengths := map[int]bool{}
	for i := 0; i < 200; i++ {
		conf, err := g.Generate(rng, Request{SuiteCount: 4, Role: RoleClient})
		require.NoError(t, err)

		require.NotEmpty(t, conf.Versions)
		assert.Equal(t, supported[:len(conf.Versions)], conf.Versions)
		assert.Equal(t, conf.Versions[0], conf.TLS.MinVersion)
		assert.Equal(t, conf.Versions[len(conf.Versions)-1], conf.TLS.MaxVersion)
		lengths[len(conf.Versions)] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, len(supported): true}, lengths)
}

func TestSampleVersions_Clamped(t *testing.T) {
	rng := NewRand(4)
	for i := 0; i < 50; i++ {
		assert.Equal(t, []uint16{tls.VersionTLS13}, SampleVersions(rng, []uint16{tls.VersionTLS13}))
	}
	assert.Nil(t, SampleVersions(rng, nil))
}

func TestGenerate_RetryResamplesOnlySuites(t *testing.T) {
	engine := &rejectingEngine{Engine: StandardEngine(), rejectFirst: 3}
	reg := prometheus.NewRegistry()
	g := NewGenerator(engine)
	g.Metrics = observability.NewMetrics(reg)

	conf, err := g.Generate(NewRand(5), Request{SuiteCount: 6, Role: RoleClient})
	require.NoError(t, err)
	assert.Equal(t, 4, conf.Attempts)
	require.Len(t, engine.selections, 4)

	for _, sel := range engine.selections[1:] {
		assert.Equal(t, engine.selections[0].Group, sel.Group)
		assert.Equal(t, engine.selections[0].Versions, sel.Versions)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(g.Metrics.TLSConfigRejections))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.Metrics.TLSConfigsGenerated.WithLabelValues("client")))
}

func TestGenerate_Exhausted(t *testing.T) {
	engine := &rejectingEngine{Engine: QUICEngine(), always: true}
	g := NewGenerator(engine)
	g.MaxAttempts = 5

	_, err := g.Generate(NewRand(6), Request{SuiteCount: 3, Role: RoleClient})
	require.Error(t, err)
	assert.True(t, neterr.IsKind(err, neterr.KindConfigExhausted))
	assert.Len(t, engine.selections, 5)
}

func TestGenerate_Preconditions(t *testing.T) {
	g := NewGenerator(StandardEngine())
	total := len(StandardEngine().CipherSuites())

	tests := []struct {
		name string
		req  Request
	}{
		{"too few suites", Request{SuiteCount: 2}},
		{"too many suites", Request{SuiteCount: total + 1}},
		{"server without certificate", Request{SuiteCount: 3, Role: RoleServer}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Generate(NewRand(7), tt.req)
			assert.True(t, neterr.IsKind(err, neterr.KindInternal), "got %v", err)
		})
	}

	_, err := g.Generate(nil, Request{SuiteCount: 3})
	assert.True(t, neterr.IsKind(err, neterr.KindInternal))
}

func TestGenerate_Deterministic(t *testing.T) {
	g := NewGenerator(QUICEngine())
	a, err := g.Generate(NewRand(42), Request{SuiteCount: 4, Role: RoleClient})
	require.NoError(t, err)
	b, err := g.Generate(NewRand(42), Request{SuiteCount: 4, Role: RoleClient})
	require.NoError(t, err)

	assert.Equal(t, a.CipherSuites, b.CipherSuites)
	assert.Equal(t, a.Group, b.Group)
	assert.Equal(t, a.Attempts, b.Attempts)
}

func TestQUICEngine_TLS13Only(t *testing.T) {
	g := NewGenerator(QUICEngine())
	rng := NewRand(8)

	for i := 0; i < 50; i++ {
		conf, err := g.Generate(rng, Request{SuiteCount: 3, Role: RoleServer, Certificate: testCert()})
		require.NoError(t, err)
		assert.Equal(t, []uint16{tls.VersionTLS13}, conf.Versions)

		has13 := false
		for _, id := range conf.CipherSuites {
			for _, s := range tls.CipherSuites() {
				if s.ID == id && slices.Contains(s.SupportedVersions, tls.VersionTLS13) {
					has13 = true
				}
			}
		}
		assert.True(t, has13, "QUIC configuration without a TLS 1.3 suite")

		// TLS 1.3 suites are not configurable in crypto/tls.
		for _, id := range conf.TLS.CipherSuites {
			for _, s := range tls.CipherSuites() {
				if s.ID == id {
					assert.NotEqual(t, []uint16{tls.VersionTLS13}, s.SupportedVersions, "%s handed to crypto/tls", s.Name)
				}
			}
		}
	}
}

func TestStandardEngine_RejectsUncoveredVersion(t *testing.T) {
	var tls13Only []*tls.CipherSuite
	for _, s := range tls.CipherSuites() {
		if slices.Equal(s.SupportedVersions, []uint16{tls.VersionTLS13}) {
			tls13Only = append(tls13Only, s)
		}
	}
	require.NotEmpty(t, tls13Only)

	_, err := StandardEngine().Build(Selection{
		Suites:   tls13Only,
		Group:    tls.X25519,
		Versions: []uint16{tls.VersionTLS10},
	})
	assert.ErrorIs(t, err, ErrRejected)

	_, err = StandardEngine().Build(Selection{
		Suites:   tls13Only,
		Group:    tls.CurveID(1),
		Versions: []uint16{tls.VersionTLS13},
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestBuild_CurvePreferencesByRole(t *testing.T) {
	sel := Selection{Suites: tls.CipherSuites(), Group: tls.CurveP384, Versions: []uint16{tls.VersionTLS12, tls.VersionTLS13}}

	sel.Role = RoleClient
	client, err := StandardEngine().Build(sel)
	require.NoError(t, err)
	assert.Equal(t, []tls.CurveID{tls.CurveP384}, client.CurvePreferences)

	sel.Role = RoleServer
	server, err := StandardEngine().Build(sel)
	require.NoError(t, err)
	assert.Equal(t, tls.CurveP384, server.CurvePreferences[0])
	assert.ElementsMatch(t, defaultGroups, server.CurvePreferences)
}

func TestGenerate_TrustMaterialAndKeyLog(t *testing.T) {
	var keyLog bytes.Buffer
	var logs bytes.Buffer
	g := NewGenerator(QUICEngine())
	g.Logger = observability.NewLogger("test", "dev", &logs)

	cert := testCert()
	conf, err := g.Generate(NewRand(9), Request{
		SuiteCount:  3,
		Role:        RoleServer,
		Certificate: cert,
		NextProtos:  []string{"hq-29"},
		KeyLog:      &keyLog,
	})
	require.NoError(t, err)
	require.Len(t, conf.TLS.Certificates, 1)
	assert.Equal(t, cert.Certificate, conf.TLS.Certificates[0].Certificate)
	assert.Equal(t, []string{"hq-29"}, conf.TLS.NextProtos)
	assert.Same(t, &keyLog, conf.TLS.KeyLogWriter)
	assert.Contains(t, logs.String(), "key log enabled")

	client, err := g.Generate(NewRand(10), Request{SuiteCount: 3, Role: RoleClient})
	require.NoError(t, err)
	assert.Nil(t, client.TLS.KeyLogWriter)
	assert.Empty(t, client.TLS.Certificates)
}

func TestConfiguration_Names(t *testing.T) {
	c := &Configuration{
		CipherSuites: []uint16{tls.TLS_AES_128_GCM_SHA256},
		Versions:     []uint16{tls.VersionTLS13},
	}
	assert.Equal(t, []string{"TLS_AES_128_GCM_SHA256"}, c.SuiteNames())
	assert.Equal(t, []string{"TLS 1.3"}, c.VersionNames())
}

func TestNewRandFromCrypto(t *testing.T) {
	a, b := NewRandFromCrypto(), NewRandFromCrypto()
	assert.NotEqual(t, a.Uint64(), b.Uint64())
}
