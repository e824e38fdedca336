package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"

	"github.com/quicstunt/quicstunt/internal/neterr"
	"github.com/quicstunt/quicstunt/internal/observability"
	"github.com/quicstunt/quicstunt/internal/quicutil"
	"github.com/quicstunt/quicstunt/internal/tlsrand"
)

// DefaultALPN is offered when EndpointConfig.NextProtos is empty.
const DefaultALPN = "hq-29"

// Defaults applied by EndpointConfig.
const (
	DefaultSuiteCountMin        = 3
	DefaultSuiteCountMax        = 5
	DefaultHandshakeIdleTimeout = 10 * time.Second
	DefaultMaxIdleTimeout       = 30 * time.Second
	DefaultIdleWaitTimeout      = 60 * time.Second
)

// EndpointConfig configures client and server endpoints. The zero value is
// usable.
type EndpointConfig struct {
	// Engine defaults to tlsrand.QUICEngine.
	Engine      tlsrand.Engine
	MaxAttempts int
	// Rand draws the suite count and the TLS parameters. It defaults to a
	// crypto-seeded source and must not be shared between goroutines.
	Rand          *rand.Rand
	SuiteCountMin int
	SuiteCountMax int

	NextProtos []string
	// KeyLog receives NSS key log lines when set.
	KeyLog io.Writer

	// DisableRetry turns off address validation with Retry packets on
	// servers.
	DisableRetry         bool
	HandshakeIdleTimeout time.Duration
	MaxIdleTimeout       time.Duration
	KeepAlivePeriod      time.Duration

	// IdleWaitTimeout bounds ClientEndpoint.Shutdown.
	IdleWaitTimeout time.Duration
	Clock           clock.Clock

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

func (c EndpointConfig) withDefaults() EndpointConfig {
	if c.Engine == nil {
		c.Engine = tlsrand.QUICEngine()
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = tlsrand.DefaultMaxAttempts
	}
	if c.Rand == nil {
		c.Rand = tlsrand.NewRandFromCrypto()
	}
	if c.SuiteCountMin <= 0 {
		c.SuiteCountMin = DefaultSuiteCountMin
	}
	if c.SuiteCountMax <= 0 {
		c.SuiteCountMax = DefaultSuiteCountMax
	}
	if len(c.NextProtos) == 0 {
		c.NextProtos = []string{DefaultALPN}
	}
	if c.HandshakeIdleTimeout <= 0 {
		c.HandshakeIdleTimeout = DefaultHandshakeIdleTimeout
	}
	if c.MaxIdleTimeout <= 0 {
		c.MaxIdleTimeout = DefaultMaxIdleTimeout
	}
	if c.IdleWaitTimeout <= 0 {
		c.IdleWaitTimeout = DefaultIdleWaitTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = observability.Nop()
	}
	return c
}

func (c EndpointConfig) quicConfig(server bool) *quic.Config {
	qc := &quic.Config{
		HandshakeIdleTimeout: c.HandshakeIdleTimeout,
		MaxIdleTimeout:       c.MaxIdleTimeout,
		KeepAlivePeriod:      c.KeepAlivePeriod,
	}
	if server {
		qc.MaxIncomingUniStreams = -1
	}
	return qc
}

// suiteCount draws uniformly from [SuiteCountMin, SuiteCountMax], clamped
// to what the engine offers.
func (c EndpointConfig) suiteCount() int {
	available := len(c.Engine.CipherSuites())
	lo := max(min(c.SuiteCountMin, available), tlsrand.MinSuiteCount)
	hi := min(max(c.SuiteCountMax, lo), available)
	if hi <= lo {
		return lo
	}
	return lo + c.Rand.IntN(hi-lo+1)
}

func (c EndpointConfig) generate(req tlsrand.Request) (*tlsrand.Configuration, error) {
	req.SuiteCount = c.suiteCount()
	req.NextProtos = c.NextProtos
	req.KeyLog = c.KeyLog
	g := &tlsrand.Generator{
		Engine:      c.Engine,
		MaxAttempts: c.MaxAttempts,
		Logger:      c.Logger,
		Metrics:     c.Metrics,
	}
	return g.Generate(c.Rand, req)
}

func bindUDP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, neterr.Wrap(neterr.KindIO, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, neterr.Wrap(neterr.KindIO, err)
	}
	return conn, nil
}

// ClientEndpoint dials servers from one UDP socket with one randomized TLS
// configuration.
type ClientEndpoint struct {
	cfg    EndpointConfig
	tls    *tlsrand.Configuration
	udp    *net.UDPConn
	tr     *quic.Transport
	logger *observability.Logger

	mu      sync.Mutex
	conns   map[Conn]time.Time
	changed chan struct{}
	closed  bool
}

// NewClientEndpoint binds 0.0.0.0:0 and verifies servers against roots (the
// system pool when nil).
func NewClientEndpoint(roots *x509.CertPool, cfg EndpointConfig) (*ClientEndpoint, error) {
	cfg = cfg.withDefaults()

	conf, err := cfg.generate(tlsrand.Request{Role: tlsrand.RoleClient, RootCAs: roots})
	if err != nil {
		return nil, err
	}
	udp, err := bindUDP("0.0.0.0:0")
	if err != nil {
		return nil, err
	}

	e := &ClientEndpoint{
		cfg:     cfg,
		tls:     conf,
		udp:     udp,
		tr:      &quic.Transport{Conn: udp},
		logger:  cfg.Logger.WithRole("client"),
		conns:   make(map[Conn]time.Time),
		changed: make(chan struct{}),
	}
	e.logger.EndpointStarted("client", udp.LocalAddr().String(), len(conf.CipherSuites))
	return e, nil
}

// Configuration returns the endpoint's TLS parameters.
func (e *ClientEndpoint) Configuration() *tlsrand.Configuration { return e.tls }

// LocalAddr returns the address of the endpoint's UDP socket.
func (e *ClientEndpoint) LocalAddr() net.Addr { return e.udp.LocalAddr() }

// Connect dials addr and verifies the server certificate for serverName.
func (e *ClientEndpoint) Connect(ctx context.Context, addr, serverName string) (Conn, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, neterr.Wrap(neterr.KindConnect, ErrEndpointClosed)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, neterr.Wrap(neterr.KindConnect, err)
	}

	tlsConf := e.tls.TLS.Clone()
	tlsConf.ServerName = serverName

	qc, err := e.tr.Dial(ctx, udpAddr, tlsConf, e.cfg.quicConfig(false))
	if err != nil {
		e.cfg.Metrics.RecordQUICConnection(false)
		e.logger.ConnectionFailed(addr, err)
		return nil, neterr.FromDial(err)
	}
	e.cfg.Metrics.RecordQUICConnection(true)

	conn := WrapConn(qc)
	e.track(conn)
	return conn, nil
}

// OpenStream opens a bidirectional stream on a connection of this endpoint.
func (e *ClientEndpoint) OpenStream(ctx context.Context, conn Conn) (StreamPair, error) {
	return openStream(ctx, conn, e.cfg.Metrics)
}

func (e *ClientEndpoint) track(conn Conn) {
	e.mu.Lock()
	e.conns[conn] = e.cfg.Clock.Now()
	e.mu.Unlock()

	go func() {
		<-conn.Context().Done()
		e.mu.Lock()
		opened, ok := e.conns[conn]
		delete(e.conns, conn)
		close(e.changed)
		e.changed = make(chan struct{})
		e.mu.Unlock()
		if ok {
			e.cfg.Metrics.RecordQUICConnectionClose(e.cfg.Clock.Since(opened))
		}
	}()
}

// OpenConns returns the number of connections not yet closed.
func (e *ClientEndpoint) OpenConns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// WaitIdle blocks until every connection of the endpoint is closed or ctx
// is done.
func (e *ClientEndpoint) WaitIdle(ctx context.Context) error {
	for {
		e.mu.Lock()
		open := len(e.conns)
		changed := e.changed
		e.mu.Unlock()
		if open == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown closes every connection with code and reason, waits for them to
// drain for at most IdleWaitTimeout and releases the socket. Expiry of the
// wait is logged, not returned.
func (e *ClientEndpoint) Shutdown(code quic.ApplicationErrorCode, reason []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conns := make([]Conn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		// Errors here only mean the connection was already gone.
		_ = c.CloseWithError(code, string(reason))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timer := e.cfg.Clock.Timer(e.cfg.IdleWaitTimeout)
	defer timer.Stop()

	idle := make(chan error, 1)
	go func() { idle <- e.WaitIdle(ctx) }()

	select {
	case <-idle:
	case <-timer.C:
		cancel()
		e.logger.IdleWaitAbandoned(e.cfg.IdleWaitTimeout, e.OpenConns())
		e.cfg.Metrics.RecordIdleWaitTimeout()
	}

	err := multierr.Combine(
		neterr.Wrap(neterr.KindIO, e.tr.Close()),
		neterr.Wrap(neterr.KindIO, e.udp.Close()),
	)
	e.logger.EndpointClosed("client", e.udp.LocalAddr().String())
	return err
}

// Close is Shutdown with code 0 and no reason.
func (e *ClientEndpoint) Close() error {
	return e.Shutdown(0, nil)
}

// ServerEndpoint accepts connections on one UDP socket with one randomized
// TLS configuration.
type ServerEndpoint struct {
	cfg    EndpointConfig
	tls    *tlsrand.Configuration
	udp    *net.UDPConn
	tr     *quic.Transport
	ln     *quicListener
	logger *observability.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewServerEndpoint binds listenAddr and presents cert.
func NewServerEndpoint(listenAddr string, cert tls.Certificate, cfg EndpointConfig) (*ServerEndpoint, error) {
	cfg = cfg.withDefaults()

	conf, err := cfg.generate(tlsrand.Request{Role: tlsrand.RoleServer, Certificate: &cert})
	if err != nil {
		return nil, err
	}
	udp, err := bindUDP(listenAddr)
	if err != nil {
		return nil, err
	}

	tr := &quic.Transport{Conn: udp}
	if !cfg.DisableRetry {
		tr.VerifySourceAddress = func(net.Addr) bool { return true }
	}
	ln, err := tr.ListenEarly(conf.TLS, cfg.quicConfig(true))
	if err != nil {
		_ = udp.Close()
		return nil, neterr.Wrap(neterr.KindIO, err)
	}

	s := &ServerEndpoint{
		cfg:    cfg,
		tls:    conf,
		udp:    udp,
		tr:     tr,
		ln:     &quicListener{ln: ln},
		logger: cfg.Logger.WithRole("server"),
	}
	s.logger.EndpointStarted("server", udp.LocalAddr().String(), len(conf.CipherSuites))
	return s, nil
}

// Configuration returns the endpoint's TLS parameters.
func (s *ServerEndpoint) Configuration() *tlsrand.Configuration { return s.tls }

// Listener returns the listener to hand to a Dispatcher.
func (s *ServerEndpoint) Listener() Listener { return s.ln }

// Addr returns the bound listen address.
func (s *ServerEndpoint) Addr() net.Addr { return s.udp.LocalAddr() }

// Closed reports whether Close was called.
func (s *ServerEndpoint) Closed() bool { return s.ln.closed.Load() }

// Close stops accepting, closes all connections and releases the socket.
func (s *ServerEndpoint) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = multierr.Combine(
			neterr.Wrap(neterr.KindIO, s.ln.Close()),
			neterr.Wrap(neterr.KindIO, s.tr.Close()),
			neterr.Wrap(neterr.KindIO, s.udp.Close()),
		)
		s.logger.EndpointClosed("server", s.udp.LocalAddr().String())
	})
	return s.closeErr
}

// NewSelfSignedPair creates a server on addr with a fresh self-signed
// certificate for addr's host and a client trusting only that certificate.
// Clients connect with the host as server name.
func NewSelfSignedPair(addr string, cfg EndpointConfig) (*ServerEndpoint, *ClientEndpoint, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, nil, neterr.Wrap(neterr.KindIO, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}

	ck, err := quicutil.GenerateSelfSigned([]string{host})
	if err != nil {
		return nil, nil, err
	}
	server, err := NewServerEndpoint(addr, ck.Certificate, cfg)
	if err != nil {
		return nil, nil, err
	}
	client, err := NewClientEndpoint(ck.CertPool(), cfg)
	if err != nil {
		_ = server.Close()
		return nil, nil, err
	}
	return server, client, nil
}
