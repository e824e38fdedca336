package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quicstunt/quicstunt/internal/neterr"
	"github.com/quicstunt/quicstunt/internal/observability"
	"github.com/quicstunt/quicstunt/internal/ratelimit"
)

// Application error code used when a connection task fails.
const failureCode = 1

// Handler serves the first bidirectional stream of a connection. It is
// called concurrently for different connections.
type Handler interface {
	ServeStream(ctx context.Context, pair StreamPair) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, pair StreamPair) error

// ServeStream calls f(ctx, pair).
func (f HandlerFunc) ServeStream(ctx context.Context, pair StreamPair) error {
	return f(ctx, pair)
}

// ConnState is the lifecycle stage of one accepted connection.
type ConnState int

const (
	StateListening ConnState = iota
	StateHandshaking
	StateEstablished
	StateStreamAccepted
	StateHandlerRunning
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	StateListening:      "listening",
	StateHandshaking:    "handshaking",
	StateEstablished:    "established",
	StateStreamAccepted: "stream_accepted",
	StateHandlerRunning: "handler_running",
	StateCompleted:      "completed",
	StateFailed:         "failed",
}

func (s ConnState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Report describes a finished connection task. State is StateCompleted or
// StateFailed, Stage the last state reached before that.
type Report struct {
	ConnID   string
	Remote   net.Addr
	State    ConnState
	Stage    ConnState
	Err      error
	Duration time.Duration
}

// Defaults applied by DispatcherConfig.
const (
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultStreamAcceptTimeout = 30 * time.Second
)

// DispatcherConfig tunes a Dispatcher. Zero values take the defaults.
type DispatcherConfig struct {
	HandshakeTimeout    time.Duration
	StreamAcceptTimeout time.Duration
	// Clock measures both timeouts and task durations.
	Clock clock.Clock

	// Reports receives one Report per finished task. Sends never block;
	// reports that do not fit are dropped.
	Reports chan<- Report
	// Limiter throttles accepts when set.
	Limiter *ratelimit.TokenBucket

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Dispatcher runs one task per accepted connection: wait for the handshake,
// accept the first bidirectional stream, run the handler. A failing task
// closes only its own connection.
type Dispatcher struct {
	handler Handler
	cfg     DispatcherConfig
	tracer  trace.Tracer
	wg      sync.WaitGroup
}

// NewDispatcher returns a Dispatcher that runs handler on every accepted
// connection.
func NewDispatcher(handler Handler, cfg DispatcherConfig) *Dispatcher {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.StreamAcceptTimeout <= 0 {
		cfg.StreamAcceptTimeout = DefaultStreamAcceptTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Nop()
	}
	return &Dispatcher{
		handler: handler,
		cfg:     cfg,
		tracer:  observability.Tracer(),
	}
}

// Serve accepts connections until ln is closed or ctx is done, both of
// which return nil. Running tasks are not cancelled.
func (d *Dispatcher) Serve(ctx context.Context, ln Listener) error {
	taskCtx := context.WithoutCancel(ctx)
	for {
		if d.cfg.Limiter != nil {
			waited, err := d.cfg.Limiter.Wait(ctx, 1)
			if err != nil {
				return nil
			}
			if waited {
				d.cfg.Metrics.RecordAcceptThrottled()
			}
		}

		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrEndpointClosed) {
				return nil
			}
			return neterr.From(err)
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.serveConn(taskCtx, conn)
		}()
	}
}

// Wait blocks until all tasks started by Serve have finished. Call it after
// Serve returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// HandleAccept accepts one connection and returns its first bidirectional
// stream without running the handler. The caller owns the connection; it
// stays counted as active until its context ends.
func (d *Dispatcher) HandleAccept(ctx context.Context, ln Listener) (StreamPair, error) {
	conn, err := ln.Accept(ctx)
	if err != nil {
		if errors.Is(err, ErrEndpointClosed) {
			return StreamPair{}, neterr.New(neterr.KindInternal, "no connection")
		}
		return StreamPair{}, neterr.From(err)
	}

	start := d.cfg.Clock.Now()
	logger := d.cfg.Logger.WithPeer(conn.RemoteAddr().String())
	stage := StateHandshaking
	pair, err := d.establish(ctx, conn, &stage, logger, "")
	if err != nil {
		if !neterr.IsKind(err, neterr.KindConnectionClosed) {
			_ = conn.CloseWithError(failureCode, neterr.KindOf(err).String())
		}
		if stage >= StateEstablished {
			d.cfg.Metrics.RecordQUICConnectionClose(d.cfg.Clock.Since(start))
		}
		return StreamPair{}, err
	}
	go func() {
		<-conn.Context().Done()
		d.cfg.Metrics.RecordQUICConnectionClose(d.cfg.Clock.Since(start))
	}()
	return pair, nil
}

func (d *Dispatcher) serveConn(ctx context.Context, conn Conn) {
	id := uuid.NewString()
	remote := conn.RemoteAddr()
	start := d.cfg.Clock.Now()

	ctx, span := d.tracer.Start(ctx, "transport.serveConn", trace.WithAttributes(
		attribute.String("connection.id", id),
		attribute.String("net.peer.addr", remote.String()),
	))
	defer span.End()

	logger := d.cfg.Logger.WithConn(id).WithPeer(remote.String())
	stage := StateHandshaking

	pair, err := d.establish(ctx, conn, &stage, logger, id)
	if stage >= StateEstablished {
		defer func() { d.cfg.Metrics.RecordQUICConnectionClose(d.cfg.Clock.Since(start)) }()
	}
	if err == nil {
		stage = StateHandlerRunning
		err = d.invoke(ctx, pair)
	}

	report := Report{ConnID: id, Remote: remote, Stage: stage, Err: err}
	switch {
	case err == nil:
		// Keep the connection until the peer is done reading.
		<-conn.Context().Done()
		report.State = StateCompleted
		report.Duration = d.cfg.Clock.Since(start)
		logger.ConnectionCompleted(remote.String(), id, report.Duration)
	case neterr.IsKind(err, neterr.KindConnectionClosed):
		report.State = StateFailed
		report.Duration = d.cfg.Clock.Since(start)
		logger.ConnectionClosedByPeer(remote.String(), id)
		span.SetAttributes(attribute.Bool("closed_by_peer", true))
	default:
		report.State = StateFailed
		report.Duration = d.cfg.Clock.Since(start)
		kind := neterr.KindOf(err)
		logger.HandlerFailed(remote.String(), id, stage.String(), err)
		d.cfg.Metrics.RecordHandlerFailure(kind.String())
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		_ = conn.CloseWithError(failureCode, kind.String())
	}
	d.report(report, logger)
}

// establish waits for the handshake and the first stream, advancing stage.
func (d *Dispatcher) establish(ctx context.Context, conn Conn, stage *ConnState, logger *observability.Logger, id string) (StreamPair, error) {
	remote := conn.RemoteAddr()

	hsTimer := d.cfg.Clock.Timer(d.cfg.HandshakeTimeout)
	defer hsTimer.Stop()
	select {
	case <-conn.HandshakeComplete():
	case <-hsTimer.C:
		d.cfg.Metrics.RecordQUICConnection(false)
		return StreamPair{}, &neterr.Error{
			Kind:   neterr.KindConnect,
			Detail: fmt.Sprintf("handshake not completed within %s", d.cfg.HandshakeTimeout),
			Peer:   remote,
		}
	case <-conn.Context().Done():
		d.cfg.Metrics.RecordQUICConnection(false)
		return StreamPair{}, neterr.WithPeer(neterr.FromDial(context.Cause(conn.Context())), remote)
	case <-ctx.Done():
		return StreamPair{}, neterr.Wrap(neterr.KindInternal, ctx.Err())
	}
	*stage = StateEstablished
	d.cfg.Metrics.RecordQUICConnection(true)
	logger.ConnectionEstablished(remote.String(), id)

	acceptCtx, cancel := d.cfg.Clock.WithTimeout(ctx, d.cfg.StreamAcceptTimeout)
	defer cancel()
	s, err := conn.AcceptStream(acceptCtx)
	if err != nil {
		if errors.Is(acceptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return StreamPair{}, &neterr.Error{
				Kind:   neterr.KindConnection,
				Detail: fmt.Sprintf("no stream opened within %s", d.cfg.StreamAcceptTimeout),
				Peer:   remote,
				Err:    err,
			}
		}
		return StreamPair{}, neterr.FromPeer(err, remote)
	}
	*stage = StateStreamAccepted
	return newStreamPair(s, conn, d.cfg.Metrics), nil
}

func (d *Dispatcher) invoke(ctx context.Context, pair StreamPair) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = neterr.New(neterr.KindInternal, "handler panic: %v", r)
		}
	}()
	return neterr.From(d.handler.ServeStream(ctx, pair))
}

func (d *Dispatcher) report(r Report, logger *observability.Logger) {
	if d.cfg.Reports == nil {
		return
	}
	select {
	case d.cfg.Reports <- r:
	default:
		logger.ReportDropped(r.ConnID)
		d.cfg.Metrics.RecordReportDropped()
	}
}
