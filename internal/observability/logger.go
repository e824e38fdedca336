package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// ConsoleOutput returns a human readable writer when f is a terminal and f
// itself otherwise, so piped output stays JSON.
func ConsoleOutput(f *os.File) io.Writer {
	if term.IsTerminal(int(f.Fd())) {
		return zerolog.ConsoleWriter{Out: f, TimeFormat: time.Kitchen}
	}
	return f
}

// WithLevel returns a copy of the logger filtered at level ("debug",
// "info", "warn", "error").
func (l *Logger) WithLevel(level string) (*Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, err
	}
	return &Logger{logger: l.logger.Level(lvl)}, nil
}

// WithRole adds the endpoint role to the logger.
func (l *Logger) WithRole(role string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("role", role).Logger(),
	}
}

// WithPeer adds remote_addr context to logger.
func (l *Logger) WithPeer(remoteAddr string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("remote_addr", remoteAddr).Logger(),
	}
}

// WithConn adds connection_id context to logger.
func (l *Logger) WithConn(connectionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("connection_id", connectionID).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// TLSConfigGenerated logs an accepted randomized TLS configuration.
func (l *Logger) TLSConfigGenerated(role string, suites []string, group string, versions []string, attempts int) {
	l.logger.Debug().
		Str("role", role).
		Strs("cipher_suites", suites).
		Str("kx_group", group).
		Strs("versions", versions).
		Int("attempts", attempts).
		Msg("tls configuration generated")
}

// TLSConfigRejected logs a suite sample the engine refused.
func (l *Logger) TLSConfigRejected(role string, attempt int, err error) {
	l.logger.Debug().
		Str("role", role).
		Int("attempt", attempt).
		Err(err).
		Msg("tls configuration rejected, resampling cipher suites")
}

// KeyLogEnabled warns that session secrets are being exported.
func (l *Logger) KeyLogEnabled(role string) {
	l.logger.Warn().
		Str("role", role).
		Msg("tls key log enabled, session secrets are written to the key log sink")
}

// EndpointStarted logs a bound endpoint.
func (l *Logger) EndpointStarted(role, localAddr string, suiteCount int) {
	l.logger.Info().
		Str("role", role).
		Str("local_addr", localAddr).
		Int("suite_count", suiteCount).
		Msg("QUIC endpoint started")
}

// EndpointClosed logs an endpoint shutdown.
func (l *Logger) EndpointClosed(role, localAddr string) {
	l.logger.Info().
		Str("role", role).
		Str("local_addr", localAddr).
		Msg("QUIC endpoint closed")
}

// ConnectionEstablished logs connection establishment.
func (l *Logger) ConnectionEstablished(remoteAddr string, connectionID string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("connection_id", connectionID).
		Msg("QUIC connection established")
}

// ConnectionFailed logs connection failure.
func (l *Logger) ConnectionFailed(remoteAddr string, err error) {
	l.logger.Error().
		Str("remote_addr", remoteAddr).
		Err(err).
		Msg("QUIC connection failed")
}

// ConnectionClosedByPeer logs a peer that went away before opening a stream.
func (l *Logger) ConnectionClosedByPeer(remoteAddr string, connectionID string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("connection_id", connectionID).
		Msg("connection closed by peer")
}

// HandlerFailed logs a connection unit that ended in failure.
func (l *Logger) HandlerFailed(remoteAddr, connectionID, state string, err error) {
	l.logger.Error().
		Str("remote_addr", remoteAddr).
		Str("connection_id", connectionID).
		Str("state", state).
		Err(err).
		Msg("connection task failed")
}

// ConnectionCompleted logs a connection unit that finished cleanly.
func (l *Logger) ConnectionCompleted(remoteAddr, connectionID string, duration time.Duration) {
	l.logger.Debug().
		Str("remote_addr", remoteAddr).
		Str("connection_id", connectionID).
		Float64("duration_seconds", duration.Seconds()).
		Msg("connection task completed")
}

// ReportDropped logs a supervision report that did not fit the channel.
func (l *Logger) ReportDropped(connectionID string) {
	l.logger.Warn().
		Str("connection_id", connectionID).
		Msg("report channel full, dropping connection report")
}

// IdleWaitAbandoned logs a client close that did not reach idle in time.
func (l *Logger) IdleWaitAbandoned(timeout time.Duration, open int) {
	l.logger.Warn().
		Dur("timeout", timeout).
		Int("open_connections", open).
		Msg("endpoint did not become idle before timeout, continuing shutdown")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
