package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/quicstunt/quicstunt/internal/observability"
	"github.com/quicstunt/quicstunt/internal/quicutil"
	"github.com/quicstunt/quicstunt/internal/ratelimit"
	"github.com/quicstunt/quicstunt/internal/tlsrand"
	"github.com/quicstunt/quicstunt/internal/transport"
	"github.com/quicstunt/quicstunt/internal/validation"
)

// Config holds endpoint configuration
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	RootCAFile string `yaml:"root_ca_file"`
	ServerName string `yaml:"server_name"`
	KeyLogFile string `yaml:"key_log_file"`

	ALPN          []string `yaml:"alpn"`
	SuiteCountMin int      `yaml:"suite_count_min"`
	SuiteCountMax int      `yaml:"suite_count_max"`
	MaxAttempts   int      `yaml:"max_attempts"`
	RequireRetry  bool     `yaml:"require_retry"`

	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	StreamAcceptTimeout time.Duration `yaml:"stream_accept_timeout"`
	MaxIdleTimeout      time.Duration `yaml:"max_idle_timeout"`
	KeepAlivePeriod     time.Duration `yaml:"keep_alive_period"`
	IdleWaitTimeout     time.Duration `yaml:"idle_wait_timeout"`

	MaxRequestBytes int     `yaml:"max_request_bytes"`
	AcceptRate      float64 `yaml:"accept_rate"`
	AcceptBurst     int     `yaml:"accept_burst"`

	LogLevel        string `yaml:"log_level"`
	TracingEndpoint string `yaml:"tracing_endpoint"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:          "127.0.0.1:4433",
		MetricsAddr:         "127.0.0.1:9464",
		CertFile:            quicutil.DefaultCertFile,
		KeyFile:             quicutil.DefaultKeyFile,
		ServerName:          "localhost",
		ALPN:                []string{transport.DefaultALPN},
		SuiteCountMin:       transport.DefaultSuiteCountMin,
		SuiteCountMax:       transport.DefaultSuiteCountMax,
		MaxAttempts:         tlsrand.DefaultMaxAttempts,
		RequireRetry:        true,
		HandshakeTimeout:    transport.DefaultHandshakeTimeout,
		StreamAcceptTimeout: transport.DefaultStreamAcceptTimeout,
		MaxIdleTimeout:      transport.DefaultMaxIdleTimeout,
		KeepAlivePeriod:     10 * time.Second,
		IdleWaitTimeout:     transport.DefaultIdleWaitTimeout,
		MaxRequestBytes:     1 << 20, // 1 MiB
		LogLevel:            "info",
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path yields the
// defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var err error
	if c.ListenAddr != "" {
		err = multierr.Append(err, validation.ValidateUDPAddr(c.ListenAddr))
	}
	if c.MetricsAddr != "" {
		err = multierr.Append(err, validation.ValidateHTTPAddr(c.MetricsAddr))
	}
	err = multierr.Append(err, validation.ValidateALPN(c.ALPN))
	err = multierr.Append(err, validation.ValidateRangeInt(c.SuiteCountMin, tlsrand.MinSuiteCount, c.SuiteCountMax))
	err = multierr.Append(err, validation.ValidateRangeInt(c.MaxAttempts, 1, 1<<16))
	err = multierr.Append(err, validation.ValidatePositiveDuration("handshake_timeout", c.HandshakeTimeout))
	err = multierr.Append(err, validation.ValidatePositiveDuration("stream_accept_timeout", c.StreamAcceptTimeout))
	err = multierr.Append(err, validation.ValidatePositiveDuration("max_idle_timeout", c.MaxIdleTimeout))
	err = multierr.Append(err, validation.ValidatePositiveDuration("idle_wait_timeout", c.IdleWaitTimeout))
	if c.AcceptRate < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: accept_rate %g", validation.ErrOutOfRange, c.AcceptRate))
	}
	return err
}

// EndpointConfig builds the transport configuration.
func (c *Config) EndpointConfig(logger *observability.Logger, metrics *observability.Metrics, keyLog io.Writer) transport.EndpointConfig {
	return transport.EndpointConfig{
		MaxAttempts:          c.MaxAttempts,
		SuiteCountMin:        c.SuiteCountMin,
		SuiteCountMax:        c.SuiteCountMax,
		NextProtos:           append([]string(nil), c.ALPN...),
		KeyLog:               keyLog,
		DisableRetry:         !c.RequireRetry,
		HandshakeIdleTimeout: c.HandshakeTimeout,
		MaxIdleTimeout:       c.MaxIdleTimeout,
		KeepAlivePeriod:      c.KeepAlivePeriod,
		IdleWaitTimeout:      c.IdleWaitTimeout,
		Logger:               logger,
		Metrics:              metrics,
	}
}

// DispatcherConfig builds the dispatcher configuration. Accept throttling
// is enabled when AcceptRate is positive.
func (c *Config) DispatcherConfig(logger *observability.Logger, metrics *observability.Metrics, reports chan<- transport.Report) transport.DispatcherConfig {
	dc := transport.DispatcherConfig{
		HandshakeTimeout:    c.HandshakeTimeout,
		StreamAcceptTimeout: c.StreamAcceptTimeout,
		Reports:             reports,
		Logger:              logger,
		Metrics:             metrics,
	}
	if c.AcceptRate > 0 {
		dc.Limiter = ratelimit.NewTokenBucket(c.AcceptRate, max(c.AcceptBurst, 1))
	}
	return dc
}

// OpenKeyLog opens KeyLogFile for appending, or returns nil when unset.
func (c *Config) OpenKeyLog() (io.WriteCloser, error) {
	if c.KeyLogFile == "" {
		return nil, nil
	}
	if err := validation.ValidateFilePath(c.KeyLogFile, false); err != nil {
		return nil, err
	}
	return os.OpenFile(c.KeyLogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
}
