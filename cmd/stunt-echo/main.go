package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/quicstunt/quicstunt/internal/config"
	"github.com/quicstunt/quicstunt/internal/neterr"
	"github.com/quicstunt/quicstunt/internal/observability"
	"github.com/quicstunt/quicstunt/internal/quicutil"
	"github.com/quicstunt/quicstunt/internal/transport"
)

const serviceName = "stunt-echo"

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "serve":
		err = serveCmd(args)
	case "send":
		err = sendCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("stunt-echo - QUIC echo over randomized TLS parameters")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  stunt-echo serve [flags]  - Accept connections and echo the first stream")
	fmt.Println("  stunt-echo send [flags]   - Send a message and print the reply")
	fmt.Println()
	fmt.Println("Run 'stunt-echo <command> -h' for command-specific help")
}

func setup(configPath, role string) (*config.Config, *observability.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := observability.NewLogger(serviceName, version, observability.ConsoleOutput(os.Stderr)).WithLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.WithRole(role), nil
}

func serveCmd(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	listen := fs.String("listen", "", "Listen address (host:port), overrides the config")
	certFile := fs.String("cert", "", "Certificate chain PEM, overrides the config")
	keyFile := fs.String("key", "", "Private key PEM, overrides the config")
	fs.Parse(args)

	cfg, logger, err := setup(*configPath, "server")
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *certFile != "" {
		cfg.CertFile = *certFile
	}
	if *keyFile != "" {
		cfg.KeyFile = *keyFile
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, serviceName, cfg.TracingEndpoint)
	if err != nil {
		logger.Warn(fmt.Sprintf("tracing disabled: %v", err))
	} else {
		defer shutdownTracing(context.Background())
	}

	cert, err := quicutil.LoadKeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load certificate (run 'stunt-keygen generate' first): %w", err)
	}

	keyLog, err := cfg.OpenKeyLog()
	if err != nil {
		return fmt.Errorf("open key log: %w", err)
	}
	if keyLog != nil {
		defer keyLog.Close()
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	server, err := transport.NewServerEndpoint(cfg.ListenAddr, cert, cfg.EndpointConfig(logger, metrics, keyLog))
	if err != nil {
		return err
	}
	defer server.Close()

	conf := server.Configuration()
	health := observability.NewHealthChecker(version)
	health.RegisterCheck("quic_listener", observability.QUICListenerCheck(server.Addr().String(), func() bool { return !server.Closed() }))
	health.RegisterCheck("tls_config", observability.TLSConfigCheck(conf.SuiteNames(), conf.Group.String(), conf.VersionNames()))
	health.RegisterCheck("key_log", observability.KeyLogCheck(keyLog != nil))

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler(reg))
		mux.Handle("/healthz", health.Handler())
		httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(err, "metrics server stopped")
			}
		}()
		defer httpServer.Close()
	}

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	d := transport.NewDispatcher(echoHandler(cfg.MaxRequestBytes), cfg.DispatcherConfig(logger, metrics, nil))
	err = d.Serve(ctx, server.Listener())
	d.Wait()
	return err
}

// echoHandler writes the request back and finishes the stream.
func echoHandler(maxBytes int) transport.HandlerFunc {
	return func(ctx context.Context, pair transport.StreamPair) error {
		body, err := pair.ReadAll(maxBytes)
		if err != nil {
			return err
		}
		if err := pair.WriteAll(body); err != nil {
			return err
		}
		return pair.Finish()
	}
}

func sendCmd(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	addr := fs.String("addr", "127.0.0.1:4433", "Server address (host:port)")
	caFile := fs.String("ca", "", "Trusted CA PEM (defaults to the config root_ca_file, then cert_file)")
	message := fs.String("message", "hello", "Message to send")
	clients := fs.Int("n", 1, "Number of concurrent connections")
	timeout := fs.Duration("timeout", 10*time.Second, "Overall deadline")
	fs.Parse(args)

	cfg, logger, err := setup(*configPath, "client")
	if err != nil {
		return err
	}

	ca := *caFile
	if ca == "" {
		ca = cfg.RootCAFile
	}
	if ca == "" {
		ca = cfg.CertFile
	}
	roots, err := quicutil.CertPoolFromFile(ca)
	if err != nil {
		return err
	}

	keyLog, err := cfg.OpenKeyLog()
	if err != nil {
		return fmt.Errorf("open key log: %w", err)
	}
	if keyLog != nil {
		defer keyLog.Close()
	}

	client, err := transport.NewClientEndpoint(roots, cfg.EndpointConfig(logger, nil, keyLog))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *clients; i++ {
		g.Go(func() error {
			reply, err := exchange(gctx, client, *addr, cfg.ServerName, []byte(*message), cfg.MaxRequestBytes)
			if err != nil {
				return fmt.Errorf("client %d: %w", i, err)
			}
			fmt.Printf("%d: %s\n", i, reply)
			return nil
		})
	}
	sendErr := g.Wait()

	if err := client.Shutdown(0, []byte("done")); err != nil && sendErr == nil {
		sendErr = err
	}
	return sendErr
}

// exchange sends body on a new connection and returns the reply. On success
// the connection stays open for client.Shutdown to close.
func exchange(ctx context.Context, client *transport.ClientEndpoint, addr, serverName string, body []byte, maxBytes int) (reply []byte, err error) {
	conn, err := client.Connect(ctx, addr, serverName)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = conn.CloseWithError(1, neterr.KindOf(err).String())
		}
	}()

	pair, err := client.OpenStream(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err := pair.WriteAll(body); err != nil {
		return nil, err
	}
	if err := pair.Finish(); err != nil {
		return nil, err
	}
	return pair.ReadAll(maxBytes)
}
