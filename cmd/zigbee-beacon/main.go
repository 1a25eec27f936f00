package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/pobradovic08/zigbee-beacon/internal/api"
	"github.com/pobradovic08/zigbee-beacon/internal/config"
	"github.com/pobradovic08/zigbee-beacon/internal/grpcserver"
	"github.com/pobradovic08/zigbee-beacon/internal/logger"
	"github.com/pobradovic08/zigbee-beacon/internal/metrics"
	"github.com/pobradovic08/zigbee-beacon/internal/ratelimit"
	"github.com/pobradovic08/zigbee-beacon/internal/telemetry"
	"github.com/pobradovic08/zigbee-beacon/internal/tlsutil"
)

const (
	shutdownTimeout = 30 * time.Second
	listenerDrain   = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults and environment only when empty)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(telemetry.Version)
		return
	}

	if err := run(*configPath); err != nil {
		logFailure(logger.Get(), err)
		os.Exit(1)
	}
}

func logFailure(log zerolog.Logger, err error) {
	log.Error().Err(err).Msg("zigbee-beacon failed")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	log := logger.WithComponent("main")
	log.Info().Str("mode", cfg.Source.Mode).Str("version", telemetry.Version).Msg("starting zigbee-beacon")

	shutdownTracer, err := telemetry.InitTracer(telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
	}, os.Stderr)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.NewCollector()
	}

	src, err := newSource(cfg, m)
	if err != nil {
		return err
	}
	defer src.close()

	// Set up context that gets cancelled on shutdown signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	// The listener owns the bus connection. An initial connect failure ends
	// it for good; the API keeps serving and /health reports 503.
	listenerDone := make(chan struct{})
	if cfg.Push() {
		go func() {
			defer close(listenerDone)
			if err := src.listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("bus listener terminated")
			}
		}()
		waitReady(ctx, src.ready, cfg.Source.StartupWait, log)
	} else {
		close(listenerDone)
	}

	var rateLimiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		rateLimiter, err = ratelimit.New(ratelimit.Config{
			RequestsPerInterval: cfg.RateLimit.RequestsPerInterval,
			Interval:            cfg.RateLimit.Interval,
			CleanupInterval:     cfg.RateLimit.CleanupInterval,
			StaleAfter:          cfg.RateLimit.StaleAfter,
			TrustedProxies:      cfg.RateLimit.TrustedProxies,
		}, m)
		if err != nil {
			return fmt.Errorf("create rate limiter: %w", err)
		}
		defer rateLimiter.Close()
	}

	// Set up TLS (optional)
	var serverTLS *tls.Config
	if cfg.HTTP.TLS.Cert != "" {
		certLoader, err := tlsutil.NewCertificateLoader(cfg.HTTP.TLS.Cert, cfg.HTTP.TLS.Key, logger.WithComponent("tls"))
		if err != nil {
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		defer certLoader.Close()
		serverTLS = tlsutil.NewServerTLSConfig(certLoader)
	}

	contract, err := api.LoadContract(ctx)
	if err != nil {
		return err
	}

	apiServer := api.NewServer(api.ServerDeps{
		Source:       src,
		Metrics:      m,
		MetricsPath:  cfg.Metrics.Path,
		RateLimiter:  rateLimiter,
		Contract:     contract,
		Logger:       logger.WithComponent("api"),
		ListenAddr:   cfg.HTTP.ListenAddr,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		TLSConfig:    serverTLS,
	})

	// Start servers in goroutines
	errCh := make(chan error, 2)
	go func() {
		errCh <- apiServer.Start()
	}()

	var grpcSrv *grpcserver.Server
	if cfg.GRPC.Enabled {
		grpcSrv = grpcserver.NewServer(grpcserver.ServerDeps{
			ListenAddr:    cfg.GRPC.ListenAddr,
			Checker:       src,
			CheckInterval: cfg.GRPC.CheckInterval,
			TLSConfig:     serverTLS,
			Logger:        logger.WithComponent("grpc"),
		})
		go grpcSrv.WatchHealth(ctx)
		go func() {
			errCh <- grpcSrv.Start()
		}()
	}

	log.Info().
		Str("http_addr", cfg.HTTP.ListenAddr).
		Bool("grpc", cfg.GRPC.Enabled).
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("zigbee-beacon running")

	// Wait for shutdown signal or server error
	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("server error, initiating shutdown")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Step 1: Stop accepting new HTTP connections, drain in-flight requests
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API server shutdown error")
	}

	// Step 2: Stop the gRPC health service
	if grpcSrv != nil {
		grpcSrv.Shutdown(shutdownCtx)
	}

	// Step 3: Disconnect from the bus
	cancel()
	select {
	case <-listenerDone:
	case <-time.After(listenerDrain):
		log.Warn().Msg("bus listener did not stop in time")
	}

	// Step 4: Flush spans
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracer shutdown error")
	}

	log.Info().Msg("zigbee-beacon stopped")
	return runErr
}
