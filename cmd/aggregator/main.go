package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/stuartshay/device-aggregator/internal/aggregator"
	"github.com/stuartshay/device-aggregator/internal/config"
	"github.com/stuartshay/device-aggregator/internal/database"
	"github.com/stuartshay/device-aggregator/internal/ledger"
	"github.com/stuartshay/device-aggregator/internal/pipeline"
	"github.com/stuartshay/device-aggregator/internal/scheduler"
	"github.com/stuartshay/device-aggregator/internal/status"
	"github.com/stuartshay/device-aggregator/internal/telemetry"
	"github.com/stuartshay/device-aggregator/internal/tracing"
)

func main() {
	// Initialize structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	log.Info().Msg("Starting device-aggregator")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	setLogLevel(cfg.LogLevel)

	log.Info().
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Str("source_table", cfg.SourceTable).
		Str("target_table", cfg.TargetTable).
		Dur("window", cfg.Window).
		Dur("run_timeout", cfg.RunTimeout).
		Str("write_mode", string(cfg.WriteMode)).
		Str("malformed_policy", string(cfg.MalformedPolicy)).
		Str("schedule", cfg.Schedule).
		Msg("Configuration loaded")

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("Aggregator exited with error")
		os.Exit(1)
	}

	log.Info().Msg("Service shutdown complete")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.StartupDelay > 0 {
		log.Info().Dur("delay", cfg.StartupDelay).Msg("Waiting before connecting")
		select {
		case <-time.After(cfg.StartupDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	shutdownTracing, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:      cfg.ServiceName,
		ServiceNamespace: "telemetry",
		Environment:      cfg.Environment,
		OTLPEndpoint:     cfg.OTELEndpoint,
		Enabled:          cfg.OTELEnabled,
		ExtraAttributes: []attribute.KeyValue{
			attribute.String("aggregator.write_mode", string(cfg.WriteMode)),
			attribute.String("aggregator.malformed_policy", string(cfg.MalformedPolicy)),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown tracing")
		}
	}()

	// Connect both stores, retrying until they accept connections
	sourceDB, err := database.Connect(ctx, database.DriverPostgres, cfg.SourceDSN(), database.ConnectOptions{
		Name:    "source",
		Timeout: cfg.ConnectTimeout,
	})
	if err != nil {
		return err
	}
	source, err := database.NewSource(sourceDB, cfg.SourceTable)
	if err != nil {
		_ = sourceDB.Close()
		return err
	}
	defer source.Close()

	targetDB, err := database.Connect(ctx, database.DriverMySQL, cfg.TargetDSN(), database.ConnectOptions{
		Name:    "target",
		Timeout: cfg.ConnectTimeout,
	})
	if err != nil {
		return err
	}
	sink, err := database.NewSink(targetDB, cfg.TargetTable, cfg.WriteMode)
	if err != nil {
		_ = targetDB.Close()
		return err
	}
	defer sink.Close()

	if err := sink.EnsureSchema(ctx); err != nil {
		return err
	}

	store, err := openLedger(cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer store.Close()

	runner := pipeline.NewRunner(source, sink,
		pipeline.WithLedger(store),
		pipeline.WithTimeout(cfg.RunTimeout),
		pipeline.WithAggregator(aggregator.New(
			aggregator.WithPolicy(cfg.MalformedPolicy),
			aggregator.WithLogger(log.Logger),
		)),
	)

	if !cfg.Scheduled() {
		return runOnce(ctx, runner, cfg.Window, time.Now())
	}

	return serve(ctx, cfg, runner, store, map[string]status.Checker{
		"source": source,
		"target": sink,
	})
}

// runOnce aggregates the trailing window ending at now.
func runOnce(ctx context.Context, runner *pipeline.Runner, window time.Duration, now time.Time) error {
	_, err := runner.Run(ctx, telemetry.TrailingWindow(now, window))
	return err
}

// openLedger returns a badger ledger when path is set, otherwise an in-memory one.
func openLedger(path string) (ledger.Store, error) {
	if path == "" {
		return ledger.NewMemory(1000), nil
	}
	store, err := ledger.NewBadger(path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Msg("Run ledger opened")
	return store, nil
}

// serve keeps the process up, running one window per schedule tick until a
// shutdown signal arrives.
func serve(ctx context.Context, cfg *config.Config, runner *pipeline.Runner, store ledger.Store, checks map[string]status.Checker) error {
	health := status.NewHealth(cfg.ServiceName)

	sched, err := scheduler.New(cfg.Schedule, cfg.Window, runner.Run,
		scheduler.WithResultHandler(health.Observe),
	)
	if err != nil {
		return err
	}

	// Start gRPC server
	grpcServer := status.NewGRPCServer(health)
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to create TCP listener: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("port", cfg.GRPCPort).Msg("gRPC server listening")
		if err := grpcServer.Serve(listener); err != nil {
			errCh <- fmt.Errorf("gRPC server failed: %w", err)
		}
	}()

	// Start HTTP server
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:           status.NewHandler(cfg.ServiceName, store, checks).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	sched.Start(ctx)

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received, gracefully stopping...")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("Server failed, stopping...")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	health.Shutdown()

	select {
	case <-sched.Stop().Done():
		log.Info().Msg("Scheduler stopped")
	case <-shutdownCtx.Done():
		log.Warn().Msg("In-flight run did not finish before shutdown timeout")
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown HTTP server")
	}

	// Stop gRPC server
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown timeout exceeded, forcing stop")
		grpcServer.Stop()
	case <-stopped:
		log.Info().Msg("gRPC server stopped")
	}

	return serveErr
}

// setLogLevel configures the global log level
func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Info().Str("level", level).Msg("Log level set")
}
