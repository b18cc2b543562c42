// flow-tracer turns flow execution notifications into OpenTelemetry traces.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mrzor/flow-tracer/internal/attributes"
	"github.com/mrzor/flow-tracer/internal/config"
	"github.com/mrzor/flow-tracer/internal/eventprocessor"
	"github.com/mrzor/flow-tracer/internal/eventstream"
	"github.com/mrzor/flow-tracer/internal/logging"
	"github.com/mrzor/flow-tracer/internal/otel"
	"github.com/mrzor/flow-tracer/internal/spans"
	"github.com/mrzor/flow-tracer/internal/timesync"
	"github.com/mrzor/flow-tracer/internal/transaction"
)

// Version information injected by GoReleaser at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, config.ErrHelp) {
			return
		}
		log.Fatalf("Error: %v", err)
	}
}

// setupOTEL initializes the OTEL provider and returns a tracer and cleanup function.
func setupOTEL(ctx context.Context, cfg *config.Config, logger *zap.Logger) (trace.Tracer, func(), error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}

	tp, err := otel.InitProvider(ctx, otelCfg, cfg.Exporter, version, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
			logger.Error("Error shutting down OTEL provider", zap.Error(err))
		}
	}

	return tp.Tracer("flow-tracer"), cleanup, nil
}

// openInput opens the notification source, stdin for "-".
func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return os.Stdin, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening input: %w", err)
	}
	return f, nil
}

// setupComponents initializes the tracing engine and returns the processor
// feeding it.
func setupComponents(cfg *config.Config, tracer trace.Tracer, logger *zap.Logger) (*eventprocessor.Processor, *transaction.Registry, error) {
	evaluator, err := attributes.NewEvaluator(cfg.CustomAttributes, logger.Named("attributes"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create attribute evaluator: %w", err)
	}

	registry := transaction.NewRegistry(logger.Named("registry"))
	processor := eventprocessor.NewProcessor(
		registry,
		spans.NewSpanFactory(tracer),
		timesync.NewConverter(nil),
		evaluator,
		logger.Named("processor"),
	)
	return processor, registry, nil
}

func run() error {
	cfg, err := config.ParseArgs(os.Args, fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date), os.Stdout)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting flow-tracer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("built", date),
		zap.Int("workers", cfg.Workers),
		zap.Int("customAttributes", len(cfg.CustomAttributes)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, cleanupOTEL, err := setupOTEL(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanupOTEL()

	processor, registry, err := setupComponents(cfg, tracer, logger)
	if err != nil {
		return err
	}

	input, err := openInput(cfg.Input)
	if err != nil {
		return err
	}

	stream := eventstream.New(input, processor, cfg.Workers, logger.Named("stream"))
	if err := stream.Start(ctx); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- stream.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		logger.Info("Received signal, stopping")
		err = stream.Stop()
	}
	if closeErr := input.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		logger.Debug("Closing input", zap.Error(closeErr))
	}

	stats := stream.Stats()
	logger.Info("Notification stream finished",
		zap.Int64("handled", stats.Handled),
		zap.Int64("failed", stats.Failed),
		zap.Int64("malformed", stats.Malformed),
		zap.Int("openTransactions", registry.Len()))
	return err
}
