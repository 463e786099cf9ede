// Package main provides the entry point for the spanflow trace collector.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"spanflow/internal/config"
	"spanflow/internal/logging"
	"spanflow/internal/output"
	"spanflow/internal/pipeline"
	"spanflow/internal/server"
	"spanflow/internal/storage"
	"spanflow/internal/tracker"
)

func main() {
	configDir := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}

	// Invalid rules stop the process before any batch is accepted.
	cfg, err := config.Load(paths...)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.App.LogLevel,
		Development: cfg.App.LogDevelopment,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("collector stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rules := cfg.Rules()
	tr := tracker.New(rules.WindowSize, rules.BaselineSamples)

	opts := pipeline.Options{
		SinkTimeout: cfg.Storage.GetTimeoutDuration(),
		Logger:      logger,
		Registerer:  reg,
	}
	if slack := output.NewSlackSenderFromConfig(cfg.Notify.Slack); slack != nil {
		opts.Notifier = slack
		logger.Info("slack anomaly notifications enabled")
	}
	pipe := pipeline.New(rules, tr, store, opts)

	handler := server.NewHandler(cfg, pipe, store, tr, reg, logger)
	srv := server.New(cfg, handler)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("collector started",
		zap.String("addr", srv.Addr()),
		zap.String("storage", cfg.Storage.Backend),
		zap.Float64("head_sample_rate", rules.HeadSampleRate),
		zap.Int64("tail_latency_threshold_ns", rules.TailLatencyThresholdNanos),
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	pipe.Wait()
	logger.Info("collector stopped")
	return nil
}
