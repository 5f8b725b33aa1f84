package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GaspardMerten/motion-lake-server/internal/catalog"
	"github.com/GaspardMerten/motion-lake-server/internal/config"
	"github.com/GaspardMerten/motion-lake-server/internal/engine"
	"github.com/GaspardMerten/motion-lake-server/internal/metrics"
	"github.com/GaspardMerten/motion-lake-server/internal/object"
	"github.com/GaspardMerten/motion-lake-server/internal/serve"
	"github.com/GaspardMerten/motion-lake-server/pkg/s3util"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("motion-lake %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cat, err := catalog.Open(cfg.Database.Path, logger.Named("catalog"))
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer cat.Close()

	store, err := newStore(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("creating object store: %w", err)
	}
	defer store.Close()

	eng := engine.New(engine.Config{
		Catalog:      cat,
		Store:        store,
		Backend:      cfg.Storage.Backend,
		Compression:  cfg.Compression,
		QueryWorkers: cfg.Query.Workers,
		Logger:       logger.Named("engine"),
	})

	reclaimer := engine.NewReclaimer(cat, store,
		cfg.Reclaim.Interval.Duration(), cfg.Reclaim.Grace.Duration(),
		logger.Named("reclaim"))

	// Clean up whatever a previous crash left behind before serving.
	swept, err := reclaimer.SweepOrphans(ctx)
	if err != nil {
		return fmt.Errorf("startup orphan sweep: %w", err)
	}
	if swept > 0 {
		logger.Warn("startup sweep removed orphans", zap.Int("count", swept))
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Reclaim.Enabled {
		g.Go(func() error { return reclaimer.Run(gctx) })
	}

	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, eng, logger.Named("api"))
		})
	}

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	logger.Info("motion-lake started",
		zap.String("version", version),
		zap.String("backend", cfg.Storage.Backend),
		zap.String("database", cfg.Database.Path),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (object.Store, error) {
	switch cfg.Backend {
	case config.BackendFileSystem:
		return object.NewFSStore(cfg.FileSystem, logger.Named("fs"))
	case config.BackendS3:
		client, err := s3util.NewClient(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("creating S3 client: %w", err)
		}
		if err := client.Ping(ctx); err != nil {
			return nil, fmt.Errorf("reaching bucket %s: %w", cfg.S3.Bucket, err)
		}
		return object.NewS3Store(client.S3, cfg.S3, logger.Named("s3")), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	return zapCfg.Build()
}
