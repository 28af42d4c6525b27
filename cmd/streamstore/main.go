package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gftdcojp/streamstore/internal/archive"
	"github.com/gftdcojp/streamstore/internal/cleaner"
	"github.com/gftdcojp/streamstore/internal/config"
	"github.com/gftdcojp/streamstore/internal/locks"
	"github.com/gftdcojp/streamstore/internal/meta"
	"github.com/gftdcojp/streamstore/internal/metrics"
	"github.com/gftdcojp/streamstore/internal/purge"
	"github.com/gftdcojp/streamstore/internal/retention"
	"github.com/gftdcojp/streamstore/internal/volume"
	"github.com/gftdcojp/streamstore/pkg/s3util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("streamstore %s\n", version)
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

	metaSvc, err := meta.NewBoltService(cfg.Metadata.Path, cfg.Metadata.NoSync, logger.Named("meta"))
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer metaSvc.Close()

	registry, err := volume.NewRegistry(cfg.Volumes, logger.Named("volume"))
	if err != nil {
		return fmt.Errorf("building volume registry: %w", err)
	}
	registry.RefreshCapacity()

	lockReg := locks.NewRegistry()

	var archiver *archive.Uploader
	if cfg.Archive.Enabled {
		s3Client, err := s3util.NewClient(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("creating S3 client: %w", err)
		}
		archiver = archive.NewUploader(s3Client.S3, s3Client.Bucket, s3Client.Prefix, logger.Named("archive"))
	}

	retentionEngine := retention.NewEngine(
		metaSvc,
		retention.RulesFromConfig(cfg.Retention.Rules),
		logger.Named("retention"),
	)

	purgeProc := purge.NewProcessor(metaSvc, metaSvc, registry, purge.Options{
		PurgeAge:  cfg.Store.PurgeAge.Duration(),
		BatchSize: cfg.Store.DeleteBatchSize,
		Archiver:  archiver,
	}, logger.Named("purge"))

	storeCleaner := cleaner.New(registry, lockReg, cfg.Store.CleanerMinAge.Duration(), logger.Named("cleaner"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runEvery(gctx, cfg.Store.CapacityInterval.Duration(), func(context.Context) {
			registry.RefreshCapacity()
			for _, v := range registry.List() {
				id := strconv.Itoa(v.ID)
				metrics.VolumeBytesFree.WithLabelValues(id).Set(float64(v.Capacity.BytesFree))
				metrics.VolumeBytesTotal.WithLabelValues(id).Set(float64(v.Capacity.BytesTotal))
			}
		})
	})

	g.Go(func() error {
		return runEvery(gctx, cfg.Retention.Interval.Duration(), func(c context.Context) {
			summary, err := retentionEngine.Run(c, time.Now())
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("retention pass error", zap.Error(err))
				return
			}
			logger.Info("retention pass finished",
				zap.Int("scanned", summary.Scanned),
				zap.Int("deleted", summary.Deleted),
			)
		})
	})

	g.Go(func() error {
		return runEvery(gctx, cfg.Store.PurgeInterval.Duration(), func(c context.Context) {
			if _, err := purgeProc.Run(c); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("physical delete error", zap.Error(err))
			}
		})
	})

	g.Go(func() error {
		return runEvery(gctx, cfg.Store.CleanerInterval.Duration(), func(c context.Context) {
			summary := storeCleaner.Run(c)
			logger.Info("store clean finished",
				zap.Int("files_deleted", summary.FilesDeleted),
				zap.Int("dirs_deleted", summary.DirsDeleted),
				zap.Int("failures", summary.Failures),
			)
		})
	})

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	logger.Info("streamstore started",
		zap.String("version", version),
		zap.Int("volumes", len(cfg.Volumes)),
		zap.Int("replication", cfg.Store.ReplicationCount),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runEvery invokes fn on a fixed interval until the context is cancelled.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
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
