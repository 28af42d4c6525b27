package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gftdcojp/streamstore/internal/cleaner"
	"github.com/gftdcojp/streamstore/internal/config"
	"github.com/gftdcojp/streamstore/internal/locks"
	"github.com/gftdcojp/streamstore/internal/meta"
	"github.com/gftdcojp/streamstore/internal/purge"
	"github.com/gftdcojp/streamstore/internal/retention"
	"github.com/gftdcojp/streamstore/internal/scanner"
	"github.com/gftdcojp/streamstore/internal/volume"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "version" {
		fmt.Printf("sst-ctl %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metaSvc, err := meta.NewBoltService(cfg.Metadata.Path, cfg.Metadata.NoSync, logger.Named("meta"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer metaSvc.Close()

	registry, err := volume.NewRegistry(cfg.Volumes, logger.Named("volume"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	registry.RefreshCapacity()

	switch args[0] {
	case "volumes":
		cmdVolumes(registry)
	case "retention":
		cmdRetention(ctx, cfg, metaSvc, logger)
	case "purge":
		cmdPurge(ctx, cfg, metaSvc, registry, logger)
	case "clean":
		cmdClean(ctx, cfg, registry, logger)
	case "scan-files":
		cmdScanFiles(ctx, registry, metaSvc, logger)
	case "scan-meta":
		cmdScanMeta(ctx, registry, metaSvc, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `sst-ctl - streamstore management CLI

Usage:
  sst-ctl [flags] <command>

Commands:
  volumes      List volumes with capacity
  retention    Run one retention pass
  purge        Run one physical delete pass
  clean        Run one store cleaner pass
  scan-files   Report orphan files
  scan-meta    Report orphan metadata records
  version      Show version

Flags:
  -config string   path to configuration file (default "config.yaml")`)
}

func cmdVolumes(registry *volume.Registry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPATH\tSTATUS\tFREE\tTOTAL")
	for _, v := range registry.List() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\n",
			v.ID, v.Path, v.Status, v.Capacity.BytesFree, v.Capacity.BytesTotal)
	}
	w.Flush()
}

func cmdRetention(ctx context.Context, cfg *config.Config, metaSvc *meta.BoltService, logger *zap.Logger) {
	engine := retention.NewEngine(metaSvc, retention.RulesFromConfig(cfg.Retention.Rules), logger.Named("retention"))
	summary, err := engine.Run(ctx, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("scanned=%d matched=%d deleted=%d\n", summary.Scanned, summary.Matched, summary.Deleted)
}

func cmdPurge(ctx context.Context, cfg *config.Config, metaSvc *meta.BoltService, registry *volume.Registry, logger *zap.Logger) {
	proc := purge.NewProcessor(metaSvc, metaSvc, registry, purge.Options{
		PurgeAge:  cfg.Store.PurgeAge.Duration(),
		BatchSize: cfg.Store.DeleteBatchSize,
	}, logger.Named("purge"))
	progress, err := proc.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("batches=%d purged=%d failed=%d files_deleted=%d dirs_deleted=%d\n",
		progress.BatchCount, progress.SuccessCount, progress.FailureCount,
		progress.FileDeleteCount, progress.DirDeleteCount)
}

func cmdClean(ctx context.Context, cfg *config.Config, registry *volume.Registry, logger *zap.Logger) {
	c := cleaner.New(registry, locks.NewRegistry(), cfg.Store.CleanerMinAge.Duration(), logger.Named("cleaner"))
	summary := c.Run(ctx)
	fmt.Printf("files_deleted=%d dirs_deleted=%d failures=%d partial=%t\n",
		summary.FilesDeleted, summary.DirsDeleted, summary.Failures, summary.Partial)
}

func cmdScanFiles(ctx context.Context, registry *volume.Registry, metaSvc *meta.BoltService, logger *zap.Logger) {
	s := scanner.NewFileScanner(registry, metaSvc, metaSvc, logger.Named("scan"))
	summary, err := s.Scan(ctx, func(o scanner.Orphan) {
		fmt.Printf("%s\tvolume=%d\t%s\n", o.Kind, o.VolumeID, o.Path)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tFEED\tDATE\tCOUNT")
	for key, count := range summary.GroupCounts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", key.Type, key.FeedName, key.DateShard, count)
	}
	w.Flush()
	fmt.Printf("files=%d orphans=%d empty_dirs=%d unrecognized=%d partial=%t\n",
		summary.FilesScanned, summary.OrphanFiles, summary.EmptyDirs, summary.Unrecognized, summary.Partial)
}

func cmdScanMeta(ctx context.Context, registry *volume.Registry, metaSvc *meta.BoltService, logger *zap.Logger) {
	s := scanner.NewMetaScanner(metaSvc, registry, logger.Named("scan"))
	summary, err := s.Scan(ctx, func(rec meta.Record) {
		fmt.Printf("orphan_meta\tid=%d\tfeed=%s\ttype=%s\n", rec.ID, rec.FeedName, rec.TypeName)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("checked=%d orphans=%d partial=%t\n",
		summary.RecordsChecked, summary.OrphanRecords, summary.Partial)
}
