// Package purge physically removes the backing files and storage
// bookkeeping of logically deleted records once their purge age has
// elapsed. Runs are idempotent and convergent: a record whose files could
// not all be deleted stays DELETED and is re-attempted on the next run.
package purge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gftdcojp/streamstore/internal/archive"
	"github.com/gftdcojp/streamstore/internal/fspath"
	"github.com/gftdcojp/streamstore/internal/meta"
	"github.com/gftdcojp/streamstore/internal/metrics"
	"github.com/gftdcojp/streamstore/internal/store"
	"github.com/gftdcojp/streamstore/internal/volume"
	"go.uber.org/zap"
)

// Progress accumulates counters over one run.
type Progress struct {
	BatchCount      int
	SuccessCount    int
	FailureCount    int
	FileDeleteCount int
	DirDeleteCount  int
}

// Options is the immutable configuration snapshot for one processor.
type Options struct {
	// PurgeAge is how long a record must remain logically deleted before
	// its files become eligible. Zero purges on the next run.
	PurgeAge time.Duration
	// BatchSize bounds how many records are selected per batch.
	BatchSize int
	// Archiver, when set, uploads artifact files before deletion.
	Archiver *archive.Uploader
}

// Processor deletes eligible records in bounded, sequentially committed
// batches.
type Processor struct {
	meta        meta.Service
	dataVolumes meta.DataVolumes
	registry    *volume.Registry
	opts        Options
	logger      *zap.Logger
}

func NewProcessor(svc meta.Service, dv meta.DataVolumes, reg *volume.Registry, opts Options, logger *zap.Logger) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	return &Processor{meta: svc, dataVolumes: dv, registry: reg, opts: opts, logger: logger}
}

// Run executes one physical delete pass. With no eligible candidates it
// returns an all-zero Progress and nil error.
func (p *Processor) Run(ctx context.Context) (Progress, error) {
	start := time.Now()
	defer func() {
		metrics.PurgeRunDuration.Observe(time.Since(start).Seconds())
	}()

	var progress Progress
	threshold := start.Add(-p.opts.PurgeAge).UnixMilli()
	deleted := meta.StatusDeleted
	afterID := int64(0)

	for {
		if err := ctx.Err(); err != nil {
			return progress, err
		}

		batch, err := p.meta.Find(ctx, meta.Criteria{
			Status:         &deleted,
			StatusBeforeMs: threshold,
			AfterID:        afterID,
			Limit:          p.opts.BatchSize,
		})
		if err != nil {
			return progress, fmt.Errorf("selecting purge candidates: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		progress.BatchCount++

		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return progress, err
			}
			if err := p.purgeRecord(ctx, rec, &progress); err != nil {
				progress.FailureCount++
				metrics.PurgeFailures.Inc()
				p.logger.Warn("physical delete failed, leaving record for next run",
					zap.Int64("meta_id", rec.ID),
					zap.Error(err),
				)
			} else {
				progress.SuccessCount++
				metrics.PurgedRecords.Inc()
			}
		}

		// The id cursor is monotone, so records that failed in this batch
		// are not re-attempted within the same run.
		afterID = batch[len(batch)-1].ID
		if len(batch) < p.opts.BatchSize {
			break
		}
	}

	p.logger.Info("physical delete run finished",
		zap.Int("batches", progress.BatchCount),
		zap.Int("purged", progress.SuccessCount),
		zap.Int("failed", progress.FailureCount),
		zap.Int("files_deleted", progress.FileDeleteCount),
		zap.Int("dirs_deleted", progress.DirDeleteCount),
	)
	return progress, nil
}

// purgeRecord removes every backing file of one record, then its volume
// associations and finally the record itself. Association and record
// removal only happen when all file deletions succeeded.
func (p *Processor) purgeRecord(ctx context.Context, rec meta.Record, progress *Progress) error {
	volIDs, err := p.dataVolumes.GetDataVolumes(ctx, rec.ID)
	if err != nil {
		return err
	}

	for _, volID := range volIDs {
		vol, err := p.registry.Get(volID)
		if err != nil {
			// Unknown volume: nothing to delete there.
			p.logger.Warn("purge candidate references unknown volume",
				zap.Int64("meta_id", rec.ID),
				zap.Int("volume_id", volID),
			)
			continue
		}

		files, err := store.ListArtifactFiles(vol.Path, rec)
		if err != nil {
			return fmt.Errorf("listing artifact files on volume %d: %w", volID, err)
		}
		for _, file := range files {
			if p.opts.Archiver != nil {
				if err := p.opts.Archiver.Archive(ctx, vol.Path, file); err != nil {
					return fmt.Errorf("archiving %s: %w", file, err)
				}
			}
			if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("deleting %s: %w", file, err)
			}
			progress.FileDeleteCount++
			metrics.PurgeFileDeletes.Inc()
		}

		primary, err := fspath.ResolveRoot(vol.Path, rec.FeedName, rec.ID, rec.CreateTimeMs, fspath.Type(rec.TypeName))
		if err != nil {
			return err
		}
		p.removeEmptyDirs(vol.Path, primary, progress)
	}

	if err := p.dataVolumes.DeleteDataVolumes(ctx, rec.ID); err != nil {
		return err
	}
	return p.meta.Delete(ctx, rec.ID)
}

// removeEmptyDirs climbs from the record's shard directory toward the
// volume's store root, removing each directory left empty along the way.
// The climb stops at the first ancestor that still has contents and never
// touches the store root itself.
func (p *Processor) removeEmptyDirs(volPath, primary string, progress *Progress) {
	stop := filepath.Join(volPath, fspath.StoreDirName)
	for dir := filepath.Dir(primary); len(dir) > len(stop); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
		progress.DirDeleteCount++
	}
}
