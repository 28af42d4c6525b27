package scanner

import (
	"context"
	"os"

	"github.com/gftdcojp/streamstore/internal/fspath"
	"github.com/gftdcojp/streamstore/internal/meta"
	"github.com/gftdcojp/streamstore/internal/metrics"
	"github.com/gftdcojp/streamstore/internal/volume"
	"go.uber.org/zap"
)

const metaScanBatchSize = 1000

// MetaSummary is the outcome of one orphan metadata scan.
type MetaSummary struct {
	RecordsChecked int
	OrphanRecords  int
	Partial        bool
}

// MetaScanner finds metadata records whose expected primary files are
// missing from every volume they are associated with. Purely diagnostic.
type MetaScanner struct {
	dataVolumes meta.DataVolumes
	registry    *volume.Registry
	logger      *zap.Logger
}

func NewMetaScanner(dv meta.DataVolumes, reg *volume.Registry, logger *zap.Logger) *MetaScanner {
	return &MetaScanner{dataVolumes: dv, registry: reg, logger: logger}
}

// Scan iterates every record with at least one data volume association and
// checks the expected primary file exists on each associated volume,
// reporting records for which any expected file is missing.
func (s *MetaScanner) Scan(ctx context.Context, consumer func(meta.Record)) (MetaSummary, error) {
	var summary MetaSummary

	afterID := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			summary.Partial = true
			return summary, nil
		}

		assocs, err := s.dataVolumes.ListWithDataVolumes(ctx, afterID, metaScanBatchSize)
		if err != nil {
			return summary, err
		}
		if len(assocs) == 0 {
			return summary, nil
		}

		for _, assoc := range assocs {
			if err := ctx.Err(); err != nil {
				summary.Partial = true
				return summary, nil
			}
			summary.RecordsChecked++

			if s.missingBacking(assoc) {
				summary.OrphanRecords++
				metrics.OrphanMeta.Inc()
				consumer(assoc.Record)
			}
		}
		afterID = assocs[len(assocs)-1].Record.ID
	}
}

func (s *MetaScanner) missingBacking(assoc meta.Association) bool {
	rec := assoc.Record
	for _, volID := range assoc.VolumeIDs {
		vol, err := s.registry.Get(volID)
		if err != nil {
			s.logger.Warn("data volume references unknown volume",
				zap.Int64("meta_id", rec.ID),
				zap.Int("volume_id", volID),
			)
			return true
		}
		primary, err := fspath.ResolveRoot(vol.Path, rec.FeedName, rec.ID, rec.CreateTimeMs, fspath.Type(rec.TypeName))
		if err != nil {
			s.logger.Warn("cannot resolve expected path",
				zap.Int64("meta_id", rec.ID),
				zap.Error(err),
			)
			return true
		}
		if _, err := os.Stat(primary); err != nil {
			return true
		}
	}
	return false
}
