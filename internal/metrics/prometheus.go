package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/streamstore/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store metrics
	RecordsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamstore_records_created_total",
		Help: "Total records created via open targets",
	})

	BytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamstore_bytes_written_total",
		Help: "Uncompressed bytes written to primary streams",
	}, []string{"type"})

	// Retention metrics
	RetentionDeletes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamstore_retention_deletes_total",
		Help: "Records logically deleted by the retention engine",
	})

	// Physical delete metrics
	PurgedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamstore_purged_records_total",
		Help: "Records fully removed by the physical delete processor",
	})

	PurgeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamstore_purge_failures_total",
		Help: "Records whose physical delete failed and was left for the next run",
	})

	PurgeFileDeletes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamstore_purge_file_deletes_total",
		Help: "Artifact files removed by the physical delete processor",
	})

	PurgeRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "streamstore_purge_run_duration_seconds",
		Help:    "Duration of one physical delete run",
		Buckets: []float64{0.1, 0.5, 1, 5, 30, 60, 300},
	})

	// Scanner metrics
	OrphanFiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamstore_orphan_files_total",
		Help: "Orphan files reported by the file scanner",
	})

	OrphanMeta = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamstore_orphan_meta_total",
		Help: "Orphan metadata records reported by the meta scanner",
	})

	// Cleaner metrics
	CleanerDeletes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamstore_cleaner_deletes_total",
		Help: "Stale files and directories removed by the store cleaner",
	})

	// Volume metrics
	VolumeBytesFree = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamstore_volume_bytes_free",
		Help: "Free bytes per volume",
	}, []string{"volume"})

	VolumeBytesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamstore_volume_bytes_total",
		Help: "Total bytes per volume",
	}, []string{"volume"})
)

// RunServer runs the Prometheus metrics endpoint until the context is
// cancelled.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
