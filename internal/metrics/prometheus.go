package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GaspardMerten/motion-lake-server/internal/config"
)

var (
	// Ingest metrics
	IngestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lake_ingests_total",
		Help: "Ingest attempts by outcome (committed, conflict, validation, error)",
	}, []string{"collection", "outcome"})

	RecordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lake_records_written_total",
		Help: "Records committed into partitions",
	}, []string{"collection"})

	BytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lake_bytes_written_total",
		Help: "Encoded object bytes committed",
	}, []string{"collection"})

	EncodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lake_encode_duration_seconds",
		Help:    "Time to encode a batch into a Parquet object",
		Buckets: prometheus.DefBuckets,
	}, []string{"collection"})

	// Query metrics
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lake_queries_total",
		Help: "Queries by outcome (ok, not_found, error)",
	}, []string{"collection", "outcome"})

	RecordsReturned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lake_records_returned_total",
		Help: "Records streamed to query cursors",
	}, []string{"collection"})

	PartitionsScanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lake_partitions_scanned_total",
		Help: "Partitions fetched and decoded for queries",
	}, []string{"collection"})

	// Object store metrics
	StoreOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lake_store_op_duration_seconds",
		Help:    "Object store operation latency",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"backend", "op"})

	StoreOpErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lake_store_op_errors_total",
		Help: "Object store operation failures",
	}, []string{"backend", "op"})

	// Reclamation metrics
	PartitionsReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lake_partitions_reclaimed_total",
		Help: "Tombstoned partitions whose bytes were freed",
	}, []string{"collection"})

	OrphansSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lake_orphans_swept_total",
		Help: "Orphaned objects and pending rows removed at startup",
	})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
