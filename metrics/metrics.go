package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rental-etl/utils"
)

// ETL groups the counters of one pipeline instance.
type ETL struct {
	ChunksProcessed prometheus.Counter
	RowsRead        prometheus.Counter
	RowsDropped     prometheus.Counter
	KeysInserted    prometheus.Counter
	KeysMerged      prometheus.Counter
	ChunkRetries    prometheus.Counter
	LedgerSize      prometheus.Gauge
	ChunkCommit     prometheus.Histogram
}

// NewETL creates the ETL metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewETL(reg prometheus.Registerer) *ETL {
	m := &ETL{
		ChunksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rental_etl_chunks_processed_total",
			Help: "Chunks fully committed to the aggregate store",
		}),
		RowsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rental_etl_rows_read_total",
			Help: "Raw rows read from the listings file",
		}),
		RowsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rental_etl_rows_dropped_total",
			Help: "Raw rows discarded by the cleaner (missing, malformed or duplicate)",
		}),
		KeysInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rental_etl_keys_inserted_total",
			Help: "New (date, zip) aggregates appended to the store",
		}),
		KeysMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rental_etl_keys_merged_total",
			Help: "Repeated (date, zip) aggregates merged into stored rows",
		}),
		ChunkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rental_etl_chunk_retries_total",
			Help: "Chunk transactions retried after a store error",
		}),
		LedgerSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rental_etl_ledger_keys",
			Help: "Distinct (date, zip) keys held by the in-memory ledger",
		}),
		ChunkCommit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rental_etl_chunk_commit_duration_seconds",
			Help:    "Time taken to merge, insert and commit one chunk",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ChunksProcessed,
			m.RowsRead,
			m.RowsDropped,
			m.KeysInserted,
			m.KeysMerged,
			m.ChunkRetries,
			m.LedgerSize,
			m.ChunkCommit,
		)
	}
	return m
}

// Serve exposes gatherer on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *utils.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("[metrics] Serving on %s/metrics", addr)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("[metrics] Server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("[metrics] Shutdown failed: %v", err)
	}
}
