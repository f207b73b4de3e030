package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"rental-etl/metrics"
	"rental-etl/models"
	"rental-etl/storage"
	"rental-etl/utils"
)

// ETLOptions tunes a pipeline run.
type ETLOptions struct {
	// MaxChunks stops the run after that many chunks; zero means no limit.
	MaxChunks int
	// ResumeFromStore rebuilds the ledger from keys already in the store.
	ResumeFromStore bool
	MaxRetries      int
	RetryBaseDelay  time.Duration
	// RunID tags logs and chunk records; a random UUID when empty.
	RunID   string
	Metrics *metrics.ETL
}

// ETL streams raw chunks through cleaning, aggregation, key classification
// and merge into the aggregate store, one chunk at a time.
type ETL struct {
	reader     storage.ChunkReader
	store      storage.AggregateStore
	ledger     *KeyLedger
	cleaner    *Cleaner
	aggregator *Aggregator
	merger     *MergeResolver
	retry      *utils.RetryConfig
	metrics    *metrics.ETL
	logger     *utils.Logger
	opts       ETLOptions
	runID      string
	nextID     int64
}

// NewETL wires a pipeline over reader and store.
func NewETL(reader storage.ChunkReader, store storage.AggregateStore, logger *utils.Logger, opts ETLOptions) *ETL {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewETL(nil)
	}
	logger = logger.With("run_id", runID)

	e := &ETL{
		reader:     reader,
		store:      store,
		ledger:     NewKeyLedger(),
		cleaner:    NewCleaner(logger),
		aggregator: NewAggregator(logger),
		merger:     NewMergeResolver(logger),
		metrics:    m,
		logger:     logger,
		opts:       opts,
		runID:      runID,
	}
	e.retry = &utils.RetryConfig{
		MaxAttempts: opts.MaxRetries,
		BaseDelay:   opts.RetryBaseDelay,
		Logger:      logger,
		Retryable:   isRetryable,
		OnRetry:     func(int, error) { m.ChunkRetries.Inc() },
	}
	return e
}

// Ledger exposes the run's key ledger.
func (e *ETL) Ledger() *KeyLedger { return e.ledger }

// RunID returns the identifier stamped on this run's logs and chunk records.
func (e *ETL) RunID() string { return e.runID }

// Run processes chunks until the reader is exhausted, MaxChunks is reached or
// ctx is cancelled. Each chunk is committed before the next one is read, so
// stopping early leaves the store and ledger consistent.
func (e *ETL) Run(ctx context.Context) (*models.RunSummary, error) {
	started := time.Now()
	summary := &models.RunSummary{RunID: e.runID}
	defer func() {
		summary.LedgerSize = e.ledger.Size()
		summary.Elapsed = time.Since(started)
	}()

	nextID, err := e.store.NextID(ctx)
	if err != nil {
		return summary, fmt.Errorf("etl: %w", err)
	}
	e.nextID = nextID

	if e.opts.ResumeFromStore {
		if err := e.hydrateLedger(ctx); err != nil {
			return summary, err
		}
	}

	e.logger.Info("[etl] Run started (first id %d, ledger %d keys)", e.nextID, e.ledger.Size())

	for chunkIndex := 0; ; chunkIndex++ {
		if e.opts.MaxChunks > 0 && chunkIndex >= e.opts.MaxChunks {
			e.logger.Info("[etl] Chunk limit %d reached, stopping", e.opts.MaxChunks)
			summary.Stopped = true
			break
		}
		if ctx.Err() != nil {
			e.logger.Warn("[etl] Cancelled before chunk %d, stopping", chunkIndex)
			summary.Stopped = true
			break
		}

		raw, err := e.reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("etl: read chunk %d: %w", chunkIndex, err)
		}

		if err := e.processChunk(ctx, chunkIndex, raw, summary); err != nil {
			return summary, err
		}
	}

	e.logger.Info("[etl] Run complete: %d chunks, %d rows, %d keys inserted, %d merged",
		summary.Chunks, summary.RowsRead, summary.KeysInserted, summary.KeysMerged)
	return summary, nil
}

func (e *ETL) processChunk(ctx context.Context, chunkIndex int, raw []models.RawRow, summary *models.RunSummary) error {
	clean, stats := e.cleaner.Clean(raw)
	aggs, err := e.aggregator.Aggregate(clean)
	if err != nil {
		return fmt.Errorf("etl: chunk %d: %w", chunkIndex, err)
	}

	class := e.ledger.Classify(NewKeySet(aggs))

	var inserted, merged int
	err = e.retry.Do(ctx, fmt.Sprintf("chunk %d", chunkIndex), func() error {
		var err error
		inserted, merged, err = e.commitChunk(ctx, chunkIndex, len(raw), len(clean), aggs, class)
		return err
	})
	if err != nil {
		return fmt.Errorf("etl: chunk %d: %w", chunkIndex, err)
	}

	// The store now holds this chunk; only now may the ledger learn its keys.
	e.ledger.Commit(class)

	dropped := stats.Missing + stats.Malformed + stats.Duplicates
	summary.Chunks++
	summary.RowsRead += len(raw)
	summary.RowsClean += len(clean)
	summary.RowsDropped += dropped
	summary.KeysInserted += inserted
	summary.KeysMerged += merged

	e.metrics.ChunksProcessed.Inc()
	e.metrics.RowsRead.Add(float64(len(raw)))
	e.metrics.RowsDropped.Add(float64(dropped))
	e.metrics.KeysInserted.Add(float64(inserted))
	e.metrics.KeysMerged.Add(float64(merged))
	e.metrics.LedgerSize.Set(float64(e.ledger.Size()))

	e.logger.Info("[etl] Chunk %d: %d rows → %d clean → %d keys (%d new, %d merged)",
		chunkIndex, len(raw), len(clean), len(aggs), inserted, merged)
	return nil
}

// commitChunk applies one chunk's merges, inserts and progress record in a
// single transaction. Identifiers are consumed only once it commits.
func (e *ETL) commitChunk(ctx context.Context, chunkIndex, rowsRead, rowsClean int, aggs []models.DailyAggregate, class Classification) (int, int, error) {
	started := time.Now()

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	residual, merged, err := e.merger.Resolve(ctx, tx, aggs, class.Repeats)
	if err != nil {
		return 0, 0, err
	}

	rows := make([]models.PersistedRow, len(residual))
	for i, agg := range residual {
		rows[i] = models.PersistedRow{ID: e.nextID + int64(i), DailyAggregate: agg}
	}
	if err := tx.Append(ctx, rows); err != nil {
		return 0, 0, err
	}

	if err := tx.RecordChunk(ctx, models.ChunkProgress{
		RunID:        e.runID,
		ChunkIndex:   chunkIndex,
		RowsRead:     rowsRead,
		RowsClean:    rowsClean,
		KeysInserted: len(rows),
		KeysMerged:   merged,
		CommittedAt:  time.Now(),
	}); err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	committed = true

	e.nextID += int64(len(rows))
	e.metrics.ChunkCommit.Observe(time.Since(started).Seconds())
	return len(rows), merged, nil
}

func (e *ETL) hydrateLedger(ctx context.Context) error {
	err := e.store.ScanKeys(ctx, func(k models.AggregateKey) error {
		e.ledger.Add(k)
		return nil
	})
	if err != nil {
		return fmt.Errorf("etl: hydrate ledger: %w", err)
	}
	e.metrics.LedgerSize.Set(float64(e.ledger.Size()))
	e.logger.Info("[ledger] Hydrated %d keys from store", e.ledger.Size())
	return nil
}

func isRetryable(err error) bool {
	return !errors.Is(err, storage.ErrConsistency) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
