package storage

import (
	"context"
	"errors"
	"fmt"

	"rental-etl/models"
)

// ErrConsistency marks a divergence between the in-memory key ledger and the
// aggregate table. It is never retried.
var ErrConsistency = errors.New("store: ledger and store diverged")

var (
	// ErrRowMissing is returned when a point lookup matches no row.
	ErrRowMissing = fmt.Errorf("%w: no row for key", ErrConsistency)
	// ErrRowAmbiguous is returned when a point lookup matches more than one row.
	ErrRowAmbiguous = fmt.Errorf("%w: more than one row for key", ErrConsistency)
)

// AggregateStore is the durable table of daily per-ZIP aggregates.
type AggregateStore interface {
	// Begin opens the transaction that carries one chunk's mutations.
	Begin(ctx context.Context) (ChunkTx, error)
	// NextID returns the first identifier not used by any stored row.
	NextID(ctx context.Context) (int64, error)
	// ScanKeys calls fn for every stored (zip, date) key.
	ScanKeys(ctx context.Context, fn func(models.AggregateKey) error) error
	Close() error
}

// ChunkTx is a unit of work against the AggregateStore.
type ChunkTx interface {
	Lookup(ctx context.Context, key models.AggregateKey) (models.PersistedRow, error)
	Update(ctx context.Context, row models.PersistedRow) error
	Append(ctx context.Context, rows []models.PersistedRow) error
	RecordChunk(ctx context.Context, p models.ChunkProgress) error
	Commit() error
	Rollback() error
}

// ChunkReader yields successive chunks of raw rows. Next returns io.EOF once
// the source is exhausted.
type ChunkReader interface {
	Next(ctx context.Context) ([]models.RawRow, error)
	RowsRead() int
	Close() error
}
