package services

import (
	"context"
	"fmt"

	"rental-etl/models"
	"rental-etl/storage"
	"rental-etl/utils"
)

// MergeResolver folds a chunk's aggregates for already-persisted keys into
// the stored rows and returns what is left to insert.
type MergeResolver struct {
	logger *utils.Logger
}

func NewMergeResolver(logger *utils.Logger) *MergeResolver {
	return &MergeResolver{logger: logger}
}

// Resolve updates, through tx, the stored row of every aggregate whose key is
// in repeats by adding the chunk's totals to the persisted ones. It returns
// the residual aggregates (keys not in repeats) in their original order and
// the number of rows merged. A lookup matching zero or several rows aborts
// with an error wrapping storage.ErrConsistency.
func (m *MergeResolver) Resolve(ctx context.Context, tx storage.ChunkTx, chunk []models.DailyAggregate, repeats KeySet) ([]models.DailyAggregate, int, error) {
	if len(repeats) == 0 {
		return chunk, 0, nil
	}

	residual := make([]models.DailyAggregate, 0, max(len(chunk)-len(repeats), 0))
	merged := 0

	for _, agg := range chunk {
		key := agg.Key()
		if !repeats.Has(key) {
			residual = append(residual, agg)
			continue
		}

		stored, err := tx.Lookup(ctx, key)
		if err != nil {
			return nil, merged, fmt.Errorf("merge: %w", err)
		}

		updated := models.PersistedRow{ID: stored.ID, DailyAggregate: stored.DailyAggregate.Add(agg)}
		if err := tx.Update(ctx, updated); err != nil {
			return nil, merged, fmt.Errorf("merge: %w", err)
		}

		m.logger.Debug("[merge] %s %s: price %d → %d, count %d → %d",
			key.Zip, key.Date, stored.Price, updated.Price, stored.Count, updated.Count)
		merged++
	}

	if merged != len(repeats) {
		return nil, merged, fmt.Errorf("merge: %d repeated keys but %d matching aggregates in chunk: %w",
			len(repeats), merged, storage.ErrConsistency)
	}
	return residual, merged, nil
}
