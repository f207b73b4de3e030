package services

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"rental-etl/models"
	"rental-etl/storage"
)

var errStoreDown = errors.New("fake store: connection reset")

// fakeStore is an in-memory AggregateStore whose transactions work on a copy
// of the table and replace it on commit.
type fakeStore struct {
	mu     sync.Mutex
	rows   []models.PersistedRow
	chunks []models.ChunkProgress

	// appendFailures makes the next N Append calls fail.
	appendFailures int
	commits        int
}

func (s *fakeStore) Begin(ctx context.Context) (storage.ChunkTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &fakeTx{
		store:  s,
		rows:   append([]models.PersistedRow(nil), s.rows...),
		chunks: append([]models.ChunkProgress(nil), s.chunks...),
	}, nil
}

func (s *fakeStore) NextID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := int64(0)
	for _, r := range s.rows {
		if r.ID >= next {
			next = r.ID + 1
		}
	}
	return next, nil
}

func (s *fakeStore) ScanKeys(ctx context.Context, fn func(models.AggregateKey) error) error {
	s.mu.Lock()
	rows := append([]models.PersistedRow(nil), s.rows...)
	s.mu.Unlock()
	for _, r := range rows {
		if err := fn(r.Key()); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) byKey() map[models.AggregateKey][]models.PersistedRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.AggregateKey][]models.PersistedRow)
	for _, r := range s.rows {
		out[r.Key()] = append(out[r.Key()], r)
	}
	return out
}

func (s *fakeStore) sortedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.rows))
	for _, r := range s.rows {
		ids = append(ids, r.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type fakeTx struct {
	store  *fakeStore
	rows   []models.PersistedRow
	chunks []models.ChunkProgress
	done   bool
}

func (t *fakeTx) Lookup(ctx context.Context, key models.AggregateKey) (models.PersistedRow, error) {
	var found []models.PersistedRow
	for _, r := range t.rows {
		if r.Key() == key {
			found = append(found, r)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return models.PersistedRow{}, storage.ErrRowMissing
	default:
		return models.PersistedRow{}, storage.ErrRowAmbiguous
	}
}

func (t *fakeTx) Update(ctx context.Context, row models.PersistedRow) error {
	for i := range t.rows {
		if t.rows[i].ID == row.ID {
			t.rows[i] = row
			return nil
		}
	}
	return storage.ErrRowMissing
}

func (t *fakeTx) Append(ctx context.Context, rows []models.PersistedRow) error {
	t.store.mu.Lock()
	fail := t.store.appendFailures > 0
	if fail {
		t.store.appendFailures--
	}
	t.store.mu.Unlock()
	if fail {
		return errStoreDown
	}
	t.rows = append(t.rows, rows...)
	return nil
}

func (t *fakeTx) RecordChunk(ctx context.Context, p models.ChunkProgress) error {
	t.chunks = append(t.chunks, p)
	return nil
}

func (t *fakeTx) Commit() error {
	if t.done {
		return errors.New("fake store: tx done")
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.rows = t.rows
	t.store.chunks = t.chunks
	t.store.commits++
	return nil
}

func (t *fakeTx) Rollback() error {
	t.done = true
	return nil
}

// sliceReader serves pre-built chunks. onNext, when set, runs before chunk i
// is handed out.
type sliceReader struct {
	chunks [][]models.RawRow
	next   int
	read   int
	onNext func(i int)
}

func (r *sliceReader) Next(ctx context.Context) ([]models.RawRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.next >= len(r.chunks) {
		return nil, io.EOF
	}
	if r.onNext != nil {
		r.onNext(r.next)
	}
	c := r.chunks[r.next]
	r.next++
	r.read += len(c)
	return c, nil
}

func (r *sliceReader) RowsRead() int { return r.read }
func (r *sliceReader) Close() error  { return nil }
