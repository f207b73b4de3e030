package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"rental-etl/models"
	"rental-etl/utils"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aggregates.sqlite")
	s, err := OpenSQLStore(context.Background(), "sqlite", path, "rental_prices", utils.NewNopLogger())
	if err != nil {
		t.Fatalf("OpenSQLStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func row(id int64, date, zip string, price, count int64, lat, long float64) models.PersistedRow {
	d, _ := time.Parse(models.DateLayout, date)
	return models.PersistedRow{ID: id, DailyAggregate: models.DailyAggregate{
		Date: d, Zip: zip, Price: price, Count: count, Lat: lat, Long: long,
	}}
}

func appendRows(t *testing.T, s *SQLStore, rows ...models.PersistedRow) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Append(ctx, rows); err != nil {
		_ = tx.Rollback()
		t.Fatalf("Append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLStoreRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := OpenSQLStore(ctx, "mysql", "", "t", utils.NewNopLogger()); err == nil {
		t.Error("expected error for unknown driver")
	}
	if _, err := OpenSQLStore(ctx, "sqlite", ":memory:", "bad-name", utils.NewNopLogger()); err == nil {
		t.Error("expected error for invalid table name")
	}
}

func TestSQLStoreLookupAndUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	appendRows(t, s,
		row(0, "2020-01-01", "10001", 300, 2, 81, -147),
		row(1, "2020-01-01", "10002", 70, 1, 40, -73),
	)

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got, err := tx.Lookup(ctx, models.AggregateKey{Zip: "10001", Date: "2020-01-01"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.ID != 0 || got.Price != 300 || got.Count != 2 || got.Lat != 81 || got.Long != -147 {
		t.Errorf("Lookup() = %+v", got)
	}
	if got.Date.Format(models.DateLayout) != "2020-01-01" {
		t.Errorf("Lookup date: got %s", got.Date)
	}

	got.Price, got.Count = 350, 3
	if err := tx.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	all, err := s.FetchAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Price != 350 || all[0].Count != 3 || all[1].Price != 70 {
		t.Errorf("FetchAll() = %+v", all)
	}
}

func TestSQLStoreLookupMissing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	_, err = tx.Lookup(ctx, models.AggregateKey{Zip: "10001", Date: "2020-01-01"})
	if !errors.Is(err, ErrRowMissing) || !errors.Is(err, ErrConsistency) {
		t.Errorf("expected ErrRowMissing, got %v", err)
	}

	err = tx.Update(ctx, row(42, "2020-01-01", "10001", 1, 1, 0, 0))
	if !errors.Is(err, ErrRowMissing) {
		t.Errorf("update of unknown id: expected ErrRowMissing, got %v", err)
	}
}

func TestSQLStoreRejectsDuplicateKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	appendRows(t, s, row(0, "2020-01-01", "10001", 1, 1, 0, 0))

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := tx.Append(ctx, []models.PersistedRow{row(1, "2020-01-01", "10001", 1, 1, 0, 0)}); err == nil {
		t.Error("expected unique constraint violation for a second row with the same key")
	}
}

func TestSQLStoreRollbackDiscardsChunk(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Append(ctx, []models.PersistedRow{row(0, "2020-01-01", "10001", 1, 1, 0, 0)}); err != nil {
		t.Fatal(err)
	}
	if err := tx.RecordChunk(ctx, models.ChunkProgress{RunID: "r1", ChunkIndex: 0, CommittedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	all, err := s.FetchAll(ctx)
	if err != nil || len(all) != 0 {
		t.Errorf("after rollback FetchAll() = %+v, %v; want empty", all, err)
	}
	n, err := s.CountChunks(ctx, "r1")
	if err != nil || n != 0 {
		t.Errorf("after rollback CountChunks() = %d, %v; want 0", n, err)
	}
}

func TestSQLStoreAppendManyBatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var rows []models.PersistedRow
	for i := 0; i < insertBatchSize*2+7; i++ {
		rows = append(rows, row(int64(i), "2020-02-01", "z"+string(rune('a'+i%26))+string(rune('a'+i/26)), int64(i), 1, 0, 0))
	}
	appendRows(t, s, rows...)

	all, err := s.FetchAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != len(rows) {
		t.Errorf("FetchAll: got %d rows, want %d", len(all), len(rows))
	}
}

func TestSQLStoreNextIDAndScanKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	next, err := s.NextID(ctx)
	if err != nil || next != 0 {
		t.Fatalf("NextID on empty table = %d, %v; want 0", next, err)
	}

	appendRows(t, s,
		row(3, "2020-01-01", "10001", 1, 1, 0, 0),
		row(9, "2020-01-02", "10001", 1, 1, 0, 0),
	)
	next, err = s.NextID(ctx)
	if err != nil || next != 10 {
		t.Errorf("NextID = %d, %v; want 10", next, err)
	}

	keys := map[models.AggregateKey]bool{}
	err = s.ScanKeys(ctx, func(k models.AggregateKey) error {
		keys[k] = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || !keys[models.AggregateKey{Zip: "10001", Date: "2020-01-02"}] {
		t.Errorf("ScanKeys() = %v", keys)
	}
}

func TestParseStoredDate(t *testing.T) {
	want := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)
	inputs := []any{
		time.Date(2020, 1, 2, 0, 0, 0, 0, time.FixedZone("", 0)),
		"2020-01-02",
		[]byte("2020-01-02 00:00:00"),
	}
	for _, in := range inputs {
		got, err := parseStoredDate(in)
		if err != nil || !got.Equal(want) {
			t.Errorf("parseStoredDate(%v) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := parseStoredDate(42); err == nil {
		t.Error("expected error for int date")
	}
}
