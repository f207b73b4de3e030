package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"rental-etl/models"
	"rental-etl/utils"
)

const (
	pingAttempts = 10
	pingInterval = 2 * time.Second
	// insertBatchSize bounds the rows per multi-VALUES insert.
	insertBatchSize = 50
)

var (
	tableRegexp      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	aggregateColumns = []string{"id", "date", "zip_code", "lat", "long", "price", "count"}
	chunkColumns     = []string{"run_id", "chunk_index", "rows_read", "rows_clean", "keys_inserted", "keys_merged", "committed_at"}
)

// SQLStore persists daily aggregates to PostgreSQL or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	table   string
	builder sq.StatementBuilderType
	logger  *utils.Logger
}

var _ AggregateStore = (*SQLStore)(nil)

// OpenSQLStore opens a connection for the given driver ("postgres" or
// "sqlite"), waits for the database to answer, runs schema migrations, and
// returns a ready-to-use SQLStore.
func OpenSQLStore(ctx context.Context, driver, dsn, table string, logger *utils.Logger) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
	if !tableRegexp.MatchString(table) {
		return nil, fmt.Errorf("store: invalid table name %q", table)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if d.maxOpenConns > 0 {
		db.SetMaxOpenConns(d.maxOpenConns)
	}

	for i := 0; i < pingAttempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		logger.Warn("[store] Ping failed (attempt %d/%d): %v", i+1, pingAttempts, err)
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, fmt.Errorf("store: ping: %w", ctx.Err())
		case <-time.After(pingInterval):
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping failed after retries: %w", err)
	}

	s := &SQLStore{
		db:      db,
		dialect: d,
		table:   table,
		builder: sq.StatementBuilder.PlaceholderFormat(d.placeholder),
		logger:  logger,
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	logger.Info("[store] Connected (%s, table %s)", driver, table)
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema(s.table) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Table returns the aggregate table name.
func (s *SQLStore) Table() string { return s.table }

// Begin starts the transaction for one chunk.
func (s *SQLStore) Begin(ctx context.Context) (ChunkTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	return &sqlChunkTx{store: s, tx: tx}, nil
}

// NextID returns MAX(id)+1, or 0 for an empty table.
func (s *SQLStore) NextID(ctx context.Context) (int64, error) {
	query, args, err := s.builder.Select("COALESCE(MAX(id), -1)").From(s.table).ToSql()
	if err != nil {
		return 0, fmt.Errorf("store: build max id: %w", err)
	}
	var maxID int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("store: max id: %w", err)
	}
	return maxID + 1, nil
}

// ScanKeys streams every stored key to fn without holding rows in memory.
func (s *SQLStore) ScanKeys(ctx context.Context, fn func(models.AggregateKey) error) error {
	query, args, err := s.builder.Select("zip_code", "date").From(s.table).ToSql()
	if err != nil {
		return fmt.Errorf("store: build scan keys: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: scan keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var zip string
		var rawDate any
		if err := rows.Scan(&zip, &rawDate); err != nil {
			return fmt.Errorf("store: scan key row: %w", err)
		}
		day, err := parseStoredDate(rawDate)
		if err != nil {
			return err
		}
		if err := fn(models.AggregateKey{Zip: zip, Date: day.Format(models.DateLayout)}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// FetchAll retrieves every stored aggregate ordered by id. Intended for
// inspection and tests on small tables.
func (s *SQLStore) FetchAll(ctx context.Context) ([]models.PersistedRow, error) {
	query, args, err := s.builder.Select(aggregateColumns...).From(s.table).OrderBy("id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build fetch all: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: fetch all: %w", err)
	}
	defer rows.Close()

	var out []models.PersistedRow
	for rows.Next() {
		r, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountChunks returns the number of progress records written for runID.
func (s *SQLStore) CountChunks(ctx context.Context, runID string) (int, error) {
	query, args, err := s.builder.Select("COUNT(*)").From(s.table + "_chunks").
		Where(sq.Eq{"run_id": runID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("store: build count chunks: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count chunks: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type sqlChunkTx struct {
	store *SQLStore
	tx    *sql.Tx
}

// Lookup returns the single row stored for key. Zero matches yield
// ErrRowMissing and more than one ErrRowAmbiguous.
func (t *sqlChunkTx) Lookup(ctx context.Context, key models.AggregateKey) (models.PersistedRow, error) {
	day, err := time.Parse(models.DateLayout, key.Date)
	if err != nil {
		return models.PersistedRow{}, fmt.Errorf("store: lookup: bad key date %q: %w", key.Date, err)
	}

	s := t.store
	query, args, err := s.builder.Select(aggregateColumns...).From(s.table).
		Where(sq.Eq{"zip_code": key.Zip, "date": s.dialect.bindDay(day)}).
		Limit(2).ToSql()
	if err != nil {
		return models.PersistedRow{}, fmt.Errorf("store: build lookup: %w", err)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return models.PersistedRow{}, fmt.Errorf("store: lookup %s/%s: %w", key.Zip, key.Date, err)
	}
	defer rows.Close()

	var found []models.PersistedRow
	for rows.Next() {
		r, err := scanAggregate(rows)
		if err != nil {
			return models.PersistedRow{}, err
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return models.PersistedRow{}, fmt.Errorf("store: lookup rows: %w", err)
	}

	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return models.PersistedRow{}, fmt.Errorf("lookup %s/%s: %w", key.Zip, key.Date, ErrRowMissing)
	default:
		return models.PersistedRow{}, fmt.Errorf("lookup %s/%s: %w", key.Zip, key.Date, ErrRowAmbiguous)
	}
}

// Update overwrites the totals of the row with row.ID.
func (t *sqlChunkTx) Update(ctx context.Context, row models.PersistedRow) error {
	s := t.store
	query, args, err := s.builder.Update(s.table).
		Set("price", row.Price).
		Set("count", row.Count).
		Set("lat", row.Lat).
		Set("long", row.Long).
		Where(sq.Eq{"id": row.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build update: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: update id %d: %w", row.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update id %d: rows affected: %w", row.ID, err)
	}
	if n != 1 {
		return fmt.Errorf("update id %d touched %d rows: %w", row.ID, n, ErrRowMissing)
	}
	return nil
}

// Append bulk-inserts new rows.
func (t *sqlChunkTx) Append(ctx context.Context, rows []models.PersistedRow) error {
	if len(rows) == 0 {
		return nil
	}
	if t.store.dialect.copyIn {
		return t.copyIn(ctx, rows)
	}

	for i := 0; i < len(rows); i += insertBatchSize {
		end := i + insertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := t.insertBatch(ctx, rows[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlChunkTx) insertBatch(ctx context.Context, batch []models.PersistedRow) error {
	s := t.store
	ins := s.builder.Insert(s.table).Columns(aggregateColumns...)
	for _, r := range batch {
		ins = ins.Values(r.ID, s.dialect.bindDay(r.Date), r.Zip, r.Lat, r.Long, r.Price, r.Count)
	}
	query, args, err := ins.ToSql()
	if err != nil {
		return fmt.Errorf("store: build insert: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: insert batch: %w", err)
	}
	return nil
}

func (t *sqlChunkTx) copyIn(ctx context.Context, rows []models.PersistedRow) error {
	s := t.store
	stmt, err := t.tx.PrepareContext(ctx, pq.CopyIn(s.table, aggregateColumns...))
	if err != nil {
		return fmt.Errorf("store: prepare copy: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.ID, s.dialect.bindDay(r.Date), r.Zip, r.Lat, r.Long, r.Price, r.Count); err != nil {
			return fmt.Errorf("store: copy row id %d: %w", r.ID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("store: execute copy: %w", err)
	}
	return nil
}

// RecordChunk writes the progress record of the chunk carried by this transaction.
func (t *sqlChunkTx) RecordChunk(ctx context.Context, p models.ChunkProgress) error {
	s := t.store
	query, args, err := s.builder.Insert(s.table+"_chunks").Columns(chunkColumns...).
		Values(p.RunID, p.ChunkIndex, p.RowsRead, p.RowsClean, p.KeysInserted, p.KeysMerged,
			s.dialect.bindTime(p.CommittedAt)).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build chunk record: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: record chunk %d: %w", p.ChunkIndex, err)
	}
	return nil
}

func (t *sqlChunkTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (t *sqlChunkTx) Rollback() error {
	return t.tx.Rollback()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAggregate(rows rowScanner) (models.PersistedRow, error) {
	var (
		r       models.PersistedRow
		rawDate any
		lat     sql.NullFloat64
		long    sql.NullFloat64
	)
	if err := rows.Scan(&r.ID, &rawDate, &r.Zip, &lat, &long, &r.Price, &r.Count); err != nil {
		return models.PersistedRow{}, fmt.Errorf("store: scan row: %w", err)
	}
	day, err := parseStoredDate(rawDate)
	if err != nil {
		return models.PersistedRow{}, err
	}
	r.Date = day
	r.Lat = lat.Float64
	r.Long = long.Float64
	return r, nil
}
