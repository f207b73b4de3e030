package storage

import (
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"rental-etl/models"
)

// dialect captures the differences between the supported SQL backends.
type dialect struct {
	driver      string
	placeholder sq.PlaceholderFormat
	// copyIn selects COPY FROM STDIN for bulk appends (postgres only).
	copyIn bool
	// maxOpenConns is zero for no limit.
	maxOpenConns int
	schema       func(table string) []string
	bindDay      func(day time.Time) any
	bindTime     func(t time.Time) any
}

var dialects = map[string]dialect{
	"postgres": {
		driver:      "postgres",
		placeholder: sq.Dollar,
		copyIn:      true,
		schema: func(table string) []string {
			return []string{
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
					id        BIGINT           PRIMARY KEY,
					date      TIMESTAMP        NOT NULL,
					zip_code  VARCHAR(255)     NOT NULL,
					lat       DOUBLE PRECISION,
					long      DOUBLE PRECISION,
					price     BIGINT           NOT NULL,
					count     BIGINT           NOT NULL
				)`, table),
				fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_zip_date_key ON %s (zip_code, date)`, table, table),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_chunks (
					run_id        UUID        NOT NULL,
					chunk_index   INT         NOT NULL,
					rows_read     INT         NOT NULL,
					rows_clean    INT         NOT NULL,
					keys_inserted INT         NOT NULL,
					keys_merged   INT         NOT NULL,
					committed_at  TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (run_id, chunk_index)
				)`, table),
			}
		},
		bindDay:  func(day time.Time) any { return day },
		bindTime: func(t time.Time) any { return t },
	},
	"sqlite": {
		driver:      "sqlite",
		placeholder: sq.Question,
		// SQLite allows a single writer; one connection keeps the chunk
		// transaction from deadlocking against itself.
		maxOpenConns: 1,
		schema: func(table string) []string {
			return []string{
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
					id        INTEGER PRIMARY KEY,
					date      TEXT    NOT NULL,
					zip_code  TEXT    NOT NULL,
					lat       REAL,
					long      REAL,
					price     INTEGER NOT NULL,
					count     INTEGER NOT NULL
				)`, table),
				fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_zip_date_key ON %s (zip_code, date)`, table, table),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_chunks (
					run_id        TEXT    NOT NULL,
					chunk_index   INTEGER NOT NULL,
					rows_read     INTEGER NOT NULL,
					rows_clean    INTEGER NOT NULL,
					keys_inserted INTEGER NOT NULL,
					keys_merged   INTEGER NOT NULL,
					committed_at  TEXT    NOT NULL,
					PRIMARY KEY (run_id, chunk_index)
				)`, table),
			}
		},
		bindDay:  func(day time.Time) any { return day.Format(models.DateLayout) },
		bindTime: func(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) },
	},
}

// parseStoredDate converts a scanned date column back to a UTC calendar day.
func parseStoredDate(v any) (time.Time, error) {
	switch d := v.(type) {
	case time.Time:
		return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC), nil
	case string:
		return parseDayPrefix(d)
	case []byte:
		return parseDayPrefix(string(d))
	default:
		return time.Time{}, fmt.Errorf("store: unsupported date value %T", v)
	}
}

func parseDayPrefix(s string) (time.Time, error) {
	if len(s) < len(models.DateLayout) {
		return time.Time{}, fmt.Errorf("store: malformed date %q", s)
	}
	return time.Parse(models.DateLayout, s[:len(models.DateLayout)])
}
