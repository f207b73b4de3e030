package models

import "time"

// DateLayout is the calendar-day form every posted_at is truncated to.
const DateLayout = "2006-01-02"

// RawRow holds one unprocessed record exactly as read from the listings file.
// Empty strings mark absent values.
type RawRow struct {
	PostedAt string
	Zip      string
	Price    string
	Lat      string
	Long     string
}

// CleanRow is a validated row with a single atomic ZIP and a day-granular date.
type CleanRow struct {
	Date  string
	Zip   string
	Price int64
	Lat   float64
	Long  float64
}

// AggregateKey identifies one persisted aggregate.
type AggregateKey struct {
	Zip  string
	Date string
}

// DailyAggregate is the per-(date, zip) reduction of one chunk.
// Lat and Long are running sums, not averages.
type DailyAggregate struct {
	Date  time.Time
	Zip   string
	Price int64
	Lat   float64
	Long  float64
	Count int64
}

// Key returns the ledger/store identity of the aggregate.
func (a DailyAggregate) Key() AggregateKey {
	return AggregateKey{Zip: a.Zip, Date: a.Date.Format(DateLayout)}
}

// Add returns the additive merge of a and b. b's date and zip are ignored.
func (a DailyAggregate) Add(b DailyAggregate) DailyAggregate {
	a.Price += b.Price
	a.Lat += b.Lat
	a.Long += b.Long
	a.Count += b.Count
	return a
}

// PersistedRow is a stored aggregate with its synthetic identifier.
type PersistedRow struct {
	ID int64
	DailyAggregate
}

// ChunkProgress is the audit record written alongside each committed chunk.
type ChunkProgress struct {
	RunID        string
	ChunkIndex   int
	RowsRead     int
	RowsClean    int
	KeysInserted int
	KeysMerged   int
	CommittedAt  time.Time
}

// RunSummary holds the totals of one ETL pass.
type RunSummary struct {
	RunID        string
	Chunks       int
	RowsRead     int
	RowsClean    int
	RowsDropped  int
	KeysInserted int
	KeysMerged   int
	LedgerSize   int
	Elapsed      time.Duration
	Stopped      bool
}
