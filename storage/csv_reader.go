package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"rental-etl/models"
)

var requiredColumns = []string{"posted_at", "zip", "price", "lat", "long"}

// CSVChunkReader reads a listings file in fixed-size chunks of raw rows.
// Columns are located by header name; extra columns are ignored.
type CSVChunkReader struct {
	closer    io.Closer
	reader    *csv.Reader
	chunkSize int
	index     map[string]int
	rowsRead  int
	done      bool
}

var _ ChunkReader = (*CSVChunkReader)(nil)

// OpenCSVChunkReader opens the file at path and reads its header.
func OpenCSVChunkReader(path string, chunkSize int) (*CSVChunkReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("csv: open %q: %w", path, err)
	}
	r, err := NewCSVChunkReader(f, chunkSize)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewCSVChunkReader wraps src and reads its header row.
func NewCSVChunkReader(src io.Reader, chunkSize int) (*CSVChunkReader, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("csv: chunk size must be positive, got %d", chunkSize)
	}

	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("csv: read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("csv: missing required column %q", col)
		}
	}

	return &CSVChunkReader{reader: cr, chunkSize: chunkSize, index: index}, nil
}

// Next returns up to chunkSize rows, or io.EOF when no rows remain.
func (c *CSVChunkReader) Next(ctx context.Context) ([]models.RawRow, error) {
	if c.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chunk := make([]models.RawRow, 0, c.chunkSize)
	for len(chunk) < c.chunkSize {
		rec, err := c.reader.Read()
		if errors.Is(err, io.EOF) {
			c.done = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv: read row %d: %w", c.rowsRead+1, err)
		}
		c.rowsRead++
		chunk = append(chunk, models.RawRow{
			PostedAt: c.field(rec, "posted_at"),
			Zip:      c.field(rec, "zip"),
			Price:    c.field(rec, "price"),
			Lat:      c.field(rec, "lat"),
			Long:     c.field(rec, "long"),
		})
	}

	if len(chunk) == 0 {
		return nil, io.EOF
	}
	return chunk, nil
}

func (c *CSVChunkReader) field(rec []string, name string) string {
	i := c.index[name]
	if i >= len(rec) {
		return ""
	}
	return rec[i]
}

// RowsRead returns the number of data rows consumed so far.
func (c *CSVChunkReader) RowsRead() int {
	return c.rowsRead
}

// Close releases the underlying file, if the reader owns one.
func (c *CSVChunkReader) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
