package services

import (
	"math"
	"strconv"
	"strings"
	"time"

	"rental-etl/models"
	"rental-etl/utils"
)

// CleanStats counts what a Clean call discarded.
type CleanStats struct {
	Input      int
	Missing    int
	Malformed  int
	Duplicates int
	ZipFanOut  int
	Output     int
}

// Cleaner transforms RawRows into clean, day-binned CleanRows.
type Cleaner struct {
	logger *utils.Logger
}

// NewCleaner creates a Cleaner with the given logger.
func NewCleaner(logger *utils.Logger) *Cleaner {
	return &Cleaner{logger: logger}
}

// Clean drops rows missing price, zip or posted_at, explodes compound ZIP codes
// into one row per component, truncates posted_at to its calendar day and
// removes exact duplicates. Output keeps input order.
func (c *Cleaner) Clean(raw []models.RawRow) ([]models.CleanRow, CleanStats) {
	stats := CleanStats{Input: len(raw)}
	seen := make(map[models.CleanRow]struct{}, len(raw))
	result := make([]models.CleanRow, 0, len(raw))

	for _, r := range raw {
		postedAt := strings.TrimSpace(r.PostedAt)
		zip := normaliseZip(r.Zip)
		priceText := strings.TrimSpace(r.Price)
		if postedAt == "" || zip == "" || priceText == "" {
			stats.Missing++
			continue
		}

		date, ok := truncateDay(postedAt)
		if !ok {
			c.logger.Debug("[cleaner] Dropping row with malformed posted_at %q", postedAt)
			stats.Malformed++
			continue
		}
		price, ok := parsePrice(priceText)
		if !ok {
			c.logger.Debug("[cleaner] Dropping row with malformed price %q", priceText)
			stats.Malformed++
			continue
		}
		lat := parseCoord(r.Lat)
		long := parseCoord(r.Long)

		parts := splitZip(zip)
		if len(parts) == 0 {
			stats.Missing++
			continue
		}
		stats.ZipFanOut += len(parts) - 1

		for _, z := range parts {
			row := models.CleanRow{Date: date, Zip: z, Price: price, Lat: lat, Long: long}
			if _, dup := seen[row]; dup {
				stats.Duplicates++
				continue
			}
			seen[row] = struct{}{}
			result = append(result, row)
		}
	}

	stats.Output = len(result)
	c.logger.Debug("[cleaner] Cleaned %d → %d rows (missing %d, malformed %d, duplicates %d, zip fan-out %d)",
		stats.Input, stats.Output, stats.Missing, stats.Malformed, stats.Duplicates, stats.ZipFanOut)
	return result, stats
}

// normaliseZip trims whitespace and the ".0" suffix left behind when ZIP
// codes were exported as floating-point numbers.
func normaliseZip(s string) string {
	s = strings.TrimSpace(s)
	if head, ok := strings.CutSuffix(s, ".0"); ok && !strings.Contains(head, ".") {
		return head
	}
	return s
}

// splitZip explodes a hyphenated ZIP (ZIP+4 style) into its components,
// dropping empty ones.
func splitZip(zip string) []string {
	parts := strings.Split(zip, "-")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func truncateDay(postedAt string) (string, bool) {
	if len(postedAt) < len(models.DateLayout) {
		return "", false
	}
	day := postedAt[:len(models.DateLayout)]
	if _, err := time.Parse(models.DateLayout, day); err != nil {
		return "", false
	}
	return day, true
}

// parsePrice reads a listing price, rounding fractional values to the
// nearest whole unit so that running totals stay exact integers.
func parsePrice(s string) (int64, bool) {
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimPrefix(s, "$")
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(math.Round(f)), true
}

// parseCoord treats absent or unparsable coordinates as zero contribution.
func parseCoord(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
