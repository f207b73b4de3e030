package services

import (
	"fmt"
	"io"
	"strings"
	"time"

	"rental-etl/models"
	"rental-etl/utils"
)

type SummaryService struct {
	logger *utils.Logger
	out    io.Writer
}

func NewSummaryService(logger *utils.Logger, out io.Writer) *SummaryService {
	return &SummaryService{logger: logger, out: out}
}

// DropRate returns the share of read rows discarded by the cleaner, in percent.
func DropRate(s *models.RunSummary) float64 {
	if s.RowsRead == 0 {
		return 0
	}
	return round2(float64(s.RowsDropped) * 100 / float64(s.RowsRead))
}

// MergeRate returns the share of chunk aggregates that merged into an existing row, in percent.
func MergeRate(s *models.RunSummary) float64 {
	total := s.KeysInserted + s.KeysMerged
	if total == 0 {
		return 0
	}
	return round2(float64(s.KeysMerged) * 100 / float64(total))
}

func (s *SummaryService) Print(r *models.RunSummary) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)
	w := s.out

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  RENTAL PRICE ETL SUMMARY\033[0m\n")
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	fmt.Fprintf(w, "\033[1;33m  Run\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Run id        : %s\n", r.RunID)
	fmt.Fprintf(w, "  Chunks        : \033[1m%d\033[0m\n", r.Chunks)
	fmt.Fprintf(w, "  Elapsed       : %s\n", r.Elapsed.Round(time.Millisecond))
	if r.Stopped {
		s.logger.Warn("[summary] Run %s stopped before the end of input", r.RunID)
		fmt.Fprintf(w, "  Status        : \033[1;33mstopped early\033[0m\n")
	} else {
		fmt.Fprintf(w, "  Status        : \033[1;32mcomplete\033[0m\n")
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Rows\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Read          : \033[1m%d\033[0m\n", r.RowsRead)
	fmt.Fprintf(w, "  Clean         : \033[1m%d\033[0m\n", r.RowsClean)
	fmt.Fprintf(w, "  Dropped       : \033[1m%d\033[0m (%.2f%%)\n", r.RowsDropped, DropRate(r))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Daily aggregates\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Inserted      : \033[1;32m%d\033[0m\n", r.KeysInserted)
	fmt.Fprintf(w, "  Merged        : \033[1;32m%d\033[0m (%.2f%%)\n", r.KeysMerged, MergeRate(r))
	fmt.Fprintf(w, "  Ledger keys   : \033[1m%d\033[0m\n", r.LedgerSize)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
