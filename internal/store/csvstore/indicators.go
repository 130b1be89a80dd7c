package csvstore

import (
	"encoding/csv"
	"os"
	"sync"
	"time"

	"rangeflow/internal/model"
)

// indicatorHeader is the downstream column contract. The short/long names
// encode the moving-average windows except short21, which has always been
// the 14-length average; consumers key on the name, so it stays.
var indicatorHeader = []string{
	"Open Time", "Open", "High", "Low", "Close", "Volume",
	"daily_diff", "rsi", "rsi_ma50",
	"short002", "short007", "short21", "short50",
	"long100", "long200", "long350", "long500",
	"level_100", "level_764", "level_618", "level_500",
	"level_382", "level_236", "level_000",
}

// IndicatorStore accumulates indicator rows and flushes them to one CSV file.
type IndicatorStore struct {
	mu   sync.Mutex
	path string
	loc  *time.Location
	rows []model.IndicatorRow
}

// NewIndicatorStore creates a store writing to path, with timestamps
// rendered in loc.
func NewIndicatorStore(path string, loc *time.Location) *IndicatorStore {
	if loc == nil {
		loc = time.Local
	}
	return &IndicatorStore{path: path, loc: loc}
}

// ArchiveExisting moves a file left by a previous session out of the way.
func (s *IndicatorStore) ArchiveExisting() (string, error) {
	return archiveIfExists(s.path)
}

// Append adds indicator rows to the in-memory table. Call Flush to persist.
func (s *IndicatorStore) Append(rows ...model.IndicatorRow) {
	s.mu.Lock()
	s.rows = append(s.rows, rows...)
	s.mu.Unlock()
}

// Len returns the number of accumulated rows.
func (s *IndicatorStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// Last returns the newest accumulated row, used by the status line.
func (s *IndicatorStore) Last() (model.IndicatorRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rows) == 0 {
		return model.IndicatorRow{}, false
	}
	return s.rows[len(s.rows)-1], true
}

// Flush rewrites the CSV file atomically with every accumulated row.
// Undefined indicator values are written as empty cells.
func (s *IndicatorStore) Flush() error {
	s.mu.Lock()
	rows := make([]model.IndicatorRow, len(s.rows))
	copy(rows, s.rows)
	s.mu.Unlock()

	return writeAtomic(s.path, func(f *os.File) error {
		w := csv.NewWriter(f)
		if err := w.Write(indicatorHeader); err != nil {
			return err
		}
		for i := range rows {
			if err := w.Write(s.record(&rows[i])); err != nil {
				return err
			}
		}
		w.Flush()
		return w.Error()
	})
}

func (s *IndicatorStore) record(r *model.IndicatorRow) []string {
	return []string{
		formatTime(r.OpenTime, s.loc),
		formatFloat(r.Open),
		formatFloat(r.High),
		formatFloat(r.Low),
		formatFloat(r.Close),
		formatFloat(r.Volume),
		formatFloat(r.DailyDiff),
		formatFloat(r.RSI),
		formatFloat(r.RSISignal),
		formatFloat(r.MA2),
		formatFloat(r.MA7),
		formatFloat(r.MA14),
		formatFloat(r.MA50),
		formatFloat(r.MA100),
		formatFloat(r.MA200),
		formatFloat(r.MA350),
		formatFloat(r.MA500),
		formatFloat(r.Fib100),
		formatFloat(r.Fib764),
		formatFloat(r.Fib618),
		formatFloat(r.Fib500),
		formatFloat(r.Fib382),
		formatFloat(r.Fib236),
		formatFloat(r.Fib000),
	}
}
