package csvstore

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"rangeflow/internal/model"
)

// barHeader matches the exchange's historical kline CSV layout so the bar
// file can be consumed by tooling written for raw kline exports. The Ignore
// column is always zero.
var barHeader = []string{
	"Open Time", "Open", "High", "Low", "Close", "Volume",
	"Close Time", "Quote Asset Volume", "Number of Trades",
	"Taker Buy Base Asset Volume", "Taker Buy Quote Asset Volume", "Ignore",
}

// BarStore accumulates completed range bars and flushes them to one CSV file.
type BarStore struct {
	mu   sync.Mutex
	path string
	loc  *time.Location
	bars []model.RangeBar
}

// NewBarStore creates a store writing to path, with timestamps rendered in loc.
func NewBarStore(path string, loc *time.Location) *BarStore {
	if loc == nil {
		loc = time.Local
	}
	return &BarStore{path: path, loc: loc}
}

// ArchiveExisting moves a file left by a previous session out of the way.
// Returns the archive path, or "" when the store file did not exist.
func (s *BarStore) ArchiveExisting() (string, error) {
	return archiveIfExists(s.path)
}

// Append adds completed bars to the in-memory table. Call Flush to persist.
func (s *BarStore) Append(bars ...model.RangeBar) {
	s.mu.Lock()
	s.bars = append(s.bars, bars...)
	s.mu.Unlock()
}

// Len returns the number of accumulated bars.
func (s *BarStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bars)
}

// Bars returns a copy of the accumulated bars in append order.
func (s *BarStore) Bars() []model.RangeBar {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.RangeBar, len(s.bars))
	copy(out, s.bars)
	return out
}

// Flush rewrites the CSV file atomically with every accumulated bar.
func (s *BarStore) Flush() error {
	s.mu.Lock()
	bars := make([]model.RangeBar, len(s.bars))
	copy(bars, s.bars)
	s.mu.Unlock()

	return writeAtomic(s.path, func(f *os.File) error {
		w := csv.NewWriter(f)
		if err := w.Write(barHeader); err != nil {
			return err
		}
		for i := range bars {
			if err := w.Write(s.record(&bars[i])); err != nil {
				return err
			}
		}
		w.Flush()
		return w.Error()
	})
}

func (s *BarStore) record(b *model.RangeBar) []string {
	return []string{
		formatTime(b.OpenTime, s.loc),
		formatFloat(b.Open),
		formatFloat(b.High),
		formatFloat(b.Low),
		formatFloat(b.Close),
		formatFloat(b.Volume),
		formatTime(b.CloseTime, s.loc),
		formatFloat(b.QuoteVolume),
		strconv.FormatInt(b.Trades, 10),
		formatFloat(b.TakerBuyBase),
		formatFloat(b.TakerBuyQuote),
		"0",
	}
}

// Load reads a bar CSV back into memory, typically to replay history into
// the indicator engine after a restart.
func (s *BarStore) Load() ([]model.RangeBar, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(records) <= 1 {
		return nil, nil
	}

	bars := make([]model.RangeBar, 0, len(records)-1)
	for i, rec := range records[1:] {
		b, err := s.parseRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", s.path, i+2, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func (s *BarStore) parseRecord(rec []string) (model.RangeBar, error) {
	if len(rec) != len(barHeader) {
		return model.RangeBar{}, fmt.Errorf("expected %d columns, got %d", len(barHeader), len(rec))
	}

	var b model.RangeBar
	var err error
	if b.OpenTime, err = parseTime(rec[0], s.loc); err != nil {
		return b, err
	}
	if b.CloseTime, err = parseTime(rec[6], s.loc); err != nil {
		return b, err
	}
	fields := []struct {
		dst *float64
		col int
	}{
		{&b.Open, 1}, {&b.High, 2}, {&b.Low, 3}, {&b.Close, 4}, {&b.Volume, 5},
		{&b.QuoteVolume, 7}, {&b.TakerBuyBase, 9}, {&b.TakerBuyQuote, 10},
	}
	for _, fl := range fields {
		if *fl.dst, err = parseFloat(rec[fl.col]); err != nil {
			return b, err
		}
	}
	if b.Trades, err = strconv.ParseInt(rec[8], 10, 64); err != nil {
		return b, err
	}
	return b, nil
}
