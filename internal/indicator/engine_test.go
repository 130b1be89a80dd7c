package indicator

import (
	"math"
	"testing"
	"time"

	"rangeflow/internal/model"
)

func mkBar(i int, close float64) model.RangeBar {
	openTime := int64(1700000000000) + int64(i)*10000
	return model.RangeBar{
		OpenTime:  openTime,
		CloseTime: openTime + 9999,
		Open:      close - 0.5,
		High:      close + 0.3,
		Low:       close - 0.8,
		Close:     close,
		Volume:    10,
	}
}

func almostEqual(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	return math.Abs(a-b) < 1e-9
}

func TestRSIWarmupAndExtremes(t *testing.T) {
	r := NewRSI(14)

	// NaN until length+1 closes have arrived.
	for i := 0; i < 14; i++ {
		if v := r.Update(100 + float64(i)); !math.IsNaN(v) {
			t.Fatalf("close %d: expected NaN during warmup, got %g", i, v)
		}
	}

	// 15th close completes the seed; monotonically rising prices mean zero
	// losses, so RSI pins at 100.
	if v := r.Update(114); v != 100.0 {
		t.Fatalf("all-gain series must read RSI=100, got %g", v)
	}
	if !r.Ready() {
		t.Error("expected Ready after seed")
	}

	// Monotonically falling prices drive RSI toward 0 once the smoothed
	// gain average decays.
	d := NewRSI(14)
	for i := 0; i < 14; i++ {
		d.Update(100 - float64(i))
	}
	if v := d.Update(86); v != 0.0 {
		t.Fatalf("all-loss series must read RSI=0, got %g", v)
	}
}

func TestRSIWilderSmoothing(t *testing.T) {
	r := NewRSI(2)
	r.Update(100) // seed price
	r.Update(101) // +1
	v := r.Update(100.5) // -0.5, completes seed: avgGain=0.5, avgLoss=0.25

	rs := 0.5 / 0.25
	want := 100 - 100/(1+rs)
	if !almostEqual(v, want) {
		t.Fatalf("seed RSI: got %g, want %g", v, want)
	}

	// Next close: gain 0.5. avgGain=(0.5*1+0.5)/2=0.5, avgLoss=0.25/2=0.125.
	v = r.Update(101)
	rs = 0.5 / 0.125
	want = 100 - 100/(1+rs)
	if !almostEqual(v, want) {
		t.Fatalf("smoothed RSI: got %g, want %g", v, want)
	}
}

func TestSMAWindow(t *testing.T) {
	s := NewSMA(7)
	for i := 1; i <= 6; i++ {
		if v := s.Update(float64(i)); !math.IsNaN(v) {
			t.Fatalf("value %d: expected NaN before window fills, got %g", i, v)
		}
	}
	if v := s.Update(7); !almostEqual(v, 4.0) {
		t.Fatalf("expected SMA=4.0 over 1..7, got %g", v)
	}
	if v := s.Update(14); !almostEqual(v, (2+3+4+5+6+7+14)/7.0) {
		t.Fatalf("rolling SMA wrong after eviction: got %g", v)
	}
}

func TestSMAIgnoresNaN(t *testing.T) {
	s := NewSMA(2)
	s.Update(10)
	if v := s.Update(math.NaN()); !math.IsNaN(v) {
		t.Fatalf("NaN input must return NaN, got %g", v)
	}
	// The NaN must not have consumed a window slot.
	if v := s.Update(20); !almostEqual(v, 15.0) {
		t.Fatalf("expected SMA=15 after NaN skip, got %g", v)
	}
}

func TestFibonacciLevels(t *testing.T) {
	f := NewFibonacci(4)
	for _, p := range []float64{10, 20, 15} {
		levels := f.Update(p)
		if !math.IsNaN(levels.L500) {
			t.Fatalf("expected NaN levels before window fills")
		}
	}

	levels := f.Update(30) // window: 10, 20, 15, 30
	if levels.L100 != 30 || levels.L000 != 10 {
		t.Fatalf("extremes wrong: L100=%g L000=%g", levels.L100, levels.L000)
	}
	ranr := 20.0
	if !almostEqual(levels.L764, 30-0.236*ranr) {
		t.Errorf("L764: got %g", levels.L764)
	}
	if !almostEqual(levels.L618, 30-0.382*ranr) {
		t.Errorf("L618: got %g", levels.L618)
	}
	if !almostEqual(levels.L500, 30-0.5*ranr) {
		t.Errorf("L500: got %g", levels.L500)
	}
	if !almostEqual(levels.L382, 10+0.382*ranr) {
		t.Errorf("L382: got %g", levels.L382)
	}
	if !almostEqual(levels.L236, 10+0.236*ranr) {
		t.Errorf("L236: got %g", levels.L236)
	}
}

func TestDailyDiffReference(t *testing.T) {
	loc, err := time.LoadLocation("Africa/Nairobi")
	if err != nil {
		t.Fatal(err)
	}
	d := NewDailyDiff(loc)

	// 2026-03-02 03:00:00 Nairobi (UTC+3) = 2026-03-02 00:00:00 UTC.
	ref := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	v := d.Update(ref.UnixMilli(), 200)
	if !almostEqual(v, 0) {
		t.Fatalf("reference bar must read 0%%, got %g", v)
	}

	// Later the same day: +5%.
	v = d.Update(ref.Add(6*time.Hour).UnixMilli(), 210)
	if !almostEqual(v, 5.0) {
		t.Fatalf("expected +5%%, got %g", v)
	}

	// 02:00 next local day still belongs to the old reference.
	next := ref.Add(23 * time.Hour) // 02:00 local on Mar 3
	v = d.Update(next.UnixMilli(), 190)
	if !almostEqual(v, -5.0) {
		t.Fatalf("pre-03:00 bar must keep old reference, got %g", v)
	}

	// 03:30 local re-captures.
	v = d.Update(ref.Add(24*time.Hour+30*time.Minute).UnixMilli(), 190)
	if !almostEqual(v, 0) {
		t.Fatalf("new day's first bar after 03:00 must read 0%%, got %g", v)
	}
}

func TestEngineReplayMatchesIncremental(t *testing.T) {
	closes := []float64{
		100, 101, 100.5, 102, 101.5, 103, 102.8, 104, 103.2, 105,
		104.1, 106, 105.5, 107, 106.2, 108, 107.4, 109, 108.1, 110,
		109.5, 111, 110.3, 112, 111.8, 113, 112.5, 114, 113.7, 115,
		114.2, 116, 115.9, 117, 116.1, 118, 117.6, 119, 118.3, 120,
	}
	bars := make([]model.RangeBar, len(closes))
	for i, c := range closes {
		bars[i] = mkBar(i, c)
	}

	// One engine sees everything live; the other replays the first half as
	// history then continues live.
	live := NewEngine(time.UTC)
	var liveRows []model.IndicatorRow
	for _, b := range bars {
		if row, ok := live.Process(b); ok {
			liveRows = append(liveRows, row)
		}
	}

	split := NewEngine(time.UTC)
	rows := split.InitFromHistory(bars[:20])
	rows = append(rows, split.ProcessAll(bars[20:])...)

	if len(rows) != len(liveRows) {
		t.Fatalf("row count mismatch: %d vs %d", len(rows), len(liveRows))
	}
	for i := range rows {
		a, b := rows[i], liveRows[i]
		if !almostEqual(a.RSI, b.RSI) || !almostEqual(a.RSISignal, b.RSISignal) {
			t.Errorf("row %d RSI mismatch: %g/%g vs %g/%g", i, a.RSI, a.RSISignal, b.RSI, b.RSISignal)
		}
		if !almostEqual(a.MA7, b.MA7) || !almostEqual(a.MA14, b.MA14) {
			t.Errorf("row %d MA mismatch", i)
		}
		if !almostEqual(a.DailyDiff, b.DailyDiff) {
			t.Errorf("row %d daily diff mismatch: %g vs %g", i, a.DailyDiff, b.DailyDiff)
		}
	}
}

func TestEngineSkipsAlreadyProcessed(t *testing.T) {
	e := NewEngine(time.UTC)
	b := mkBar(0, 100)
	if _, ok := e.Process(b); !ok {
		t.Fatal("first bar must process")
	}
	if _, ok := e.Process(b); ok {
		t.Fatal("duplicate bar must be skipped")
	}
	if _, ok := e.Process(mkBar(1, 101)); !ok {
		t.Fatal("newer bar must process")
	}
}

func TestEngineRowCarriesOHLCV(t *testing.T) {
	e := NewEngine(time.UTC)
	b := mkBar(3, 100)
	row, ok := e.Process(b)
	if !ok {
		t.Fatal("expected row")
	}
	if row.OpenTime != b.OpenTime || row.Open != b.Open || row.Close != b.Close || row.Volume != b.Volume {
		t.Errorf("row must carry bar OHLCV: %+v", row)
	}
	if !math.IsNaN(row.RSI) || !math.IsNaN(row.MA500) || !math.IsNaN(row.Fib500) {
		t.Error("first row must have NaN indicators")
	}
	// MA2 needs two closes.
	row2, _ := e.Process(mkBar(4, 102))
	if !almostEqual(row2.MA2, 101.0) {
		t.Errorf("MA2 after two closes: got %g", row2.MA2)
	}
}
