package indicator

import (
	"log"
	"math"
	"time"

	"rangeflow/internal/model"
)

// Engine computes the full indicator row for every completed range bar.
// Designed for single-goroutine usage — no locks needed. History replay and
// live updates run through the same Process path, so restarting from a CSV
// of bars reproduces the exact values a continuous run would have produced.
type Engine struct {
	rsi       *RSI
	rsiSignal *SMA
	dailyDiff *DailyDiff
	fibonacci *Fibonacci

	// Price moving averages, ordered short to long. Names follow the
	// output column contract; short21 is historically the 14-length MA.
	ma2, ma7, ma14, ma50       *SMA
	ma100, ma200, ma350, ma500 *SMA

	initialized   bool
	lastProcessed int64 // open time ms of the newest processed bar
}

// NewEngine creates an indicator engine with the standard calculator set.
// loc supplies the 03:00 day boundary for the daily difference.
func NewEngine(loc *time.Location) *Engine {
	return &Engine{
		rsi:       NewRSI(14),
		rsiSignal: NewSMA(36),
		dailyDiff: NewDailyDiff(loc),
		fibonacci: NewFibonacci(5000),
		ma2:       NewSMA(2),
		ma7:       NewSMA(7),
		ma14:      NewSMA(14),
		ma50:      NewSMA(50),
		ma100:     NewSMA(100),
		ma200:     NewSMA(200),
		ma350:     NewSMA(350),
		ma500:     NewSMA(500),
	}
}

// InitFromHistory replays historical bars through the normal update path and
// returns the computed rows. Call once at startup before live processing.
func (e *Engine) InitFromHistory(bars []model.RangeBar) []model.IndicatorRow {
	if len(bars) == 0 {
		e.initialized = true
		return nil
	}

	log.Printf("[indicator] initializing from %d bars", len(bars))
	rows := make([]model.IndicatorRow, 0, len(bars))
	for i := range bars {
		if row, ok := e.Process(bars[i]); ok {
			rows = append(rows, row)
		}
	}
	e.initialized = true
	log.Printf("[indicator] initialized, ready: %v", e.Ready())
	return rows
}

// Process consumes one completed bar and returns its indicator row. Bars at
// or before the newest processed open time are skipped, which makes replay
// followed by live updates exactly-once.
func (e *Engine) Process(bar model.RangeBar) (model.IndicatorRow, bool) {
	if e.lastProcessed != 0 && bar.OpenTime <= e.lastProcessed {
		return model.IndicatorRow{}, false
	}
	e.lastProcessed = bar.OpenTime

	close := bar.Close
	rsi := e.rsi.Update(close)

	// The signal line only advances on defined RSI values.
	rsiSignal := math.NaN()
	if !math.IsNaN(rsi) {
		rsiSignal = e.rsiSignal.Update(rsi)
	}

	fib := e.fibonacci.Update(close)

	return model.IndicatorRow{
		OpenTime:  bar.OpenTime,
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		Close:     close,
		Volume:    bar.Volume,
		DailyDiff: e.dailyDiff.Update(bar.OpenTime, close),
		RSI:       rsi,
		RSISignal: rsiSignal,
		MA2:       e.ma2.Update(close),
		MA7:       e.ma7.Update(close),
		MA14:      e.ma14.Update(close),
		MA50:      e.ma50.Update(close),
		MA100:     e.ma100.Update(close),
		MA200:     e.ma200.Update(close),
		MA350:     e.ma350.Update(close),
		MA500:     e.ma500.Update(close),
		Fib100:    fib.L100,
		Fib764:    fib.L764,
		Fib618:    fib.L618,
		Fib500:    fib.L500,
		Fib382:    fib.L382,
		Fib236:    fib.L236,
		Fib000:    fib.L000,
	}, true
}

// ProcessAll runs a chronological batch of bars through Process.
func (e *Engine) ProcessAll(bars []model.RangeBar) []model.IndicatorRow {
	var rows []model.IndicatorRow
	for i := range bars {
		if row, ok := e.Process(bars[i]); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

// Ready lists the calculators whose warm-up windows have filled.
func (e *Engine) Ready() []string {
	var ready []string
	if e.rsi.Ready() {
		ready = append(ready, "rsi")
	}
	if e.rsiSignal.Ready() {
		ready = append(ready, "rsi_ma50")
	}
	for _, m := range []struct {
		name string
		sma  *SMA
	}{
		{"short002", e.ma2}, {"short007", e.ma7}, {"short21", e.ma14}, {"short50", e.ma50},
		{"long100", e.ma100}, {"long200", e.ma200}, {"long350", e.ma350}, {"long500", e.ma500},
	} {
		if m.sma.Ready() {
			ready = append(ready, m.name)
		}
	}
	if e.fibonacci.Ready() {
		ready = append(ready, "fibonacci")
	}
	return ready
}

// LastProcessed returns the open time of the newest processed bar.
func (e *Engine) LastProcessed() int64 { return e.lastProcessed }
