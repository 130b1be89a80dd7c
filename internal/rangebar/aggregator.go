// Package rangebar converts the 1-second kline stream into fixed-range bars.
// A bar completes when its high-low span reaches the configured range size;
// each completed bar seeds the next one from its close price.
package rangebar

import (
	"log"
	"math"

	"rangeflow/internal/model"
)

// currentBar tracks the in-progress bar and the klines accumulated into it.
type currentBar struct {
	openPrice float64
	high      float64
	low       float64
	close     float64
	openTime  int64
	closeTime int64
}

// Aggregator holds the in-progress bar state. Not safe for concurrent use;
// the pipeline drives it from a single goroutine.
type Aggregator struct {
	rangeSize float64
	cur       *currentBar
	klines    []model.Kline

	// OnLargeJump is called when one kline spans two or more bar ranges.
	OnLargeJump func(move float64, bars int)
}

// NewAggregator creates an aggregator producing bars of span rangeSize.
func NewAggregator(rangeSize float64) *Aggregator {
	return &Aggregator{rangeSize: rangeSize}
}

// RangeSize returns the configured bar span.
func (a *Aggregator) RangeSize() float64 { return a.rangeSize }

// ProcessAll feeds a chronological batch of klines through the aggregator
// and returns every bar completed by the batch.
func (a *Aggregator) ProcessAll(klines []model.Kline) []model.RangeBar {
	var out []model.RangeBar
	for _, k := range klines {
		out = append(out, a.Process(k)...)
	}
	return out
}

// Process feeds one kline into the current bar. Most klines return nothing;
// a kline that pushes the span to the range size returns one completed bar,
// and a kline jumping two or more ranges returns up to two.
func (a *Aggregator) Process(k model.Kline) []model.RangeBar {
	price := k.Close
	ts := k.CloseTime

	if a.cur != nil {
		move := math.Abs(price - a.cur.openPrice)
		if int(move/a.rangeSize) >= 2 {
			return a.largeJump(price, ts, k)
		}
	}

	a.klines = append(a.klines, k)

	if a.cur == nil {
		a.cur = &currentBar{
			openPrice: price,
			high:      k.High,
			low:       k.Low,
			close:     price,
			openTime:  k.OpenTime,
			closeTime: ts,
		}
		return nil
	}

	a.cur.high = math.Max(a.cur.high, k.High)
	a.cur.low = math.Min(a.cur.low, k.Low)
	a.cur.close = price
	a.cur.closeTime = ts

	if a.cur.high-a.cur.low >= a.rangeSize {
		bar := a.completedBar(a.cur.openPrice, a.cur.high, a.cur.low, a.cur.close,
			a.klines, a.cur.openTime, a.cur.closeTime)

		// Next bar opens at the completed close.
		seed := a.cur.close
		a.cur = &currentBar{
			openPrice: seed,
			high:      seed,
			low:       seed,
			close:     seed,
			openTime:  ts,
			closeTime: ts,
		}
		a.klines = nil
		return []model.RangeBar{bar}
	}
	return nil
}

// largeJump completes the current bar exactly at the range boundary and, when
// the remaining move still covers a full range, emits a second bar for it.
// No artificial intermediate bars are synthesised; at most two bars come out
// of a single kline no matter how far price jumped.
func (a *Aggregator) largeJump(price float64, ts int64, k model.Kline) []model.RangeBar {
	open := a.cur.openPrice
	move := math.Abs(price - open)
	possible := int(move / a.rangeSize)

	log.Printf("[rangebar] large price jump: %.4f (%d possible bars)", move, possible)
	if a.OnLargeJump != nil {
		a.OnLargeJump(move, possible)
	}

	var completedHigh, completedLow, completedClose float64
	if price > open {
		completedHigh = open + a.rangeSize
		completedLow = a.cur.low
		completedClose = completedHigh
	} else {
		completedHigh = a.cur.high
		completedLow = open - a.rangeSize
		completedClose = completedLow
	}

	out := []model.RangeBar{
		a.completedBar(open, completedHigh, completedLow, completedClose,
			a.klines, a.cur.openTime, ts),
	}

	remaining := math.Abs(price - completedClose)
	if remaining >= a.rangeSize {
		// The rest of the jump forms one more bar attributed entirely to the
		// triggering kline. It may exceed the range size for extreme moves.
		var high, low float64
		if price > completedClose {
			high, low = price, completedClose
		} else {
			high, low = completedClose, price
		}
		out = append(out, a.completedBar(completedClose, high, low, price,
			[]model.Kline{k}, ts, ts))

		a.cur = &currentBar{
			openPrice: price,
			high:      price,
			low:       price,
			close:     price,
			openTime:  ts,
			closeTime: ts,
		}
		a.klines = nil
	} else {
		a.cur = &currentBar{
			openPrice: completedClose,
			high:      math.Max(completedClose, price),
			low:       math.Min(completedClose, price),
			close:     price,
			openTime:  ts,
			closeTime: ts,
		}
		a.klines = []model.Kline{k}
	}
	return out
}

// completedBar aggregates the accumulated klines into a finalized bar.
// Taker buy volumes are not available per kline, so they are estimated as
// half of the totals.
func (a *Aggregator) completedBar(open, high, low, close float64,
	klines []model.Kline, openTime, closeTime int64) model.RangeBar {

	var volume, quoteVolume float64
	var trades int64
	for i := range klines {
		volume += klines[i].Volume
		quoteVolume += klines[i].QuoteVolume
		trades += klines[i].Trades
	}

	return model.RangeBar{
		OpenTime:      openTime,
		CloseTime:     closeTime,
		Open:          open,
		High:          high,
		Low:           low,
		Close:         close,
		Volume:        volume,
		QuoteVolume:   quoteVolume,
		Trades:        trades,
		TakerBuyBase:  volume * 0.5,
		TakerBuyQuote: quoteVolume * 0.5,
	}
}

// Progress reports the in-progress bar's span as a fraction of the range
// size, plus the number of klines accumulated. Used by the status line.
func (a *Aggregator) Progress() (fraction float64, klines int) {
	if a.cur == nil {
		return 0, 0
	}
	return (a.cur.high - a.cur.low) / a.rangeSize, len(a.klines)
}

// Current returns a snapshot of the in-progress bar, or nil before the first
// kline arrives.
func (a *Aggregator) Current() *model.RangeBar {
	if a.cur == nil {
		return nil
	}
	return &model.RangeBar{
		OpenTime:  a.cur.openTime,
		CloseTime: a.cur.closeTime,
		Open:      a.cur.openPrice,
		High:      a.cur.high,
		Low:       a.cur.low,
		Close:     a.cur.close,
	}
}
