package model

import "encoding/json"

// RangeBar is a completed fixed-range bar. Its boundary is defined by price
// span (high - low reaching the configured range size), not by wall-clock
// time. Immutable once emitted by the aggregator.
//
// TakerBuyBase/TakerBuyQuote are an even split of the totals: taker-side
// volume is not observable from kline aggregates, so the values are an
// estimate, not a measurement.
type RangeBar struct {
	OpenTime      int64   `json:"open_time"`
	CloseTime     int64   `json:"close_time"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	Volume        float64 `json:"volume"`
	QuoteVolume   float64 `json:"quote_volume"`
	Trades        int64   `json:"trades"`
	TakerBuyBase  float64 `json:"taker_buy_base"`
	TakerBuyQuote float64 `json:"taker_buy_quote"`
}

// Span returns the bar's price range (high - low).
func (b *RangeBar) Span() float64 {
	return b.High - b.Low
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *RangeBar) JSON() []byte {
	data, _ := json.Marshal(b)
	return data
}
