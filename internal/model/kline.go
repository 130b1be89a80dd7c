package model

import "time"

// Kline is a single 1-second OHLCV interval for the subscribed symbol,
// produced either by the live stream or by a historical backfill query.
// Timestamps are epoch milliseconds (UTC), matching the exchange wire format.
type Kline struct {
	OpenTime    int64   `json:"open_time"`
	CloseTime   int64   `json:"close_time"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	QuoteVolume float64 `json:"quote_volume"`
	Trades      int64   `json:"trades"`
	Final       bool    `json:"is_final"` // interval has closed on the exchange
}

// OpenAt returns the kline's open time as a time.Time in UTC.
func (k *Kline) OpenAt() time.Time {
	return time.UnixMilli(k.OpenTime).UTC()
}
