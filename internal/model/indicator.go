package model

import "encoding/json"

// IndicatorRow carries the indicator battery computed for exactly one
// completed range bar. Values for indicators whose windows have not filled
// yet are NaN; NaN propagates into dependent values.
type IndicatorRow struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`

	// DailyDiff is the percent change of the close against the day's
	// 03:00 local-time reference close.
	DailyDiff float64 `json:"daily_diff"`

	RSI       float64 `json:"rsi"`
	RSISignal float64 `json:"rsi_signal"`

	MA2   float64 `json:"ma2"`
	MA7   float64 `json:"ma7"`
	MA14  float64 `json:"ma14"`
	MA50  float64 `json:"ma50"`
	MA100 float64 `json:"ma100"`
	MA200 float64 `json:"ma200"`
	MA350 float64 `json:"ma350"`
	MA500 float64 `json:"ma500"`

	// Fibonacci retracement levels over the rolling window, highest first.
	Fib100 float64 `json:"fib_100"`
	Fib764 float64 `json:"fib_764"`
	Fib618 float64 `json:"fib_618"`
	Fib500 float64 `json:"fib_500"`
	Fib382 float64 `json:"fib_382"`
	Fib236 float64 `json:"fib_236"`
	Fib000 float64 `json:"fib_000"`
}

// JSON returns the JSON-encoded row, or nil when the row still contains
// NaN values (encoding/json rejects NaN). The Redis publisher skips nil
// payloads, so rows are only published once every window has filled.
func (r *IndicatorRow) JSON() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return data
}
