package indicator

import "math"

// RSI calculates the Relative Strength Index using Wilder's smoothing method.
// Update is O(1) per bar — no history scans. Returns NaN until length+1
// closes have been seen; the first value seeds the averages with a plain SMA
// of the initial gains and losses.
type RSI struct {
	length    int
	count     int
	prevClose float64
	avgGain   float64
	avgLoss   float64
}

// NewRSI creates an RSI calculator with the given length (typically 14).
func NewRSI(length int) *RSI {
	return &RSI{length: length}
}

// Update consumes one close and returns the current RSI, or NaN while the
// seed window is still filling.
func (r *RSI) Update(price float64) float64 {
	r.count++

	if r.count == 1 {
		// First close — just record it, no delta yet.
		r.prevClose = price
		return math.NaN()
	}

	delta := price - r.prevClose
	r.prevClose = price

	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else if delta < 0 {
		loss = -delta
	}

	if r.count <= r.length+1 {
		// Accumulation phase: build the SMA seed.
		r.avgGain += gain
		r.avgLoss += loss
		if r.count < r.length+1 {
			return math.NaN()
		}
		r.avgGain /= float64(r.length)
		r.avgLoss /= float64(r.length)
		return r.value()
	}

	// Wilder's smoothing: avg = (prevAvg * (length-1) + delta) / length
	n := float64(r.length)
	r.avgGain = (r.avgGain*(n-1) + gain) / n
	r.avgLoss = (r.avgLoss*(n-1) + loss) / n
	return r.value()
}

// value maps the smoothed averages onto 0..100. The zero-loss branch runs
// first, so an all-flat seed reads 100 rather than 0.
func (r *RSI) value() float64 {
	if r.avgLoss == 0 {
		return 100.0
	}
	if r.avgGain == 0 {
		return 0.0
	}
	rs := r.avgGain / r.avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// Ready reports whether the seed window has filled.
func (r *RSI) Ready() bool { return r.count > r.length }
