package indicator

import "math"

// SMA calculates a simple moving average over a rolling window.
// Uses a preallocated circular buffer for a zero-allocation hot path.
// Returns NaN until the window has filled; NaN inputs are ignored so a
// dependent series (like the RSI signal line) only averages defined values.
type SMA struct {
	length int
	buf    []float64
	idx    int
	count  int
	sum    float64
}

// NewSMA creates an SMA calculator with the given window length.
func NewSMA(length int) *SMA {
	return &SMA{
		length: length,
		buf:    make([]float64, length),
	}
}

// Update consumes one value and returns the current average, or NaN while
// the window is filling. A NaN input leaves the window untouched.
func (s *SMA) Update(value float64) float64 {
	if math.IsNaN(value) {
		return math.NaN()
	}

	if s.count >= s.length {
		// Subtract the oldest value being overwritten.
		s.sum -= s.buf[s.idx]
	}

	s.buf[s.idx] = value
	s.sum += value
	s.idx = (s.idx + 1) % s.length
	s.count++

	if s.count < s.length {
		return math.NaN()
	}
	return s.sum / float64(s.length)
}

// Ready reports whether the window has filled.
func (s *SMA) Ready() bool { return s.count >= s.length }
