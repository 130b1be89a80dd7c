package indicator

import "math"

// FibLevels holds the retracement grid over the rolling window. The upper
// levels hang off the window maximum, the lower ones build up from the
// minimum, so the grid is intentionally asymmetric around the midpoint.
type FibLevels struct {
	L100 float64 // window max
	L764 float64 // max - 0.236 * range
	L618 float64 // max - 0.382 * range
	L500 float64 // midpoint
	L382 float64 // min + 0.382 * range
	L236 float64 // min + 0.236 * range
	L000 float64 // window min
}

func nanLevels() FibLevels {
	nan := math.NaN()
	return FibLevels{L100: nan, L764: nan, L618: nan, L500: nan, L382: nan, L236: nan, L000: nan}
}

// Fibonacci computes retracement levels over a rolling window of closes.
// The window scan is linear; at the default length of 5000 and one bar per
// second worst case that is well under the update budget.
type Fibonacci struct {
	length int
	buf    []float64
	idx    int
	count  int
}

// NewFibonacci creates a retracement calculator over a window of length closes.
func NewFibonacci(length int) *Fibonacci {
	return &Fibonacci{
		length: length,
		buf:    make([]float64, length),
	}
}

// Update consumes one close and returns the current levels, or NaN levels
// while the window is filling.
func (f *Fibonacci) Update(price float64) FibLevels {
	f.buf[f.idx] = price
	f.idx = (f.idx + 1) % f.length
	f.count++

	if f.count < f.length {
		return nanLevels()
	}

	maxr, minr := f.buf[0], f.buf[0]
	for _, p := range f.buf[1:] {
		if p > maxr {
			maxr = p
		}
		if p < minr {
			minr = p
		}
	}
	ranr := maxr - minr

	return FibLevels{
		L100: maxr,
		L764: maxr - 0.236*ranr,
		L618: maxr - 0.382*ranr,
		L500: maxr - 0.50*ranr,
		L382: minr + 0.382*ranr,
		L236: minr + 0.236*ranr,
		L000: minr,
	}
}

// Ready reports whether the window has filled.
func (f *Fibonacci) Ready() bool { return f.count >= f.length }
