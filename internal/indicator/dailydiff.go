package indicator

import (
	"math"
	"time"
)

// DailyDiff tracks the percent change of each close against the day's
// reference price. The reference is the first close at or after 03:00 local
// time; bars before 03:00 still compare against the previous day's
// reference. Returns NaN until the first reference has been captured.
type DailyDiff struct {
	loc      *time.Location
	refDay   string
	refPrice float64
}

// NewDailyDiff creates a daily-difference tracker using loc for the 03:00
// day boundary.
func NewDailyDiff(loc *time.Location) *DailyDiff {
	if loc == nil {
		loc = time.Local
	}
	return &DailyDiff{loc: loc, refPrice: math.NaN()}
}

// Update consumes one bar's open time and close and returns the percent
// change against the day's reference close.
func (d *DailyDiff) Update(openTimeMs int64, close float64) float64 {
	t := time.UnixMilli(openTimeMs).In(d.loc)

	// Shifting back three hours makes the date roll over exactly at 03:00,
	// so the first bar of each shifted day is the reference bar.
	day := t.Add(-3 * time.Hour).Format("2006-01-02")
	if day != d.refDay {
		d.refDay = day
		d.refPrice = close
	}

	if math.IsNaN(d.refPrice) || d.refPrice == 0 {
		return math.NaN()
	}
	return (close - d.refPrice) / d.refPrice * 100.0
}

// Reference returns the current reference price, NaN before the first capture.
func (d *DailyDiff) Reference() float64 { return d.refPrice }
