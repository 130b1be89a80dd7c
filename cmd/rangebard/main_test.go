package main

import (
	"math"
	"testing"
)

func TestRangeSizeFromTick(t *testing.T) {
	cases := []struct {
		name       string
		configured float64
		tick       float64
		want       float64
	}{
		{"unset defaults to one tick", 0, 0.01, 0.01},
		{"negative defaults to one tick", -1, 0.001, 0.001},
		{"exact multiple kept", 0.05, 0.01, 0.05},
		{"rounded up to tick multiple", 0.015, 0.01, 0.02},
		{"below one tick rounds to one tick", 0.004, 0.01, 0.01},
	}
	for _, tc := range cases {
		got := rangeSizeFromTick(tc.configured, tc.tick)
		if math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("%s: rangeSizeFromTick(%g, %g) = %g, want %g",
				tc.name, tc.configured, tc.tick, got, tc.want)
		}
	}
}
