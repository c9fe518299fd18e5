package loyalty

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCrossedThresholds(t *testing.T) {
	tests := []struct {
		name                    string
		before, after, interval int64
		want                    []int64
	}{
		{"none", 0, 49, 50, nil},
		{"exact", 0, 50, 50, []int64{50}},
		{"from threshold", 50, 99, 50, nil},
		{"multi", 40, 160, 50, []int64{50, 100, 150}},
		{"from negative", -60, 50, 50, []int64{50}},
		{"decrease", 100, 40, 50, nil},
		{"zero interval", 0, 100, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CrossedThresholds(tt.before, tt.after, tt.interval))
		})
	}
}

func TestCrossedThresholds_NearMaxInt64(t *testing.T) {
	got := CrossedThresholds(math.MaxInt64-3, math.MaxInt64, 1)
	assert.Equal(t, []int64{math.MaxInt64 - 2, math.MaxInt64 - 1, math.MaxInt64}, got)

	got = CrossedThresholds(math.MaxInt64-100, math.MaxInt64, 50)
	assert.Len(t, got, 2)
	for _, th := range got {
		assert.Positive(t, th)
		assert.Zero(t, th%50)
	}
}

func TestCrossingRange_LargeSpan(t *testing.T) {
	first, last := crossingRange(0, 1_000_000_000_000, 50)
	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(20_000_000_000), last)
}
