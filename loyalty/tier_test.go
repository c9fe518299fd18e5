package loyalty

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierFor(t *testing.T) {
	tests := []struct {
		entries int
		want    Tier
		name    string
	}{
		{0, TierNone, "none"},
		{1, TierBronze, "bronze"},
		{4, TierBronze, "bronze"},
		{5, TierSilver, "silver"},
		{9, TierSilver, "silver"},
		{10, TierGold, "gold"},
		{250, TierGold, "gold"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TierFor(tt.entries), "entries=%d", tt.entries)
		assert.Equal(t, tt.name, TierFor(tt.entries).String())
	}
}

func TestTierFor_Monotonic(t *testing.T) {
	prev := TierFor(0)
	for n := 1; n <= 50; n++ {
		cur := TierFor(n)
		assert.GreaterOrEqual(t, cur, prev, "entries=%d", n)
		prev = cur
	}
}

func TestEntriesToNext(t *testing.T) {
	assert.Equal(t, 1, EntriesToNext(0))
	assert.Equal(t, 4, EntriesToNext(1))
	assert.Equal(t, 1, EntriesToNext(4))
	assert.Equal(t, 5, EntriesToNext(5))
	assert.Equal(t, 1, EntriesToNext(9))
	assert.Equal(t, 0, EntriesToNext(10))
}
