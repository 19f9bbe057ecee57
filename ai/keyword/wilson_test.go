package keyword

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWilsonLowerBound_NoObservations(t *testing.T) {
	score := WilsonLowerBound(0, 0)
	assert.Equal(t, NeutralScore, score)
	assert.False(t, math.IsNaN(score))
}

func TestWilsonLowerBound_KnownValues(t *testing.T) {
	tests := []struct {
		name     string
		pos, neg int64
		want     float64
	}{
		{"mostly negative", 1, 9, 0.0179},
		{"mostly positive", 9, 1, 0.5958},
		{"single positive", 1, 0, 0.2065},
		{"single negative", 0, 1, 0},
		{"large balanced", 500, 500, 0.4691},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, WilsonLowerBound(tt.pos, tt.neg), 1e-3)
		})
	}
}

func TestWilsonLowerBound_Monotonic(t *testing.T) {
	for neg := int64(0); neg <= 40; neg++ {
		prev := -1.0
		for pos := int64(0); pos <= 40; pos++ {
			if pos+neg == 0 {
				continue
			}
			s := WilsonLowerBound(pos, neg)
			assert.GreaterOrEqual(t, s, prev, "pos=%d neg=%d", pos, neg)
			assert.True(t, s >= 0 && s <= 1)
			prev = s
		}
	}
	for pos := int64(0); pos <= 40; pos++ {
		prev := 2.0
		for neg := int64(0); neg <= 40; neg++ {
			if pos+neg == 0 {
				continue
			}
			s := WilsonLowerBound(pos, neg)
			assert.LessOrEqual(t, s, prev, "pos=%d neg=%d", pos, neg)
			prev = s
		}
	}
}

func TestSpecificity(t *testing.T) {
	assert.Equal(t, 1.0, Specificity(0))
	assert.Equal(t, 1.0, Specificity(1))
	assert.Equal(t, 0.25, Specificity(4))
}
