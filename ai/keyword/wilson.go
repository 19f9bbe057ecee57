package keyword

import "math"

// NeutralScore seeds a record that has no feedback yet.
const NeutralScore = 0.5

// wilsonZ is the normal quantile for a 95% two-sided interval.
const wilsonZ = 1.96

// WilsonLowerBound returns the lower bound of the Wilson score interval for
// the true positive rate given the observed counts. With no observations it
// returns NeutralScore.
func WilsonLowerBound(positive, negative int64) float64 {
	n := float64(positive + negative)
	if n <= 0 {
		return NeutralScore
	}
	p := float64(positive) / n
	z2 := wilsonZ * wilsonZ

	centre := p + z2/(2*n)
	margin := wilsonZ * math.Sqrt(p*(1-p)/n+z2/(4*n*n))
	bound := (centre - margin) / (1 + z2/n)

	// Rounding can push the bound a hair outside [0,1] at the extremes.
	return math.Min(1, math.Max(0, bound))
}
