package driftguard

import "math"

// zScoreEpsilon is the stddev floor used when scoring so a flat baseline
// does not divide by zero.
const zScoreEpsilon = 1e-9

// Welford accumulates a running mean and sum of squared deviations without
// storing sample history, per Welford's online algorithm. Count is a float so
// the exponential forgetting factor can scale it together with M2.
type Welford struct {
	Mean  float64
	M2    float64
	Count float64
}

// Update folds one sample into the accumulator in O(1).
func (s *Welford) Update(sample float64) {
	s.Count++
	delta := sample - s.Mean
	s.Mean += delta / s.Count
	delta2 := sample - s.Mean
	s.M2 += delta * delta2
	if s.M2 < 0 {
		s.M2 = 0
	}
}

// Decay applies the forgetting factor to M2 and Count, shrinking the weight
// of history without touching the mean. The sample count shrinking faster
// than M2's denominator means perceived variability never drops below the
// undecayed baseline.
func (s *Welford) Decay(factor float64) {
	s.M2 *= factor
	s.Count *= factor
}

// Variance returns the unbiased sample variance, or zero while it is
// undefined (fewer than two samples).
func (s *Welford) Variance() float64 {
	if s.Count < 2 {
		return 0
	}
	return s.M2 / (s.Count - 1)
}

// StdDev returns the sample standard deviation.
func (s *Welford) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

// ZScore measures how many standard deviations the observation sits from the
// tracked mean. With fewer than two samples variance is undefined and the
// score is zero rather than an error.
func (s *Welford) ZScore(observed float64) float64 {
	if s.Count < 2 {
		return 0
	}
	return (observed - s.Mean) / math.Max(s.StdDev(), zScoreEpsilon)
}
