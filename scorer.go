package driftguard

import (
	"time"

	"gonum.org/v1/gonum/floats"
)

// CompositeScore is the multi-scale anomaly verdict for one identity at one
// instant. Signature feeds the correlation detector only and is rebuilt from
// scratch on every evaluation, never mutated.
type CompositeScore struct {
	PerScale   map[time.Duration]float64 `json:"perScale"`
	Combined   float64                   `json:"combined"`
	Signature  []float64                 `json:"-"`
	ComputedAt time.Time                 `json:"computedAt"`
}

// Flagged reports whether the combined score crosses the given threshold.
func (cs *CompositeScore) Flagged(threshold float64) bool {
	return cs != nil && cs.Combined >= threshold
}

// Scorer turns per-scale window statistics into composite anomaly scores.
// Weights are policy: short scales buy burst sensitivity, long scales buy
// slow-burn sensitivity.
type Scorer struct {
	weights map[time.Duration]float64
	sigLen  int
}

// NewScorer builds a scorer from validated config. The signature length is
// pinned to the finest ring size so every identity emits vectors of the same
// dimension.
func NewScorer(cfg *Config) *Scorer {
	return &Scorer{
		weights: cfg.ScaleWeights,
		sigLen:  int(cfg.FinestSpan() / cfg.BucketWidth),
	}
}

// Score computes per-scale z-scores from the projected current rate of each
// window and combines them with the configured weights. The first window is
// expected to be the finest scale; its recent bucket history becomes the
// correlation signature.
func (s *Scorer) Score(windows []*WindowState, now time.Time) *CompositeScore {
	cs := &CompositeScore{
		PerScale:   make(map[time.Duration]float64, len(windows)),
		ComputedAt: now,
	}
	for _, w := range windows {
		z := w.Stats().ZScore(w.CurrentRate(now))
		cs.PerScale[w.Span()] = z
		cs.Combined += s.weights[w.Span()] * z
	}
	if len(windows) > 0 {
		cs.Signature = s.signature(windows[0], now)
	}
	return cs
}

// signature converts the finest window's recent per-bucket rates into a
// normalized z-score shape vector. Identities moving in lockstep produce
// near-parallel vectors regardless of their absolute volume, which is exactly
// what the correlation pass needs.
func (s *Scorer) signature(w *WindowState, now time.Time) []float64 {
	rates := w.RecentRates(now, s.sigLen)
	sig := make([]float64, len(rates))
	st := w.Stats()
	for i, r := range rates {
		sig[i] = st.ZScore(r)
	}
	if norm := floats.Norm(sig, 2); norm > 0 {
		floats.Scale(1/norm, sig)
	}
	return sig
}
