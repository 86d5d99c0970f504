package driftguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func scorerConfig(t *testing.T, spans ...time.Duration) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.WindowSpans = spans
	cfg.ScaleWeights = nil
	require.NoError(t, cfg.Validate())
	return cfg
}

func steadyWindow(span, width time.Duration, rate float64, buckets int) *WindowState {
	w := NewWindowState(span, width, windowEpoch)
	perBucket := int(rate * width.Seconds())
	for b := 0; b < buckets; b++ {
		ts := windowEpoch.Add(time.Duration(b) * width)
		for i := 0; i < perBucket; i++ {
			w.Record(ts)
		}
	}
	w.Fold(windowEpoch.Add(time.Duration(buckets)*width), 0)
	return w
}

func TestScorerSteadyTrafficScoresNearZero(t *testing.T) {
	cfg := scorerConfig(t, time.Minute)
	s := NewScorer(cfg)

	w := steadyWindow(time.Minute, cfg.BucketWidth, 2, 30)
	now := windowEpoch.Add(300*time.Second + 5*time.Second)
	for i := 0; i < 10; i++ {
		w.Record(now.Add(-time.Duration(i) * 400 * time.Millisecond))
	}

	score := s.Score([]*WindowState{w}, now)
	assert.Less(t, score.Combined, 1.5)
	assert.False(t, score.Flagged(cfg.FlagThreshold))
}

func TestScorerSpikeFlags(t *testing.T) {
	cfg := scorerConfig(t, time.Minute)
	s := NewScorer(cfg)

	w := steadyWindow(time.Minute, cfg.BucketWidth, 2, 30)
	// A 20x burst into the current bucket.
	now := windowEpoch.Add(305 * time.Second)
	burstStart := windowEpoch.Add(300 * time.Second)
	for i := 0; i < 200; i++ {
		w.Record(burstStart)
	}

	score := s.Score([]*WindowState{w}, now)
	assert.True(t, score.Flagged(cfg.FlagThreshold))
	assert.Greater(t, score.PerScale[time.Minute], cfg.FlagThreshold)
}

func TestScorerCombinedIsWeightedSum(t *testing.T) {
	cfg := scorerConfig(t, time.Minute, 10*time.Minute)
	s := NewScorer(cfg)

	fine := steadyWindow(time.Minute, cfg.BucketWidth, 2, 30)
	coarse := steadyWindow(10*time.Minute, cfg.BucketWidth, 2, 30)

	now := windowEpoch.Add(305 * time.Second)
	score := s.Score([]*WindowState{fine, coarse}, now)

	var want float64
	for span, z := range score.PerScale {
		want += cfg.ScaleWeights[span] * z
	}
	assert.InDelta(t, want, score.Combined, 1e-9)

	var weightSum float64
	for _, w := range cfg.ScaleWeights {
		weightSum += w
	}
	assert.InDelta(t, 1.0, weightSum, 1e-9)
}

func TestScorerSignatureNormalizedAndStable(t *testing.T) {
	cfg := scorerConfig(t, time.Minute)
	s := NewScorer(cfg)

	w := steadyWindow(time.Minute, cfg.BucketWidth, 2, 30)
	now := windowEpoch.Add(305 * time.Second)
	for i := 0; i < 60; i++ {
		w.Record(windowEpoch.Add(300 * time.Second))
	}

	score := s.Score([]*WindowState{w}, now)
	require.Len(t, score.Signature, 6)
	assert.InDelta(t, 1.0, floats.Norm(score.Signature, 2), 1e-9)
}

func TestScorerLockstepIdentitiesProduceParallelSignatures(t *testing.T) {
	cfg := scorerConfig(t, time.Minute)
	s := NewScorer(cfg)
	now := windowEpoch.Add(305 * time.Second)

	// Same traffic shape at 10x different volume.
	small := steadyWindow(time.Minute, cfg.BucketWidth, 1, 30)
	large := steadyWindow(time.Minute, cfg.BucketWidth, 10, 30)
	for i := 0; i < 30; i++ {
		small.Record(windowEpoch.Add(300 * time.Second))
	}
	for i := 0; i < 300; i++ {
		large.Record(windowEpoch.Add(300 * time.Second))
	}

	a := s.Score([]*WindowState{small}, now).Signature
	b := s.Score([]*WindowState{large}, now).Signature
	assert.Greater(t, cosine(a, b), 0.9)
}

func TestScorerInsufficientHistoryScoresZero(t *testing.T) {
	cfg := scorerConfig(t, time.Minute)
	s := NewScorer(cfg)

	w := NewWindowState(time.Minute, cfg.BucketWidth, windowEpoch)
	for i := 0; i < 100; i++ {
		w.Record(windowEpoch)
	}

	score := s.Score([]*WindowState{w}, windowEpoch.Add(5*time.Second))
	assert.Zero(t, score.Combined)
}
