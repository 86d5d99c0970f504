package driftguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var windowEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestWindowRecordCountsIntoCurrentBucket(t *testing.T) {
	w := NewWindowState(time.Minute, 10*time.Second, windowEpoch)

	for i := 0; i < 5; i++ {
		w.Record(windowEpoch.Add(time.Duration(i) * time.Second))
	}
	assert.Equal(t, uint64(5), w.countAt(windowEpoch))
}

func TestWindowRotationOpensZeroBuckets(t *testing.T) {
	w := NewWindowState(time.Minute, 10*time.Second, windowEpoch)
	w.Record(windowEpoch)
	w.Record(windowEpoch.Add(25 * time.Second))

	assert.Equal(t, uint64(1), w.countAt(windowEpoch))
	assert.Equal(t, uint64(0), w.countAt(windowEpoch.Add(10*time.Second)))
	assert.Equal(t, uint64(1), w.countAt(windowEpoch.Add(20*time.Second)))
}

func TestWindowFoldConvertsClosedBucketsToRates(t *testing.T) {
	w := NewWindowState(time.Minute, 10*time.Second, windowEpoch)

	// Two closed buckets: 20 requests then 40 requests.
	for i := 0; i < 20; i++ {
		w.Record(windowEpoch.Add(time.Duration(i%10) * time.Second))
	}
	for i := 0; i < 40; i++ {
		w.Record(windowEpoch.Add(10*time.Second + time.Duration(i%10)*time.Second))
	}

	now := windowEpoch.Add(20 * time.Second)
	folded := w.Fold(now, 0)

	require.Equal(t, 2, folded)
	st := w.Stats()
	// Rates 2/s and 4/s.
	assert.InDelta(t, 3.0, st.Mean, 1e-9)
	assert.InDelta(t, 2.0, st.Count, 1e-9)
}

func TestWindowFoldIsIdempotentPerBucket(t *testing.T) {
	w := NewWindowState(time.Minute, 10*time.Second, windowEpoch)
	w.Record(windowEpoch)

	now := windowEpoch.Add(10 * time.Second)
	require.Equal(t, 1, w.Fold(now, 0))
	require.Equal(t, 0, w.Fold(now, 0))
	require.Equal(t, 0, w.Fold(now, 0))
	assert.InDelta(t, 1.0, w.Stats().Count, 1e-9)
}

func TestWindowIdleGapFoldsImplicitZeros(t *testing.T) {
	w := NewWindowState(time.Minute, 10*time.Second, windowEpoch)
	w.Record(windowEpoch)

	// 30s of silence: the closed bucket plus two idle buckets fold as
	// three samples, two of them zero.
	now := windowEpoch.Add(30 * time.Second)
	w.Record(now)
	folded := w.Fold(now, 0)

	require.Equal(t, 3, folded)
	st := w.Stats()
	assert.InDelta(t, 3.0, st.Count, 1e-9)
	// Samples 0.1, 0, 0: idle periods drag the mean down and keep the
	// variance honest.
	assert.InDelta(t, 0.1/3, st.Mean, 1e-9)
	assert.Greater(t, st.Variance(), 0.0)
}

func TestWindowFoldBoundedByMaxFolds(t *testing.T) {
	w := NewWindowState(time.Minute, 10*time.Second, windowEpoch)
	w.Record(windowEpoch)

	// A week of idle time cannot cost a week of folds.
	now := windowEpoch.Add(7 * 24 * time.Hour)
	folded := w.Fold(now, 12)
	assert.LessOrEqual(t, folded, 12)
	assert.InDelta(t, 12.0, w.Stats().Count, 1e-9)
}

func TestWindowFullRingSkipReanchors(t *testing.T) {
	w := NewWindowState(time.Minute, 10*time.Second, windowEpoch)
	w.Record(windowEpoch)

	later := windowEpoch.Add(10 * time.Minute)
	w.Record(later)

	assert.Equal(t, uint64(1), w.countAt(later.Truncate(10*time.Second)))
	// The original bucket left the ring.
	assert.Equal(t, uint64(0), w.countAt(windowEpoch))
}

func TestWindowCurrentRateProjection(t *testing.T) {
	w := NewWindowState(time.Minute, 10*time.Second, windowEpoch)
	for i := 0; i < 10; i++ {
		w.Record(windowEpoch.Add(time.Duration(i) * 100 * time.Millisecond))
	}

	// 10 requests in 5 elapsed seconds projects to 2/s.
	assert.InDelta(t, 2.0, w.CurrentRate(windowEpoch.Add(5*time.Second)), 1e-9)

	// The projection floor stops one instant request reading as a flood.
	w2 := NewWindowState(time.Minute, 10*time.Second, windowEpoch)
	w2.Record(windowEpoch)
	assert.LessOrEqual(t, w2.CurrentRate(windowEpoch.Add(time.Millisecond)), 1.0)
}

func TestWindowCurrentRateZeroAfterSilence(t *testing.T) {
	w := NewWindowState(time.Minute, 10*time.Second, windowEpoch)
	for i := 0; i < 50; i++ {
		w.Record(windowEpoch.Add(time.Duration(i%10) * time.Second))
	}

	// Evaluated on the boundary, the bucket that just closed is still the
	// current one.
	assert.InDelta(t, 5.0, w.CurrentRate(windowEpoch.Add(10*time.Second)), 1e-9)

	// After a full bucket of silence the current bucket is an empty one the
	// head never reached; the burst must not keep reading as in progress.
	assert.Zero(t, w.CurrentRate(windowEpoch.Add(20*time.Second)))

	rates := w.RecentRates(windowEpoch.Add(25*time.Second), 3)
	require.Len(t, rates, 3)
	assert.InDelta(t, 5.0, rates[0], 1e-9)
	assert.Zero(t, rates[1])
	assert.Zero(t, rates[2])
}

func TestWindowRecentRatesOrderedOldestFirst(t *testing.T) {
	w := NewWindowState(time.Minute, 10*time.Second, windowEpoch)
	// Bucket counts 1, 2, 3 across three consecutive buckets.
	w.Record(windowEpoch)
	for i := 0; i < 2; i++ {
		w.Record(windowEpoch.Add(10 * time.Second))
	}
	for i := 0; i < 3; i++ {
		w.Record(windowEpoch.Add(20 * time.Second))
	}

	now := windowEpoch.Add(29 * time.Second)
	rates := w.RecentRates(now, 3)
	require.Len(t, rates, 3)
	assert.InDelta(t, 0.1, rates[0], 1e-9)
	assert.InDelta(t, 0.2, rates[1], 1e-9)
	assert.Greater(t, rates[2], 0.0)
}

func TestWindowSeedPrimesBaseline(t *testing.T) {
	w := NewWindowState(time.Minute, 10*time.Second, windowEpoch)
	w.Seed(1.0, 10)

	st := w.Stats()
	assert.InDelta(t, 10.0, st.Count, 1e-9)
	assert.InDelta(t, 1.0, st.Mean, 1e-9)
}
