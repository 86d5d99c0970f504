package driftguard

import (
	"time"
)

// bucket is one fixed-width slice of a window ring. Immutable once rotated
// out of the current slot.
type bucket struct {
	start time.Time
	count uint64
}

// WindowState tracks one identity at one time scale: a fixed-capacity ring of
// request-count buckets plus the streaming statistics accumulated from closed
// buckets. Rotation on the record path is O(1) pointer movement only; the
// floating-point fold of closed buckets into the Welford accumulator is
// deferred to the evaluation cycle (see Fold).
type WindowState struct {
	span  time.Duration
	width time.Duration

	buckets []bucket
	head    int

	stats Welford

	// foldedThrough is the bucket boundary up to which closed buckets have
	// been folded into stats. Buckets in [foldedThrough, current) are closed
	// but not yet sampled.
	foldedThrough time.Time
	lastDecay     time.Time
	lastUpdate    time.Time
}

// NewWindowState builds the ring for one (identity, scale) pair, anchored at
// the bucket containing the first observation.
func NewWindowState(span, width time.Duration, first time.Time) *WindowState {
	n := int(span / width)
	w := &WindowState{
		span:    span,
		width:   width,
		buckets: make([]bucket, n),
	}
	start := first.Truncate(width)
	w.head = w.pos(start)
	w.buckets[w.head] = bucket{start: start}
	w.foldedThrough = start
	w.lastDecay = start
	w.lastUpdate = first
	return w
}

// pos maps an aligned bucket start time to its fixed ring slot.
func (w *WindowState) pos(start time.Time) int {
	idx := start.UnixNano() / int64(w.width)
	return int(idx % int64(len(w.buckets)))
}

// Record counts one event into the bucket containing ts, advancing the ring
// first if ts crossed one or more bucket boundaries.
func (w *WindowState) Record(ts time.Time) {
	w.advance(ts)
	w.buckets[w.head].count++
	if ts.After(w.lastUpdate) {
		w.lastUpdate = ts
	}
}

// advance moves the current slot forward until it covers now. It does no
// statistical work: newly opened buckets start at zero and closed buckets
// stay in the ring until Fold reads them.
func (w *WindowState) advance(now time.Time) {
	cur := w.buckets[w.head].start
	if now.Before(cur.Add(w.width)) {
		return
	}
	target := now.Truncate(w.width)
	steps := int(target.Sub(cur) / w.width)
	if steps >= len(w.buckets) {
		// The whole ring was skipped; reanchor and let Fold account the gap
		// as implicit zero samples.
		for i := range w.buckets {
			w.buckets[i] = bucket{}
		}
		w.head = w.pos(target)
		w.buckets[w.head] = bucket{start: target}
		return
	}
	for t := cur.Add(w.width); !t.After(target); t = t.Add(w.width) {
		w.head = w.pos(t)
		w.buckets[w.head] = bucket{start: t}
	}
}

// countAt returns the count recorded for the bucket starting at the aligned
// time t, or zero if that bucket was never touched or already overwritten.
func (w *WindowState) countAt(t time.Time) uint64 {
	b := w.buckets[w.pos(t)]
	if !b.start.Equal(t) {
		return 0
	}
	return b.count
}

// Fold turns every bucket closed since the previous fold into one rate sample
// (count / bucket width) for the statistics engine. Gaps contribute one
// implicit zero sample per skipped bucket, folded individually so idle
// periods do not underestimate variance. Work per call is bounded by
// maxFolds; a longer backlog resumes on the next cycle, except that backlog
// older than one full span collapses to at most maxFolds zeros (those buckets
// have left the ring and were zero regardless). Returns the number of samples
// folded.
func (w *WindowState) Fold(now time.Time, maxFolds int) int {
	if maxFolds <= 0 {
		maxFolds = 2 * len(w.buckets)
	}
	current := now.Truncate(w.width)
	if cur := w.buckets[w.head].start; cur.After(current) {
		// now lags the newest recorded event; fold up to the ring head only.
		current = cur
	}

	// Clamp unfoldable backlog: anything older than a full span behind the
	// in-progress bucket can contribute at most maxFolds zeros.
	oldest := current.Add(-time.Duration(maxFolds) * w.width)
	if w.foldedThrough.Before(oldest) {
		w.foldedThrough = oldest
	}

	folds := 0
	t := w.foldedThrough
	for t.Before(current) && folds < maxFolds {
		rate := float64(w.countAt(t)) / w.width.Seconds()
		w.stats.Update(rate)
		t = t.Add(w.width)
		folds++
	}
	w.foldedThrough = t
	return folds
}

// Decay applies the exponential forgetting factor when the decay interval has
// elapsed, bounding the effective memory horizon of the baseline.
func (w *WindowState) Decay(now time.Time, factor float64, interval time.Duration) bool {
	if now.Sub(w.lastDecay) < interval {
		return false
	}
	w.stats.Decay(factor)
	w.lastDecay = now
	return true
}

// currentStart resolves the bucket current as of now. The ring head only
// moves on Record, so for an identity gone silent the current bucket is a
// later, empty one the head never reached. A now sitting exactly on a bucket
// boundary still belongs to the bucket that just closed.
func (w *WindowState) currentStart(now time.Time) time.Time {
	cur := w.buckets[w.head].start
	if t := now.Add(-time.Nanosecond).Truncate(w.width); t.After(cur) {
		return t
	}
	return cur
}

// CurrentRate projects the in-progress bucket to a full-bucket rate so the
// scorer reacts before the bucket closes. Very young buckets are projected
// from a floor of a tenth of the bucket width to keep a single early request
// from reading as a flood. An identity with no events in the current bucket
// reads as zero no matter what its last recorded bucket held.
func (w *WindowState) CurrentRate(now time.Time) float64 {
	cur := w.currentStart(now)
	elapsed := now.Sub(cur)
	if elapsed <= 0 || elapsed > w.width {
		elapsed = w.width
	}
	if floor := w.width / 10; elapsed < floor {
		elapsed = floor
	}
	return float64(w.countAt(cur)) / elapsed.Seconds()
}

// RecentRates returns the per-bucket rates of the n most recent ring slots
// ending at the in-progress bucket, oldest first. Slots with no recorded
// bucket read as zero. Used to build correlation signatures.
func (w *WindowState) RecentRates(now time.Time, n int) []float64 {
	if n <= 0 || n > len(w.buckets) {
		n = len(w.buckets)
	}
	rates := make([]float64, n)
	cur := w.currentStart(now)
	for i := 0; i < n; i++ {
		t := cur.Add(-time.Duration(n-1-i) * w.width)
		if i == n-1 {
			rates[i] = w.CurrentRate(now)
			continue
		}
		rates[i] = float64(w.countAt(t)) / w.width.Seconds()
	}
	return rates
}

// Seed pre-folds n baseline samples at the given rate so brand-new identities
// start with a tame baseline instead of flagging on their first burst.
func (w *WindowState) Seed(rate float64, n int) {
	for i := 0; i < n; i++ {
		w.stats.Update(rate)
	}
}

// Stats exposes the accumulated statistics for scoring and introspection.
func (w *WindowState) Stats() *Welford { return &w.stats }

// Span returns the window span this state covers.
func (w *WindowState) Span() time.Duration { return w.span }
