package fusion

import "gonum.org/v1/gonum/mat"

// Watchdog observes each applied correction's magnitude on the
// designated drift-free slice of the error state. A healthy filter
// corrects a drift-free quantity by small amounts; repeated large
// corrections mean the estimate has wandered and measurements are
// fighting it. The watchdog is purely observational: it raises a soft
// flag and leaves recovery to external policy.
type Watchdog struct {
	start, dims   int
	strikesNeeded int
	strikes       int
	flagged       bool
}

// NewWatchdog builds a watchdog for the layout's drift-free slice.
// strikesNeeded consecutive excursions over threshold raise the flag.
func NewWatchdog(layout StateLayout, strikesNeeded int) *Watchdog {
	if strikesNeeded < 1 {
		strikesNeeded = 1
	}
	return &Watchdog{
		start:         layout.DriftFreeStart,
		dims:          layout.DriftFreeLen,
		strikesNeeded: strikesNeeded,
	}
}

// Observe inspects one applied correction vector and returns true when
// the divergence flag transitions from clear to set. A single correction
// back under the threshold resets the strike count; the flag itself
// stays set until Clear.
func (w *Watchdog) Observe(correction *mat.VecDense, threshold float64) bool {
	if w.dims == 0 {
		return false
	}
	var norm2 float64
	for i := w.start; i < w.start+w.dims; i++ {
		v := correction.AtVec(i)
		norm2 += v * v
	}
	if norm2 > threshold*threshold {
		w.strikes++
	} else {
		w.strikes = 0
	}
	if w.strikes >= w.strikesNeeded && !w.flagged {
		w.flagged = true
		return true
	}
	return false
}

// Trip forces the flag, used when a correction is rejected for
// numerical failure.
func (w *Watchdog) Trip() {
	w.flagged = true
}

// Flagged reports whether divergence is currently flagged.
func (w *Watchdog) Flagged() bool { return w.flagged }

// Clear resets the flag and the strike count.
func (w *Watchdog) Clear() {
	w.flagged = false
	w.strikes = 0
}
