package fusion

import (
	"testing"

	"gonum.org/v1/gonum/mat"
)

func watchCorrection(n int, idx int, v float64) *mat.VecDense {
	c := mat.NewVecDense(n, nil)
	c.SetVec(idx, v)
	return c
}

func TestWatchdogFlagsAfterConsecutiveStrikes(t *testing.T) {
	layout := StateLayout{ExtraErrorDims: 1, DriftFreeStart: CoreErrorDims, DriftFreeLen: 1}
	w := NewWatchdog(layout, 3)
	n := layout.ErrorDims()

	for i := 0; i < 2; i++ {
		if newly := w.Observe(watchCorrection(n, CoreErrorDims, 0.5), 0.1); newly {
			t.Fatalf("flagged after %d strikes, want 3", i+1)
		}
	}
	if !w.Observe(watchCorrection(n, CoreErrorDims, 0.5), 0.1) {
		t.Fatal("third consecutive strike did not newly flag")
	}
	if !w.Flagged() {
		t.Fatal("Flagged() false after raise")
	}
	// Already flagged: further strikes are not "newly" flagged.
	if w.Observe(watchCorrection(n, CoreErrorDims, 0.5), 0.1) {
		t.Error("already-raised flag reported as newly raised")
	}
}

func TestWatchdogTransientExcursionDoesNotFlag(t *testing.T) {
	layout := StateLayout{ExtraErrorDims: 1, DriftFreeStart: CoreErrorDims, DriftFreeLen: 1}
	w := NewWatchdog(layout, 3)
	n := layout.ErrorDims()

	w.Observe(watchCorrection(n, CoreErrorDims, 0.5), 0.1)
	w.Observe(watchCorrection(n, CoreErrorDims, 0.5), 0.1)
	// Back under threshold resets the streak.
	w.Observe(watchCorrection(n, CoreErrorDims, 0.01), 0.1)
	w.Observe(watchCorrection(n, CoreErrorDims, 0.5), 0.1)
	w.Observe(watchCorrection(n, CoreErrorDims, 0.5), 0.1)

	if w.Flagged() {
		t.Fatal("transient excursions flagged divergence")
	}
}

func TestWatchdogFlagStaysUntilCleared(t *testing.T) {
	layout := StateLayout{ExtraErrorDims: 1, DriftFreeStart: CoreErrorDims, DriftFreeLen: 1}
	w := NewWatchdog(layout, 1)
	n := layout.ErrorDims()

	w.Observe(watchCorrection(n, CoreErrorDims, 1.0), 0.1)
	if !w.Flagged() {
		t.Fatal("not flagged")
	}
	// Healthy corrections do not clear the flag.
	w.Observe(watchCorrection(n, CoreErrorDims, 0.0), 0.1)
	if !w.Flagged() {
		t.Fatal("healthy correction cleared the flag")
	}
	w.Clear()
	if w.Flagged() {
		t.Fatal("Clear() did not reset the flag")
	}
}

func TestWatchdogIgnoresOtherDimensions(t *testing.T) {
	layout := StateLayout{ExtraErrorDims: 1, DriftFreeStart: CoreErrorDims, DriftFreeLen: 1}
	w := NewWatchdog(layout, 1)
	n := layout.ErrorDims()

	// Large correction on position, zero on the watched dimension.
	w.Observe(watchCorrection(n, ErrPos, 10.0), 0.1)
	if w.Flagged() {
		t.Fatal("correction outside the drift-free slice raised the flag")
	}
}

func TestWatchdogDisabledLayout(t *testing.T) {
	w := NewWatchdog(StateLayout{}, 1)
	n := StateLayout{}.ErrorDims()
	if w.Observe(watchCorrection(n, ErrPos, 100), 0.1) || w.Flagged() {
		t.Fatal("watchdog with no drift-free slice raised the flag")
	}
}

func TestWatchdogTrip(t *testing.T) {
	w := NewWatchdog(StateLayout{DriftFreeStart: ErrAtt, DriftFreeLen: 3}, 5)
	w.Trip()
	if !w.Flagged() {
		t.Fatal("Trip() did not raise the flag")
	}
}
