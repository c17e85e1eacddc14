package fusion

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestPropagationKeepsStatesSorted(t *testing.T) {
	core, _ := testCore(0)
	t0 := ms(1000)
	if err := seedCore(core, t0); err != nil {
		t.Fatal(err)
	}
	feedRest(core, t0, 20, 10)

	states := core.states.All()
	if len(states) != 21 {
		t.Fatalf("buffered %d states, want 21", len(states))
	}
	for i := 1; i < len(states); i++ {
		if states[i-1].UnixNanos >= states[i].UnixNanos {
			t.Fatalf("states not strictly increasing at %d: %d >= %d",
				i, states[i-1].UnixNanos, states[i].UnixNanos)
		}
		if states[i-1].Seq >= states[i].Seq {
			t.Fatalf("sequence keys not increasing at %d", i)
		}
	}
}

func TestPropagationDeterminism(t *testing.T) {
	run := func() *State {
		core, _ := testCore(0)
		t0 := ms(1000)
		if err := seedCore(core, t0); err != nil {
			t.Fatal(err)
		}
		for i := 1; i <= 10; i++ {
			accel := Vec3{0.1 * float64(i), -0.05, 9.81}
			gyro := Vec3{0.01, 0.02 * float64(i), -0.005}
			if err := core.ProcessInertial(accel, gyro, t0+ms(int64(i)*10), uint64(i)); err != nil {
				t.Fatal(err)
			}
		}
		return core.LatestState()
	}

	a, b := run(), run()
	if a.Pos != b.Pos || a.Vel != b.Vel || a.Ori != b.Ori {
		t.Fatalf("repeated runs differ:\n%v %v %v\n%v %v %v", a.Pos, a.Vel, a.Ori, b.Pos, b.Vel, b.Ori)
	}
	if a.Cov == nil || b.Cov == nil || !mat.Equal(a.Cov, b.Cov) {
		t.Fatal("repeated runs produced different covariance")
	}
}

func TestStationaryPropagationHoldsStill(t *testing.T) {
	core, _ := testCore(0)
	t0 := ms(1000)
	if err := seedCore(core, t0); err != nil {
		t.Fatal(err)
	}
	feedRest(core, t0, 50, 10)

	st := core.LatestState()
	if st.Pos.Norm() > 1e-9 {
		t.Errorf("position drifted at rest: %v", st.Pos)
	}
	if st.Vel.Norm() > 1e-9 {
		t.Errorf("velocity drifted at rest: %v", st.Vel)
	}
}

func TestCovarianceGrowsUnderPropagation(t *testing.T) {
	core, _ := testCore(0)
	t0 := ms(1000)
	if err := seedCore(core, t0); err != nil {
		t.Fatal(err)
	}
	init := core.LatestState().CovTrace()
	feedRest(core, t0, 20, 10)

	st := core.LatestState()
	if st.Cov == nil {
		t.Fatal("no covariance on latest state")
	}
	if st.CovTrace() <= init {
		t.Errorf("covariance trace did not grow: %f -> %f", init, st.CovTrace())
	}

	// Symmetry and non-negative diagonal after prediction.
	n, _ := st.Cov.Dims()
	for i := 0; i < n; i++ {
		if st.Cov.At(i, i) < 0 {
			t.Errorf("negative variance at %d: %f", i, st.Cov.At(i, i))
		}
		for j := i + 1; j < n; j++ {
			if math.Abs(st.Cov.At(i, j)-st.Cov.At(j, i)) > 1e-12 {
				t.Errorf("asymmetry at (%d,%d)", i, j)
			}
		}
	}
}

func TestCovarianceMarkerAdvances(t *testing.T) {
	core, _ := testCore(0)
	t0 := ms(1000)
	if err := seedCore(core, t0); err != nil {
		t.Fatal(err)
	}
	if core.covPropagatedNanos != t0 {
		t.Fatalf("marker = %d after init, want %d", core.covPropagatedNanos, t0)
	}

	last := feedRest(core, t0, 5, 10)
	// One covariance step per sample keeps the marker at the newest state
	// when propagation arrives one state at a time.
	if core.covPropagatedNanos != last {
		t.Fatalf("marker = %d, want %d", core.covPropagatedNanos, last)
	}
	if core.PropagateCovarianceStep() {
		t.Error("step reported progress while already caught up")
	}
}

func TestAccumulateTransition(t *testing.T) {
	core, _ := testCore(0)
	t0 := ms(1000)
	if err := seedCore(core, t0); err != nil {
		t.Fatal(err)
	}
	feedRest(core, t0, 3, 10)

	s0 := core.StateAtTime(t0)
	s2 := core.StateAtTime(t0 + ms(20))
	s3 := core.StateAtTime(t0 + ms(30))
	if s0 == nil || s2 == nil || s3 == nil {
		t.Fatal("expected states not buffered")
	}

	acc, err := core.AccumulateTransition(s0, s3)
	if err != nil {
		t.Fatal(err)
	}

	// Compound over [s0,s3] must equal Φ3 · compound over [s0,s2].
	part, err := core.AccumulateTransition(s0, s2)
	if err != nil {
		t.Fatal(err)
	}
	var want mat.Dense
	want.Mul(s3.Phi, part)
	if !mat.EqualApprox(acc, &want, 1e-12) {
		t.Error("accumulated transition does not compose step-wise")
	}

	// Degenerate interval is the identity.
	ident, err := core.AccumulateTransition(s2, s2)
	if err != nil {
		t.Fatal(err)
	}
	n := core.Layout().ErrorDims()
	eye := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		eye.Set(i, i, 1)
	}
	if !mat.Equal(ident, eye) {
		t.Error("same-state accumulation is not identity")
	}

	if _, err := core.AccumulateTransition(s3, s0); err == nil {
		t.Error("reversed interval did not error")
	}
}

func TestExternalPropagationCopiesKinematics(t *testing.T) {
	core, _ := testCore(0)
	t0 := ms(1000)
	if err := seedCore(core, t0); err != nil {
		t.Fatal(err)
	}

	pos := Vec3{1, 2, 3}
	vel := Vec3{0.5, 0, -0.1}
	ori := QuatFromSmallAngle(Vec3{0, 0, 0.2})
	err := core.ProcessExternal(restAccel, Vec3{}, pos, vel, ori, true, t0+ms(10), 1)
	if err != nil {
		t.Fatal(err)
	}

	st := core.LatestState()
	if st.Pos != pos || st.Vel != vel {
		t.Errorf("external kinematics not copied: %v %v", st.Pos, st.Vel)
	}

	// Not already propagated: integrate internally instead.
	err = core.ProcessExternal(restAccel, Vec3{}, Vec3{99, 99, 99}, vel, ori, false, t0+ms(20), 2)
	if err != nil {
		t.Fatal(err)
	}
	if core.LatestState().Pos == (Vec3{99, 99, 99}) {
		t.Error("kinematics copied despite alreadyPropagated=false")
	}
}
