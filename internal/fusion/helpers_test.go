package fusion

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// testManager is a fixed-constant SensorManager that counts completion
// callbacks.
type testManager struct {
	extraDims    int
	appliedCount int
	lastApplied  *State
}

func (m *testManager) Gravity() float64 { return 9.81 }

func (m *testManager) ProcessNoise() ProcessNoise {
	pn := ProcessNoise{
		Accel:     0.083,
		Gyro:      0.0013,
		AccelBias: 0.0083,
		GyroBias:  0.00013,
	}
	for i := 0; i < m.extraDims; i++ {
		pn.Extra = append(pn.Extra, 0.001)
	}
	return pn
}

func (m *testManager) InitCovariance() InitCovariance {
	return InitCovariance{Pos: 1.0, Vel: 0.25, Att: 0.05, GyroBias: 0.01, AccelBias: 0.01, Extra: 1.0}
}

func (m *testManager) FuzzyThreshold() float64 { return 0.1 }

func (m *testManager) StateApplied(st *State) {
	m.appliedCount++
	m.lastApplied = st
}

// posFix is a world-frame position measurement: H picks the position
// block of the error state.
type posFix struct {
	t     int64
	id    int
	pos   Vec3
	sigma float64
}

func (f posFix) Stamp() int64  { return f.t }
func (f posFix) SensorID() int { return f.id }

func (f posFix) Apply(st *State) (*mat.VecDense, *mat.Dense, *mat.Dense, error) {
	n := CoreErrorDims + len(st.Extra)
	res := mat.NewVecDense(3, []float64{
		f.pos[0] - st.Pos[0],
		f.pos[1] - st.Pos[1],
		f.pos[2] - st.Pos[2],
	})
	jac := mat.NewDense(3, n, nil)
	noise := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		jac.Set(i, ErrPos+i, 1)
		noise.Set(i, i, f.sigma*f.sigma)
	}
	return res, jac, noise, nil
}

// initFix seeds the filter at a known position.
type initFix struct {
	posFix
}

func (f initFix) InitState(st *State) error {
	st.Pos = f.pos
	st.Vel = Vec3{}
	st.Ori = IdentityQuat()
	st.Accel = restAccel
	return nil
}

// badFix returns a non-finite residual, exercising the numerical
// failure path.
type badFix struct {
	t  int64
	id int
}

func (f badFix) Stamp() int64  { return f.t }
func (f badFix) SensorID() int { return f.id }

func (f badFix) Apply(st *State) (*mat.VecDense, *mat.Dense, *mat.Dense, error) {
	n := CoreErrorDims + len(st.Extra)
	res := mat.NewVecDense(1, []float64{math.NaN()})
	jac := mat.NewDense(1, n, nil)
	jac.Set(0, ErrPos, 1)
	noise := mat.NewDense(1, 1, []float64{0.01})
	return res, jac, noise, nil
}

// failFix refuses to evaluate, for error propagation tests.
type failFix struct {
	t  int64
	id int
}

func (f failFix) Stamp() int64  { return f.t }
func (f failFix) SensorID() int { return f.id }

func (f failFix) Apply(st *State) (*mat.VecDense, *mat.Dense, *mat.Dense, error) {
	return nil, nil, nil, errors.New("sensor hardware fault")
}

const nanosPerMilli = int64(1_000_000)

func ms(n int64) int64 { return n * nanosPerMilli }

// testCore builds a core with the default test policy: 10s
// horizon, small pending queue, 3 watchdog strikes.
func testCore(extraDims int) (*Core, *testManager) {
	sm := &testManager{extraDims: extraDims}
	layout := StateLayout{ExtraErrorDims: extraDims}
	core, err := NewCore(sm, layout, CoreConfig{
		RetentionHorizon: 10 * time.Second,
		MaxPending:       16,
		FuzzyStrikes:     3,
		MaxInertialGap:   500 * time.Millisecond,
	})
	if err != nil {
		panic(err)
	}
	return core, sm
}

// restAccel is the specific force an accelerometer at rest reports.
var restAccel = Vec3{0, 0, 9.81}

// seedCore initializes the core at t0 with a zero-position fix.
func seedCore(core *Core, t0 int64) error {
	return core.Init(initFix{posFix{t: t0, id: 0, pos: Vec3{}, sigma: 0.1}})
}

// feedRest feeds n at-rest inertial samples every stepMs after t0,
// returning the stamp of the last one.
func feedRest(core *Core, t0 int64, n int, stepMs int64) int64 {
	t := t0
	for i := 1; i <= n; i++ {
		t = t0 + ms(stepMs*int64(i))
		if err := core.ProcessInertial(restAccel, Vec3{}, t, uint64(i)); err != nil {
			panic(err)
		}
	}
	return t
}
