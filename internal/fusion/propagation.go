package fusion

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// propagateState integrates the kinematic state from `from` to `to`
// using the inertial inputs stored on both states. Trapezoidal
// integration: the average bias-corrected angular rate drives the
// quaternion, the specific force is rotated by the old and the new
// attitude and averaged, gravity is subtracted, position integrates the
// velocity trapezoid. Biases and platform elements are held constant
// under propagation. Deterministic given identical inputs; no-op when
// dt <= 0.
func (c *Core) propagateState(from, to *State) {
	dt := float64(to.UnixNanos-from.UnixNanos) / 1e9

	to.GyroBias = from.GyroBias
	to.AccelBias = from.AccelBias
	copy(to.Extra, from.Extra)

	if dt <= 0 {
		to.Pos, to.Vel, to.Ori = from.Pos, from.Vel, from.Ori
		return
	}

	wOld := from.Gyro.Sub(from.GyroBias)
	wNew := to.Gyro.Sub(to.GyroBias)
	wAvg := wOld.Add(wNew).Scale(0.5)
	to.Ori = from.Ori.Mul(QuatFromSmallAngle(wAvg.Scale(dt))).Normalize()

	gravity := Vec3{0, 0, c.sm.Gravity()}
	aOld := from.Ori.Rotate(from.Accel.Sub(from.AccelBias))
	aNew := to.Ori.Rotate(to.Accel.Sub(to.AccelBias))
	to.Vel = from.Vel.Add(aOld.Add(aNew).Scale(0.5).Sub(gravity).Scale(dt))
	to.Pos = from.Pos.Add(from.Vel.Add(to.Vel).Scale(0.5).Scale(dt))
}

// errorJacobian builds the continuous-time error-state Jacobian F
// linearized at st. Platform-specific dimensions carry no modeled
// dynamics (their rows stay zero: random-walk under the process noise).
func (c *Core) errorJacobian(st *State) *mat.Dense {
	n := c.layout.ErrorDims()
	F := mat.NewDense(n, n, nil)

	rot := st.Ori.RotationMatrix()
	aSkew := skew(st.Accel.Sub(st.AccelBias))
	wSkew := skew(st.Gyro.Sub(st.GyroBias))

	for i := 0; i < 3; i++ {
		// δp' = δv
		F.Set(ErrPos+i, ErrVel+i, 1)
		// δθ' = -[ω]× δθ − δb_ω
		F.Set(ErrAtt+i, ErrGyroBias+i, -1)
		for j := 0; j < 3; j++ {
			F.Set(ErrAtt+i, ErrAtt+j, -wSkew[i][j])
			// δv' = -C·[a]× δθ − C·δb_a
			var ca float64
			for k := 0; k < 3; k++ {
				ca += rot[i][k] * aSkew[k][j]
			}
			F.Set(ErrVel+i, ErrAtt+j, -ca)
			F.Set(ErrVel+i, ErrAccelBias+j, -rot[i][j])
		}
	}
	return F
}

// processNoiseDiag builds the continuous process-noise density diagonal
// Qc from the sensor-manager constants. Position rows carry no direct
// noise; it enters through velocity.
func (c *Core) processNoiseDiag() []float64 {
	n := c.layout.ErrorDims()
	pn := c.sm.ProcessNoise()
	q := make([]float64, n)
	for i := 0; i < 3; i++ {
		q[ErrVel+i] = pn.Accel * pn.Accel
		q[ErrAtt+i] = pn.Gyro * pn.Gyro
		q[ErrGyroBias+i] = pn.GyroBias * pn.GyroBias
		q[ErrAccelBias+i] = pn.AccelBias * pn.AccelBias
	}
	for i := CoreErrorDims; i < n; i++ {
		d := 0.0
		if k := i - CoreErrorDims; k < len(pn.Extra) {
			d = pn.Extra[k]
		}
		q[i] = d * d
	}
	return q
}

// predictProcessCovariance discretizes the process model over the step
// from `from` to `to`: Φ = I + F·dt + ½F²dt² (truncated series),
// Qd = ½·dt·(Φ·Qc·Φᵀ + Qc), then to.Cov = Φ·from.Cov·Φᵀ + Qd,
// symmetrized. Φ is stored on `to` for transition accumulation and
// replay.
func (c *Core) predictProcessCovariance(from, to *State) {
	n := c.layout.ErrorDims()
	dt := float64(to.UnixNanos-from.UnixNanos) / 1e9
	if dt < 0 {
		dt = 0
	}

	F := c.errorJacobian(to)

	// Φ = I + F·dt + ½·F²·dt²
	phi := mat.NewDense(n, n, nil)
	var f2 mat.Dense
	f2.Mul(F, F)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := F.At(i, j)*dt + 0.5*f2.At(i, j)*dt*dt
			if i == j {
				v++
			}
			phi.Set(i, j, v)
		}
	}

	// Qd = ½·dt·(Φ·Qc·Φᵀ + Qc)
	qc := c.processNoiseDiag()
	qcM := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		qcM.Set(i, i, qc[i])
	}
	var pq, qd mat.Dense
	pq.Mul(phi, qcM)
	qd.Mul(&pq, phi.T())
	qd.Add(&qd, qcM)
	qd.Scale(0.5*dt, &qd)

	// to.Cov = Φ·from.Cov·Φᵀ + Qd
	var pp, cov mat.Dense
	pp.Mul(phi, from.Cov)
	cov.Mul(&pp, phi.T())
	cov.Add(&cov, &qd)
	symmetrize(&cov)

	if to.Cov == nil {
		to.Cov = mat.NewDense(n, n, nil)
	}
	to.Cov.Copy(&cov)
	to.Phi = phi
}

// symmetrize averages m with its transpose in place.
func symmetrize(m *mat.Dense) {
	n, _ := m.Dims()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := 0.5 * (m.At(i, j) + m.At(j, i))
			m.Set(i, j, v)
			m.Set(j, i, v)
		}
	}
}

// covFrontierIndexLocked returns the index of the state the covariance
// marker currently points at: the newest buffered state with stamp at
// or before the marker.
func (c *Core) covFrontierIndexLocked() int {
	_, i, ok := c.states.NearestBefore(c.covPropagatedNanos + 1)
	if !ok {
		return -1
	}
	return i
}

// propagateCovarianceStepLocked advances the covariance marker by one
// buffered state. Returns false once the marker has reached the newest
// state.
func (c *Core) propagateCovarianceStepLocked() bool {
	i := c.covFrontierIndexLocked()
	if i < 0 || i+1 >= c.states.Len() {
		return false
	}
	from, to := c.states.At(i), c.states.At(i+1)
	c.predictProcessCovariance(from, to)
	c.covPropagatedNanos = to.UnixNanos
	return true
}

// PropagateCovarianceStep advances the predicted covariance by one
// buffered state, so catch-up work can be spread across calls instead
// of monopolizing one. Returns false once fully caught up.
func (c *Core) PropagateCovarianceStep() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.propagateCovarianceStepLocked()
}

// catchUpCovarianceLocked replays covariance prediction from the marker
// through the given buffered state, advancing the marker to its stamp.
func (c *Core) catchUpCovarianceLocked(target *State) {
	for c.covPropagatedNanos < target.UnixNanos {
		if !c.propagateCovarianceStepLocked() {
			return
		}
	}
}

// CatchUpCovariance advances the covariance marker through the given
// buffered state in one call.
func (c *Core) CatchUpCovariance(st *State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catchUpCovarianceLocked(st)
}

// AccumulateTransition multiplies the chain of per-step transition
// matrices between two buffered states in time order, producing the
// compound transition over the interval. Both states must be buffered
// and the covariance marker must have passed `newer` so every Φ in the
// chain exists.
func (c *Core) AccumulateTransition(older, newer *State) (*mat.Dense, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, io, ok := c.states.AtStamp(older.UnixNanos)
	if !ok {
		return nil, fmt.Errorf("state at t=%d not buffered", older.UnixNanos)
	}
	_, in, ok := c.states.AtStamp(newer.UnixNanos)
	if !ok {
		return nil, fmt.Errorf("state at t=%d not buffered", newer.UnixNanos)
	}
	if io > in {
		return nil, fmt.Errorf("states out of order: t=%d after t=%d", older.UnixNanos, newer.UnixNanos)
	}

	n := c.layout.ErrorDims()
	acc := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		acc.Set(i, i, 1)
	}
	for i := io + 1; i <= in; i++ {
		st := c.states.At(i)
		if st.Phi == nil {
			return nil, fmt.Errorf("no transition matrix at t=%d; covariance not yet propagated", st.UnixNanos)
		}
		var next mat.Dense
		next.Mul(st.Phi, acc)
		acc.Copy(&next)
	}
	return acc, nil
}
