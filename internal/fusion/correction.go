package fusion

import (
	"fmt"
	"log"

	"gonum.org/v1/gonum/mat"
)

// applyMeasurementLocked folds one applicable measurement into the state
// history: locate the anchor state, catch the covariance up to it, run
// the EKF update there, then replay propagation through every younger
// buffered state so each one is re-derived from the corrected ancestor.
func (c *Core) applyMeasurementLocked(rec *MeasurementRecord) error {
	front, ok := c.states.Front()
	if !ok {
		return ErrUninitialized
	}
	if rec.Stamp() < front.UnixNanos {
		c.stats.TooOldDropped++
		log.Printf("discarding measurement from sensor %d at t=%d: older than retained history (front t=%d)",
			rec.SensorID(), rec.Stamp(), front.UnixNanos)
		return fmt.Errorf("sensor %d at t=%d: %w", rec.SensorID(), rec.Stamp(), ErrTooOld)
	}

	anchor, anchorIdx, _ := c.states.Nearest(rec.Stamp())
	c.catchUpCovarianceLocked(anchor)
	if anchor.Cov == nil {
		return fmt.Errorf("no covariance at anchor t=%d: %w", anchor.UnixNanos, ErrNumericalFailure)
	}

	res, jac, noise, err := rec.Apply(anchor)
	if err != nil {
		return fmt.Errorf("sensor %d measurement model: %w", rec.SensorID(), err)
	}
	n := c.layout.ErrorDims()
	m := res.Len()
	if jr, jc := jac.Dims(); jr != m || jc != n {
		return fmt.Errorf("sensor %d jacobian dims [%d x %d], want [%d x %d]", rec.SensorID(), jr, jc, m, n)
	}
	if nr, nc := noise.Dims(); nr != m || nc != m {
		return fmt.Errorf("sensor %d noise dims [%d x %d], want [%d x %d]", rec.SensorID(), nr, nc, m, m)
	}

	// S = H·P·Hᵀ + R
	var pht, s mat.Dense
	pht.Mul(anchor.Cov, jac.T())
	s.Mul(jac, &pht)
	s.Add(&s, noise)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		c.stats.NumericalFailures++
		c.watchdog.Trip()
		return fmt.Errorf("sensor %d innovation covariance singular: %w", rec.SensorID(), ErrNumericalFailure)
	}

	// K = P·Hᵀ·S⁻¹, correction = K·residual
	var gain mat.Dense
	gain.Mul(&pht, &sInv)
	correction := mat.NewVecDense(n, nil)
	correction.MulVec(&gain, res)

	newlyFuzzy, err := c.applyCorrection(anchor, correction, &gain, jac, noise, c.sm.FuzzyThreshold())
	if err != nil {
		c.stats.NumericalFailures++
		c.watchdog.Trip()
		log.Printf("rejecting correction from sensor %d at t=%d: %v", rec.SensorID(), rec.Stamp(), err)
		return err
	}

	rec.Applied = true
	c.measurements.Insert(rec)

	// Replay: every younger state is fully re-derived from the corrected
	// ancestor (state, covariance and transition matrix), never patched
	// in place. The covariance marker resets to the corrected state and
	// re-advances with the replay.
	c.covPropagatedNanos = anchor.UnixNanos
	for i := anchorIdx + 1; i < c.states.Len(); i++ {
		prev, cur := c.states.At(i-1), c.states.At(i)
		c.propagateState(prev, cur)
		c.predictProcessCovariance(prev, cur)
		c.covPropagatedNanos = cur.UnixNanos
	}

	c.stats.CorrectionsApplied++
	if newlyFuzzy {
		log.Printf("divergence flagged after correction from sensor %d at t=%d", rec.SensorID(), rec.Stamp())
	}

	newest, _ := c.states.Back()
	c.sm.StateApplied(newest)
	return nil
}

// applyCorrection updates the anchor state with the correction vector:
// additive for linear components, multiplicative with renormalization
// for the orientation, Joseph form for the covariance. The update is
// first built on a scratch copy and validated for finiteness; a
// non-finite result rejects the whole update with the prior values
// retained. Returns whether the divergence flag was newly raised.
func (c *Core) applyCorrection(st *State, correction *mat.VecDense, gain, jac, noise *mat.Dense, fuzzyThreshold float64) (bool, error) {
	cand := st.Clone()

	for i := 0; i < 3; i++ {
		cand.Pos[i] += correction.AtVec(ErrPos + i)
		cand.Vel[i] += correction.AtVec(ErrVel + i)
		cand.GyroBias[i] += correction.AtVec(ErrGyroBias + i)
		cand.AccelBias[i] += correction.AtVec(ErrAccelBias + i)
	}
	dTheta := Vec3{
		correction.AtVec(ErrAtt),
		correction.AtVec(ErrAtt + 1),
		correction.AtVec(ErrAtt + 2),
	}
	cand.Ori = st.Ori.Mul(QuatFromSmallAngle(dTheta)).Normalize()
	for i := range cand.Extra {
		cand.Extra[i] += correction.AtVec(CoreErrorDims + i)
	}

	// Joseph form: P⁺ = (I−K·H)·P·(I−K·H)ᵀ + K·R·Kᵀ. Preserves symmetry
	// and positive semi-definiteness where the short form does not.
	n := c.layout.ErrorDims()
	var kh mat.Dense
	kh.Mul(gain, jac)
	a := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := -kh.At(i, j)
			if i == j {
				v++
			}
			a.Set(i, j, v)
		}
	}
	var ap, apa, kr, krk mat.Dense
	ap.Mul(a, st.Cov)
	apa.Mul(&ap, a.T())
	kr.Mul(gain, noise)
	krk.Mul(&kr, gain.T())
	apa.Add(&apa, &krk)
	symmetrize(&apa)
	cand.Cov.Copy(&apa)

	if !cand.Finite() {
		return false, fmt.Errorf("correction produced non-finite state or covariance: %w", ErrNumericalFailure)
	}

	st.copyFrom(cand)
	return c.watchdog.Observe(correction, fuzzyThreshold), nil
}
