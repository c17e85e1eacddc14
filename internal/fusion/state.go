package fusion

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Error-state block offsets. The kinematic core is always present; a
// deployment may append platform-specific error dimensions after it
// (visual scale, sensor extrinsics and the like) via StateLayout.
const (
	ErrPos       = 0 // δp, 3 dims
	ErrVel       = 3 // δv, 3 dims
	ErrAtt       = 6 // δθ, 3 dims (minimal attitude error)
	ErrGyroBias  = 9 // δb_ω, 3 dims
	ErrAccelBias = 12 // δb_a, 3 dims

	// CoreErrorDims is the size of the kinematic error-state core.
	CoreErrorDims = 15
)

// StateLayout describes the composition of the error state for one
// deployment: how many platform-specific dimensions follow the kinematic
// core, and which contiguous slice of the error state is known to be free
// of long-term drift (watched for divergence).
type StateLayout struct {
	// ExtraErrorDims counts platform-specific error dimensions appended
	// after the kinematic core.
	ExtraErrorDims int

	// DriftFreeStart/DriftFreeLen designate the error-state slice watched
	// by the divergence watchdog. A zero DriftFreeLen disables watching.
	DriftFreeStart int
	DriftFreeLen   int
}

// ErrorDims returns the total error-state dimension for this layout.
func (l StateLayout) ErrorDims() int {
	return CoreErrorDims + l.ExtraErrorDims
}

// Validate checks the layout for internal consistency.
func (l StateLayout) Validate() error {
	if l.ExtraErrorDims < 0 {
		return fmt.Errorf("negative extra error dims: %d", l.ExtraErrorDims)
	}
	if l.DriftFreeLen < 0 {
		return fmt.Errorf("negative drift-free length: %d", l.DriftFreeLen)
	}
	if l.DriftFreeLen > 0 {
		if l.DriftFreeStart < 0 || l.DriftFreeStart+l.DriftFreeLen > l.ErrorDims() {
			return fmt.Errorf("drift-free slice [%d,%d) outside error state of dim %d",
				l.DriftFreeStart, l.DriftFreeStart+l.DriftFreeLen, l.ErrorDims())
		}
	}
	return nil
}

// State is one buffered snapshot of the filter: the full state vector,
// the error-state covariance, the transition matrix from the previous
// buffered state, and the propagation inputs sampled at its stamp.
//
// States are owned exclusively by the core's state buffer. Lookups hand
// out the live pointer, so a retroactive correction mutates the one true
// buffered instance and every later reader sees the replayed values.
type State struct {
	// Seq is a monotonically increasing creation sequence.
	Seq uint64

	// UnixNanos is the state timestamp.
	UnixNanos int64

	// Full state vector.
	Pos       Vec3 // world frame, metres
	Vel       Vec3 // world frame, m/s
	Ori       Quat // body -> world
	GyroBias  Vec3 // rad/s
	AccelBias Vec3 // m/s²
	Extra     []float64 // platform-specific elements, len == ExtraErrorDims

	// Propagation inputs sampled at this stamp. Stored so a delayed
	// correction can re-derive every younger state bit-identically.
	Accel Vec3 // specific force, m/s²
	Gyro  Vec3 // angular rate, rad/s

	// Cov is the error-state covariance (ErrorDims × ErrorDims). It is
	// nil until the covariance marker has advanced past this state.
	Cov *mat.Dense

	// Phi is the discrete transition matrix from the previous buffered
	// state to this one, kept for transition accumulation and replay.
	Phi *mat.Dense
}

// Stamp returns the state timestamp, satisfying the time-series key
// contract.
func (s *State) Stamp() int64 { return s.UnixNanos }

// Clone returns a deep copy. Buffered states are shared by handle; a
// clone is only for callers that need a frozen snapshot (recorders,
// tests).
func (s *State) Clone() *State {
	c := *s
	if s.Extra != nil {
		c.Extra = append([]float64(nil), s.Extra...)
	}
	if s.Cov != nil {
		c.Cov = mat.DenseCopyOf(s.Cov)
	}
	if s.Phi != nil {
		c.Phi = mat.DenseCopyOf(s.Phi)
	}
	return &c
}

// copyFrom overwrites the mutable estimate of s with the values of o,
// leaving Seq, UnixNanos and the stored propagation inputs untouched.
// Used to commit a validated correction onto the buffered instance.
func (s *State) copyFrom(o *State) {
	s.Pos, s.Vel, s.Ori = o.Pos, o.Vel, o.Ori
	s.GyroBias, s.AccelBias = o.GyroBias, o.AccelBias
	copy(s.Extra, o.Extra)
	if o.Cov != nil {
		if s.Cov == nil {
			s.Cov = mat.DenseCopyOf(o.Cov)
		} else {
			s.Cov.Copy(o.Cov)
		}
	}
}

// Finite reports whether the full state vector and covariance contain
// only finite numbers. Mirrors the post-update guard the tracking layer
// applies before trusting a Kalman result.
func (s *State) Finite() bool {
	if !s.Pos.Finite() || !s.Vel.Finite() || !s.Ori.Finite() ||
		!s.GyroBias.Finite() || !s.AccelBias.Finite() {
		return false
	}
	for _, x := range s.Extra {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	if s.Cov != nil {
		r, c := s.Cov.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				v := s.Cov.At(i, j)
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return false
				}
			}
		}
	}
	return true
}

// CovTrace returns the trace of the error-state covariance, or 0 when
// the covariance has not been predicted yet.
func (s *State) CovTrace() float64 {
	if s.Cov == nil {
		return 0
	}
	n, _ := s.Cov.Dims()
	var tr float64
	for i := 0; i < n; i++ {
		tr += s.Cov.At(i, i)
	}
	return tr
}
