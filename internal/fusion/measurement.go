package fusion

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// Measurement is one sensor observation. The core never looks inside a
// sensor payload: it asks the measurement to evaluate itself against a
// buffered state and works with the returned residual, Jacobian and
// noise.
type Measurement interface {
	// Stamp returns the measurement timestamp in unix nanoseconds.
	Stamp() int64

	// SensorID identifies the originating sensor.
	SensorID() int

	// Apply evaluates the measurement model against st. It returns the
	// residual z−h(x), the measurement Jacobian H with one column per
	// error-state dimension, and the measurement noise covariance R.
	Apply(st *State) (res *mat.VecDense, jac *mat.Dense, noise *mat.Dense, err error)
}

// InitMeasurement is a measurement that can seed an uninitialized
// filter from its payload.
type InitMeasurement interface {
	Measurement

	// InitState fills the full-state fields of st from the measurement
	// payload. Fields it leaves untouched keep sensor-manager defaults.
	InitState(st *State) error
}

// Absent is the distinguished "no such measurement" variant, returned
// by lookups instead of a nil interface.
type Absent struct{}

func (Absent) Stamp() int64  { return 0 }
func (Absent) SensorID() int { return -1 }
func (Absent) Apply(*State) (*mat.VecDense, *mat.Dense, *mat.Dense, error) {
	return nil, nil, nil, errors.New("absent measurement cannot be applied")
}

// IsAbsent reports whether m is the absent variant.
func IsAbsent(m Measurement) bool {
	_, ok := m.(Absent)
	return ok
}

// MeasurementRecord wraps a measurement with its arrival sequence and
// applied status for buffering. The embedded Stamp satisfies the
// time-series key contract.
type MeasurementRecord struct {
	Measurement

	// Seq is the arrival sequence, the tie-break for equal stamps.
	Seq uint64

	// Applied is set once the correction derived from this measurement
	// has been committed to the state buffer.
	Applied bool
}
