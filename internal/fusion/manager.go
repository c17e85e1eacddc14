package fusion

import (
	"github.com/banshee-data/fusion.core/internal/config"
)

// ProcessNoise holds the continuous-time noise densities driving
// covariance prediction, one entry per error-state block.
type ProcessNoise struct {
	Accel     float64 // specific-force white noise, m/s²/√Hz
	Gyro      float64 // angular-rate white noise, rad/s/√Hz
	AccelBias float64 // accelerometer bias random walk, m/s³/√Hz
	GyroBias  float64 // gyro bias random walk, rad/s²/√Hz
	Extra     []float64 // one density per platform error dimension
}

// InitCovariance holds the per-block initial covariance diagonal used
// when seeding the filter from an initialization measurement.
type InitCovariance struct {
	Pos, Vel, Att, GyroBias, AccelBias, Extra float64
}

// SensorManager is the policy collaborator the core consults for
// physical constants, noise densities and result delivery. The core
// retains the reference at construction but defers every call until the
// first operational entry point.
type SensorManager interface {
	// Gravity returns the gravity magnitude in m/s², applied along -z
	// of the world frame.
	Gravity() float64

	// ProcessNoise returns the continuous process-noise densities.
	ProcessNoise() ProcessNoise

	// InitCovariance returns the initial covariance diagonal.
	InitCovariance() InitCovariance

	// FuzzyThreshold returns the correction magnitude on the drift-free
	// state slice above which the divergence watchdog counts a strike.
	FuzzyThreshold() float64

	// StateApplied is invoked once per successfully applied propagation
	// or correction with the live buffered state. It runs under the
	// core's writer lock; implementations must not call back into the
	// core.
	StateApplied(st *State)
}

// TuningSensorManager adapts a loaded TuningConfig to the SensorManager
// contract. OnApplied may be nil.
type TuningSensorManager struct {
	Cfg       *config.TuningConfig
	ExtraDims int
	OnApplied func(st *State)
}

// NewTuningSensorManager builds a sensor manager for a layout with
// extraDims platform error dimensions.
func NewTuningSensorManager(cfg *config.TuningConfig, extraDims int) *TuningSensorManager {
	return &TuningSensorManager{Cfg: cfg, ExtraDims: extraDims}
}

func (m *TuningSensorManager) Gravity() float64 {
	return m.Cfg.GetGravity()
}

func (m *TuningSensorManager) ProcessNoise() ProcessNoise {
	return ProcessNoise{
		Accel:     m.Cfg.GetNoiseAccel(),
		Gyro:      m.Cfg.GetNoiseGyro(),
		AccelBias: m.Cfg.GetNoiseAccelBias(),
		GyroBias:  m.Cfg.GetNoiseGyroBias(),
		Extra:     m.Cfg.GetNoiseExtra(m.ExtraDims),
	}
}

func (m *TuningSensorManager) InitCovariance() InitCovariance {
	return InitCovariance{
		Pos:       m.Cfg.GetInitCovPos(),
		Vel:       m.Cfg.GetInitCovVel(),
		Att:       m.Cfg.GetInitCovAtt(),
		GyroBias:  m.Cfg.GetInitCovGyroBias(),
		AccelBias: m.Cfg.GetInitCovAccelBias(),
		Extra:     m.Cfg.GetInitCovExtra(),
	}
}

func (m *TuningSensorManager) FuzzyThreshold() float64 {
	return m.Cfg.GetFuzzyThreshold()
}

func (m *TuningSensorManager) StateApplied(st *State) {
	if m.OnApplied != nil {
		m.OnApplied(st)
	}
}
