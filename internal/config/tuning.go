package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for filter tuning
// parameters. Fields are pointers so partial JSON files are safe: the
// Get* methods provide fallback defaults for anything left unset.
type TuningConfig struct {
	// Physical constants
	Gravity *float64 `json:"gravity,omitempty"` // m/s²

	// Continuous-time process noise densities
	NoiseAccel     *float64  `json:"noise_accel,omitempty"`      // m/s²/√Hz
	NoiseGyro      *float64  `json:"noise_gyro,omitempty"`       // rad/s/√Hz
	NoiseAccelBias *float64  `json:"noise_accel_bias,omitempty"` // m/s³/√Hz
	NoiseGyroBias  *float64  `json:"noise_gyro_bias,omitempty"`  // rad/s²/√Hz
	NoiseExtra     []float64 `json:"noise_extra,omitempty"`      // per platform error dim

	// Initial covariance diagonal (per block) used when seeding the
	// filter from an initialization measurement.
	InitCovPos       *float64 `json:"init_cov_pos,omitempty"`
	InitCovVel       *float64 `json:"init_cov_vel,omitempty"`
	InitCovAtt       *float64 `json:"init_cov_att,omitempty"`
	InitCovGyroBias  *float64 `json:"init_cov_gyro_bias,omitempty"`
	InitCovAccelBias *float64 `json:"init_cov_accel_bias,omitempty"`
	InitCovExtra     *float64 `json:"init_cov_extra,omitempty"`

	// Divergence watchdog
	FuzzyThreshold *float64 `json:"fuzzy_threshold,omitempty"` // correction magnitude bound
	FuzzyStrikes   *int     `json:"fuzzy_strikes,omitempty"`   // consecutive excursions to flag

	// Buffering policy
	RetentionHorizon *string `json:"retention_horizon,omitempty"` // duration string like "30s"
	MaxPending       *int    `json:"max_pending,omitempty"`       // pending-queue backlog bound
	MaxInertialGap   *string `json:"max_inertial_gap,omitempty"`  // duration string like "500ms"
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under
// the max file size. Fields omitted from the JSON file retain their
// default values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from
// DefaultConfigPath. It searches for the file in the current directory
// and common parent directories. Panics if the file cannot be loaded,
// intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/fusion/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	for name, v := range map[string]*float64{
		"gravity":          c.Gravity,
		"noise_accel":      c.NoiseAccel,
		"noise_gyro":       c.NoiseGyro,
		"noise_accel_bias": c.NoiseAccelBias,
		"noise_gyro_bias":  c.NoiseGyroBias,
		"fuzzy_threshold":  c.FuzzyThreshold,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}

	for i, v := range c.NoiseExtra {
		if v <= 0 {
			return fmt.Errorf("noise_extra[%d] must be positive, got %f", i, v)
		}
	}

	if c.FuzzyStrikes != nil && *c.FuzzyStrikes < 1 {
		return fmt.Errorf("fuzzy_strikes must be at least 1, got %d", *c.FuzzyStrikes)
	}

	if c.MaxPending != nil && *c.MaxPending < 1 {
		return fmt.Errorf("max_pending must be at least 1, got %d", *c.MaxPending)
	}

	if c.RetentionHorizon != nil && *c.RetentionHorizon != "" {
		if _, err := time.ParseDuration(*c.RetentionHorizon); err != nil {
			return fmt.Errorf("invalid retention_horizon '%s': %w", *c.RetentionHorizon, err)
		}
	}

	if c.MaxInertialGap != nil && *c.MaxInertialGap != "" {
		if _, err := time.ParseDuration(*c.MaxInertialGap); err != nil {
			return fmt.Errorf("invalid max_inertial_gap '%s': %w", *c.MaxInertialGap, err)
		}
	}

	return nil
}

// GetGravity returns the gravity value or the default.
func (c *TuningConfig) GetGravity() float64 {
	if c.Gravity == nil {
		return 9.81
	}
	return *c.Gravity
}

// GetNoiseAccel returns the noise_accel value or the default.
func (c *TuningConfig) GetNoiseAccel() float64 {
	if c.NoiseAccel == nil {
		return 0.083
	}
	return *c.NoiseAccel
}

// GetNoiseGyro returns the noise_gyro value or the default.
func (c *TuningConfig) GetNoiseGyro() float64 {
	if c.NoiseGyro == nil {
		return 0.0013
	}
	return *c.NoiseGyro
}

// GetNoiseAccelBias returns the noise_accel_bias value or the default.
func (c *TuningConfig) GetNoiseAccelBias() float64 {
	if c.NoiseAccelBias == nil {
		return 0.0083
	}
	return *c.NoiseAccelBias
}

// GetNoiseGyroBias returns the noise_gyro_bias value or the default.
func (c *TuningConfig) GetNoiseGyroBias() float64 {
	if c.NoiseGyroBias == nil {
		return 0.00013
	}
	return *c.NoiseGyroBias
}

// GetNoiseExtra returns the noise_extra densities sized to n entries.
// Missing tail entries repeat the last configured density, or a
// conservative default when none are configured.
func (c *TuningConfig) GetNoiseExtra(n int) []float64 {
	out := make([]float64, n)
	fill := 0.001
	for i := 0; i < n; i++ {
		if i < len(c.NoiseExtra) {
			fill = c.NoiseExtra[i]
		}
		out[i] = fill
	}
	return out
}

// GetInitCovPos returns the init_cov_pos value or the default.
func (c *TuningConfig) GetInitCovPos() float64 {
	if c.InitCovPos == nil {
		return 1.0
	}
	return *c.InitCovPos
}

// GetInitCovVel returns the init_cov_vel value or the default.
func (c *TuningConfig) GetInitCovVel() float64 {
	if c.InitCovVel == nil {
		return 0.25
	}
	return *c.InitCovVel
}

// GetInitCovAtt returns the init_cov_att value or the default.
func (c *TuningConfig) GetInitCovAtt() float64 {
	if c.InitCovAtt == nil {
		return 0.05
	}
	return *c.InitCovAtt
}

// GetInitCovGyroBias returns the init_cov_gyro_bias value or the default.
func (c *TuningConfig) GetInitCovGyroBias() float64 {
	if c.InitCovGyroBias == nil {
		return 0.01
	}
	return *c.InitCovGyroBias
}

// GetInitCovAccelBias returns the init_cov_accel_bias value or the default.
func (c *TuningConfig) GetInitCovAccelBias() float64 {
	if c.InitCovAccelBias == nil {
		return 0.01
	}
	return *c.InitCovAccelBias
}

// GetInitCovExtra returns the init_cov_extra value or the default.
func (c *TuningConfig) GetInitCovExtra() float64 {
	if c.InitCovExtra == nil {
		return 1.0
	}
	return *c.InitCovExtra
}

// GetFuzzyThreshold returns the fuzzy_threshold value or the default.
func (c *TuningConfig) GetFuzzyThreshold() float64 {
	if c.FuzzyThreshold == nil {
		return 0.1
	}
	return *c.FuzzyThreshold
}

// GetFuzzyStrikes returns the fuzzy_strikes value or the default.
func (c *TuningConfig) GetFuzzyStrikes() int {
	if c.FuzzyStrikes == nil {
		return 5
	}
	return *c.FuzzyStrikes
}

// GetRetentionHorizon parses and returns the RetentionHorizon as a
// time.Duration.
func (c *TuningConfig) GetRetentionHorizon() time.Duration {
	if c.RetentionHorizon == nil || *c.RetentionHorizon == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(*c.RetentionHorizon)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetMaxPending returns the max_pending value or the default.
func (c *TuningConfig) GetMaxPending() int {
	if c.MaxPending == nil {
		return 200
	}
	return *c.MaxPending
}

// GetMaxInertialGap parses and returns the MaxInertialGap as a
// time.Duration.
func (c *TuningConfig) GetMaxInertialGap() time.Duration {
	if c.MaxInertialGap == nil || *c.MaxInertialGap == "" {
		return 500 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.MaxInertialGap)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}
