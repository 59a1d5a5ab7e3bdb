package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/ultrasonic.position/internal/geometry"
	"github.com/banshee-data/ultrasonic.position/internal/locator"
	"github.com/banshee-data/ultrasonic.position/internal/solver"
)

// DefaultConfigPath is the path to the canonical locator defaults file.
const DefaultConfigPath = "config/locator.defaults.json"

// TuningConfig is the root configuration for an installation: transmitter
// geometry, signal timing and solver tuning. Every field is optional; the
// Get* methods fall back to the reference installation's values.
type TuningConfig struct {
	// Geometry
	WidthFt      *float64 `json:"width_ft,omitempty"`
	HeightFt     *float64 `json:"height_ft,omitempty"`
	ZOffsetFt    *float64 `json:"z_offset_ft,omitempty"`
	WaveSpeedFps *float64 `json:"wave_speed_fps,omitempty"`
	TickRateHz   *uint32  `json:"tick_rate_hz,omitempty"`
	TxSpacing    *string  `json:"tx_spacing,omitempty"` // duration string like "100ms"

	// Solver
	StepFactor     *float64 `json:"step_factor,omitempty"`
	ErrorThreshold *float64 `json:"error_threshold,omitempty"`
	MaxError       *float64 `json:"max_error,omitempty"`
	MaxIterations  *int     `json:"max_iterations,omitempty"`

	// Diagnostics
	ReportRejections *bool `json:"report_rejections,omitempty"`
	TraceConvergence *bool `json:"trace_convergence,omitempty"`

	// Consumers
	PollInterval *string `json:"poll_interval,omitempty"` // duration string like "100ms"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrUint32(v uint32) *uint32    { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field set to the
// reference installation's value.
func DefaultTuningConfig() *TuningConfig {
	g := geometry.Default()
	p := solver.DefaultParams()
	return &TuningConfig{
		WidthFt:          ptrFloat64(g.Width),
		HeightFt:         ptrFloat64(g.Height),
		ZOffsetFt:        ptrFloat64(g.ZOffset),
		WaveSpeedFps:     ptrFloat64(g.WaveSpeed),
		TickRateHz:       ptrUint32(g.TickRate),
		TxSpacing:        ptrString(g.TxSpacing.String()),
		StepFactor:       ptrFloat64(p.StepFactor),
		ErrorThreshold:   ptrFloat64(p.ErrorThreshold),
		MaxError:         ptrFloat64(p.MaxError),
		MaxIterations:    ptrInt(p.MaxIterations),
		ReportRejections: ptrBool(false),
		TraceConvergence: ptrBool(false),
		PollInterval:     ptrString("100ms"),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

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

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from cmd/tools/plot-track/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid, including the
// geometry and solver parameters they assemble into.
func (c *TuningConfig) Validate() error {
	if c.TxSpacing != nil && *c.TxSpacing != "" {
		d, err := time.ParseDuration(*c.TxSpacing)
		if err != nil {
			return fmt.Errorf("invalid tx_spacing '%s': %w", *c.TxSpacing, err)
		}
		if d < 0 {
			return fmt.Errorf("tx_spacing must be non-negative, got %s", *c.TxSpacing)
		}
		if d >= geometry.MaxTxSpacing {
			return fmt.Errorf("tx_spacing must be below %v, got %s", geometry.MaxTxSpacing, *c.TxSpacing)
		}
	}

	if c.PollInterval != nil && *c.PollInterval != "" {
		d, err := time.ParseDuration(*c.PollInterval)
		if err != nil {
			return fmt.Errorf("invalid poll_interval '%s': %w", *c.PollInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("poll_interval must be positive, got %s", *c.PollInterval)
		}
	}

	if c.ErrorThreshold != nil && c.MaxError != nil && *c.ErrorThreshold >= *c.MaxError {
		return fmt.Errorf("error_threshold (%v) must be below max_error (%v)", *c.ErrorThreshold, *c.MaxError)
	}

	return c.Pipeline().Validate()
}

// Geometry assembles the transmitter geometry.
func (c *TuningConfig) Geometry() geometry.Geometry {
	return geometry.Geometry{
		Width:     c.GetWidthFt(),
		Height:    c.GetHeightFt(),
		ZOffset:   c.GetZOffsetFt(),
		WaveSpeed: c.GetWaveSpeedFps(),
		TickRate:  c.GetTickRateHz(),
		TxSpacing: c.GetTxSpacing(),
	}
}

// SolverParams assembles the solver tuning.
func (c *TuningConfig) SolverParams() solver.Params {
	return solver.Params{
		StepFactor:     c.GetStepFactor(),
		ErrorThreshold: c.GetErrorThreshold(),
		MaxError:       c.GetMaxError(),
		MaxIterations:  c.GetMaxIterations(),
	}
}

// Pipeline assembles the locator configuration.
func (c *TuningConfig) Pipeline() locator.Config {
	return locator.Config{
		Geometry:         c.Geometry(),
		Params:           c.SolverParams(),
		ReportRejections: c.GetReportRejections(),
	}
}

// GetWidthFt returns the width_ft value or the default.
func (c *TuningConfig) GetWidthFt() float64 {
	if c.WidthFt == nil {
		return geometry.Default().Width
	}
	return *c.WidthFt
}

// GetHeightFt returns the height_ft value or the default.
func (c *TuningConfig) GetHeightFt() float64 {
	if c.HeightFt == nil {
		return geometry.Default().Height
	}
	return *c.HeightFt
}

// GetZOffsetFt returns the z_offset_ft value or the default.
func (c *TuningConfig) GetZOffsetFt() float64 {
	if c.ZOffsetFt == nil {
		return geometry.Default().ZOffset
	}
	return *c.ZOffsetFt
}

// GetWaveSpeedFps returns the wave_speed_fps value or the default.
func (c *TuningConfig) GetWaveSpeedFps() float64 {
	if c.WaveSpeedFps == nil {
		return geometry.Default().WaveSpeed
	}
	return *c.WaveSpeedFps
}

// GetTickRateHz returns the tick_rate_hz value or the default.
func (c *TuningConfig) GetTickRateHz() uint32 {
	if c.TickRateHz == nil {
		return geometry.Default().TickRate
	}
	return *c.TickRateHz
}

// GetTxSpacing parses and returns the TxSpacing as a time.Duration.
func (c *TuningConfig) GetTxSpacing() time.Duration {
	if c.TxSpacing == nil || *c.TxSpacing == "" {
		return geometry.Default().TxSpacing
	}
	d, err := time.ParseDuration(*c.TxSpacing)
	if err != nil {
		return geometry.Default().TxSpacing // default on parse error
	}
	return d
}

// GetStepFactor returns the step_factor value or the default.
func (c *TuningConfig) GetStepFactor() float64 {
	if c.StepFactor == nil {
		return 0.1
	}
	return *c.StepFactor
}

// GetErrorThreshold returns the error_threshold value or the default.
func (c *TuningConfig) GetErrorThreshold() float64 {
	if c.ErrorThreshold == nil {
		return 0.01
	}
	return *c.ErrorThreshold
}

// GetMaxError returns the max_error value or the default.
func (c *TuningConfig) GetMaxError() float64 {
	if c.MaxError == nil {
		return 0.5
	}
	return *c.MaxError
}

// GetMaxIterations returns the max_iterations value or the default.
func (c *TuningConfig) GetMaxIterations() int {
	if c.MaxIterations == nil {
		return 100
	}
	return *c.MaxIterations
}

// GetReportRejections returns the report_rejections value or the default.
func (c *TuningConfig) GetReportRejections() bool {
	if c.ReportRejections == nil {
		return false // default: silent drop
	}
	return *c.ReportRejections
}

// GetTraceConvergence returns the trace_convergence value or the default.
func (c *TuningConfig) GetTraceConvergence() bool {
	if c.TraceConvergence == nil {
		return false
	}
	return *c.TraceConvergence
}

// GetPollInterval parses and returns the PollInterval as a time.Duration.
func (c *TuningConfig) GetPollInterval() time.Duration {
	if c.PollInterval == nil || *c.PollInterval == "" {
		return 100 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.PollInterval)
	if err != nil {
		return 100 * time.Millisecond // default on parse error
	}
	return d
}
