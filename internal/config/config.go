// Package config loads and validates the excavator runtime configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical configuration defaults file.
const DefaultConfigPath = "config/excavator.defaults.json"

// Config is the root configuration for the excavator controller. Fields are
// pointers so that a partial JSON file only overrides what it names; the Get*
// accessors supply defaults for everything else. The schema matches the
// /api/config endpoint so the same JSON serves startup and inspection.
type Config struct {
	// Patrol area (meters, world frame)
	AreaX      *float64 `json:"area_x,omitempty"`
	AreaY      *float64 `json:"area_y,omitempty"`
	AreaWidth  *float64 `json:"area_width,omitempty"`
	AreaHeight *float64 `json:"area_height,omitempty"`

	// Grid and pattern
	GridCellSize      *float64 `json:"grid_cell_size,omitempty"`
	OverlapPercent    *float64 `json:"overlap_percent,omitempty"`
	Pattern           *string  `json:"pattern,omitempty"` // lawnmower, spiral, grid
	CoverageThreshold *float64 `json:"coverage_threshold,omitempty"`

	// Home position
	HomeX *float64 `json:"home_x,omitempty"`
	HomeY *float64 `json:"home_y,omitempty"`

	// Drive kinematics (dead reckoning)
	ForwardSpeed      *float64 `json:"forward_speed,omitempty"`        // m/s
	TurnRateDegPerSec *float64 `json:"turn_rate_deg_per_sec,omitempty"`

	// Audio / stall detection
	SampleRate              *int     `json:"sample_rate,omitempty"`
	WindowDuration          *string  `json:"window_duration,omitempty"` // duration string like "500ms"
	StallFrequencyThreshold *float64 `json:"stall_frequency_threshold,omitempty"`
	FrequencyDropPercent    *float64 `json:"frequency_drop_percent,omitempty"`
	DefaultBaselineHz       *float64 `json:"default_baseline_hz,omitempty"`
	CalibrationPath         *string  `json:"calibration_path,omitempty"`

	// Safety
	WatchdogTimeout    *string `json:"watchdog_timeout,omitempty"`   // duration string
	MaxOperationTime   *string `json:"max_operation_time,omitempty"` // duration string
	StallRetryAttempts *int    `json:"stall_retry_attempts,omitempty"`

	// Actuator timings (seconds). Missing keys fall back to DefaultTimings.
	Timings map[string]float64 `json:"timings,omitempty"`

	// Learning
	LearningEnabled      *bool    `json:"learning_enabled,omitempty"`
	MinAttempts          *int     `json:"min_attempts_before_learning,omitempty"`
	SuccessRateThreshold *float64 `json:"success_rate_threshold,omitempty"`
	AdjustmentRate       *float64 `json:"parameter_adjustment_rate,omitempty"`
	ExplorationRate      *float64 `json:"exploration_rate,omitempty"`
	RollingWindowSize    *int     `json:"rolling_window_size,omitempty"`

	// Control loop
	TickInterval      *string  `json:"tick_interval,omitempty"`
	PatrolStepSeconds *float64 `json:"patrol_step_seconds,omitempty"`
	DisposalProximity *float64 `json:"disposal_proximity,omitempty"`
	HomeArrival       *float64 `json:"home_arrival_distance,omitempty"`
}

// Empty returns a Config with all fields unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. The file must have a .json extension
// and be under the max file size. Fields omitted from the JSON retain their
// defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
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

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that configured values are usable.
func (c *Config) Validate() error {
	if c.GridCellSize != nil && *c.GridCellSize <= 0 {
		return fmt.Errorf("grid_cell_size must be positive, got %f", *c.GridCellSize)
	}
	if c.AreaWidth != nil && *c.AreaWidth <= 0 {
		return fmt.Errorf("area_width must be positive, got %f", *c.AreaWidth)
	}
	if c.AreaHeight != nil && *c.AreaHeight <= 0 {
		return fmt.Errorf("area_height must be positive, got %f", *c.AreaHeight)
	}
	if c.OverlapPercent != nil {
		if *c.OverlapPercent < 0 || *c.OverlapPercent >= 100 {
			return fmt.Errorf("overlap_percent must be in [0,100), got %f", *c.OverlapPercent)
		}
	}
	if c.Pattern != nil {
		switch *c.Pattern {
		case "lawnmower", "spiral", "grid":
		default:
			return fmt.Errorf("unknown patrol pattern %q", *c.Pattern)
		}
	}
	if c.FrequencyDropPercent != nil {
		if *c.FrequencyDropPercent <= 0 || *c.FrequencyDropPercent > 100 {
			return fmt.Errorf("frequency_drop_percent must be in (0,100], got %f", *c.FrequencyDropPercent)
		}
	}
	for _, d := range []*string{c.WindowDuration, c.WatchdogTimeout, c.MaxOperationTime, c.TickInterval} {
		if d != nil && *d != "" {
			if _, err := time.ParseDuration(*d); err != nil {
				return fmt.Errorf("invalid duration %q: %w", *d, err)
			}
		}
	}
	for name, v := range c.Timings {
		if v <= 0 {
			return fmt.Errorf("timing %q must be positive, got %f", name, v)
		}
	}
	return nil
}

// GetAreaX returns the patrol area origin X or the default.
func (c *Config) GetAreaX() float64 {
	if c.AreaX == nil {
		return 0
	}
	return *c.AreaX
}

// GetAreaY returns the patrol area origin Y or the default.
func (c *Config) GetAreaY() float64 {
	if c.AreaY == nil {
		return 0
	}
	return *c.AreaY
}

// GetAreaWidth returns the patrol area width or the default.
func (c *Config) GetAreaWidth() float64 {
	if c.AreaWidth == nil {
		return 10.0
	}
	return *c.AreaWidth
}

// GetAreaHeight returns the patrol area height or the default.
func (c *Config) GetAreaHeight() float64 {
	if c.AreaHeight == nil {
		return 10.0
	}
	return *c.AreaHeight
}

// GetGridCellSize returns the coverage grid cell size or the default.
func (c *Config) GetGridCellSize() float64 {
	if c.GridCellSize == nil {
		return 1.0
	}
	return *c.GridCellSize
}

// GetOverlapPercent returns the lawnmower overlap percentage or the default.
func (c *Config) GetOverlapPercent() float64 {
	if c.OverlapPercent == nil {
		return 10.0
	}
	return *c.OverlapPercent
}

// GetPattern returns the patrol pattern name or the default.
func (c *Config) GetPattern() string {
	if c.Pattern == nil {
		return "lawnmower"
	}
	return *c.Pattern
}

// GetCoverageThreshold returns the patrol completion threshold or the default.
func (c *Config) GetCoverageThreshold() float64 {
	if c.CoverageThreshold == nil {
		return 95.0
	}
	return *c.CoverageThreshold
}

// GetHomeX returns the home position X or the default.
func (c *Config) GetHomeX() float64 {
	if c.HomeX == nil {
		return 0.5
	}
	return *c.HomeX
}

// GetHomeY returns the home position Y or the default.
func (c *Config) GetHomeY() float64 {
	if c.HomeY == nil {
		return 0.5
	}
	return *c.HomeY
}

// GetForwardSpeed returns the estimated forward speed in m/s or the default.
func (c *Config) GetForwardSpeed() float64 {
	if c.ForwardSpeed == nil {
		return 0.3
	}
	return *c.ForwardSpeed
}

// GetTurnRateDegPerSec returns the estimated turn rate or the default.
func (c *Config) GetTurnRateDegPerSec() float64 {
	if c.TurnRateDegPerSec == nil {
		return 45.0
	}
	return *c.TurnRateDegPerSec
}

// GetSampleRate returns the audio sample rate or the default.
func (c *Config) GetSampleRate() int {
	if c.SampleRate == nil {
		return 44100
	}
	return *c.SampleRate
}

// GetWindowDuration parses and returns the audio window duration.
func (c *Config) GetWindowDuration() time.Duration {
	if c.WindowDuration == nil || *c.WindowDuration == "" {
		return 500 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.WindowDuration)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// GetStallFrequencyThreshold returns the absolute stall floor in Hz.
func (c *Config) GetStallFrequencyThreshold() float64 {
	if c.StallFrequencyThreshold == nil {
		return 100.0
	}
	return *c.StallFrequencyThreshold
}

// GetFrequencyDropPercent returns the relative drop trip point in percent.
func (c *Config) GetFrequencyDropPercent() float64 {
	if c.FrequencyDropPercent == nil {
		return 50.0
	}
	return *c.FrequencyDropPercent
}

// GetDefaultBaselineHz returns the fallback baseline for uncalibrated motors.
func (c *Config) GetDefaultBaselineHz() float64 {
	if c.DefaultBaselineHz == nil {
		return 400.0
	}
	return *c.DefaultBaselineHz
}

// GetCalibrationPath returns the audio calibration file path or the default.
func (c *Config) GetCalibrationPath() string {
	if c.CalibrationPath == nil {
		return "data/audio_calibration.json"
	}
	return *c.CalibrationPath
}

// GetWatchdogTimeout parses and returns the watchdog heartbeat timeout.
func (c *Config) GetWatchdogTimeout() time.Duration {
	if c.WatchdogTimeout == nil || *c.WatchdogTimeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(*c.WatchdogTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetMaxOperationTime parses and returns the maximum continuous run time.
func (c *Config) GetMaxOperationTime() time.Duration {
	if c.MaxOperationTime == nil || *c.MaxOperationTime == "" {
		return 30 * time.Minute
	}
	d, err := time.ParseDuration(*c.MaxOperationTime)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// GetStallRetryAttempts returns the stall count that latches emergency stop.
func (c *Config) GetStallRetryAttempts() int {
	if c.StallRetryAttempts == nil {
		return 5
	}
	return *c.StallRetryAttempts
}

// DefaultTimings returns the factory actuator timing parameters in seconds.
func DefaultTimings() map[string]float64 {
	return map[string]float64{
		"boom_up_full":          2.0,
		"boom_down_full":        2.0,
		"arm_up_full":           1.5,
		"arm_down_full":         1.5,
		"bucket_scoop":          1.0,
		"button_press_duration": 0.5,
	}
}

// GetTimings returns the actuator timing map with defaults filled in.
func (c *Config) GetTimings() map[string]float64 {
	timings := DefaultTimings()
	for name, v := range c.Timings {
		timings[name] = v
	}
	return timings
}

// GetLearningEnabled reports whether adaptive timing optimization is on.
func (c *Config) GetLearningEnabled() bool {
	if c.LearningEnabled == nil {
		return true
	}
	return *c.LearningEnabled
}

// GetMinAttempts returns the attempt count required before learning kicks in.
func (c *Config) GetMinAttempts() int {
	if c.MinAttempts == nil {
		return 10
	}
	return *c.MinAttempts
}

// GetSuccessRateThreshold returns the success rate below which the optimizer
// adjusts timings.
func (c *Config) GetSuccessRateThreshold() float64 {
	if c.SuccessRateThreshold == nil {
		return 0.7
	}
	return *c.SuccessRateThreshold
}

// GetAdjustmentRate returns the blend rate toward best known timings.
func (c *Config) GetAdjustmentRate() float64 {
	if c.AdjustmentRate == nil {
		return 0.3
	}
	return *c.AdjustmentRate
}

// GetExplorationRate returns the epsilon-greedy exploration probability.
func (c *Config) GetExplorationRate() float64 {
	if c.ExplorationRate == nil {
		return 0.1
	}
	return *c.ExplorationRate
}

// GetRollingWindowSize returns the attempt window for the rolling success rate.
func (c *Config) GetRollingWindowSize() int {
	if c.RollingWindowSize == nil {
		return 20
	}
	return *c.RollingWindowSize
}

// GetTickInterval parses and returns the arbiter tick interval.
func (c *Config) GetTickInterval() time.Duration {
	if c.TickInterval == nil || *c.TickInterval == "" {
		return 100 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.TickInterval)
	if err != nil {
		return 100 * time.Millisecond
	}
	return d
}

// GetPatrolStepSeconds returns the bounded forward-motion duration used per
// waypoint advance.
func (c *Config) GetPatrolStepSeconds() float64 {
	if c.PatrolStepSeconds == nil {
		return 0.5
	}
	return *c.PatrolStepSeconds
}

// GetDisposalProximity returns the estimated-distance threshold that counts
// as arrival at the disposal marker.
func (c *Config) GetDisposalProximity() float64 {
	if c.DisposalProximity == nil {
		return 0.7
	}
	return *c.DisposalProximity
}

// GetHomeArrival returns the distance below which the excavator is home.
func (c *Config) GetHomeArrival() float64 {
	if c.HomeArrival == nil {
		return 0.5
	}
	return *c.HomeArrival
}
