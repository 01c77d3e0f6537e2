// Package stall detects motor stalls from motor noise and escalates through
// recovery strategies.
//
// A loaded or stalled motor turns slower, so the dominant frequency of its
// acoustic signature drops. The detector samples a signal source, extracts the
// dominant frequency with an FFT, and flags a stall when the frequency falls
// below an absolute floor or drops too far below the calibrated free-running
// baseline.
package stall

import (
	"encoding/json"
	"fmt"
	"math/cmplx"
	"os"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	"github.com/yardbot/excavator/internal/monitoring"
)

// Strategy is a stall recovery action, escalating with consecutive failures.
type Strategy int

const (
	// BackUp reverses briefly to relieve the load.
	BackUp Strategy = iota
	// AdjustAngle turns slightly and re-approaches.
	AdjustAngle
	// ReduceDepth digs with a shallower arm stroke.
	ReduceDepth
	// IncreaseForce extends the scoop stroke for stubborn material.
	IncreaseForce
	// Skip abandons the current target.
	Skip
)

func (s Strategy) String() string {
	switch s {
	case BackUp:
		return "back_up"
	case AdjustAngle:
		return "adjust_angle"
	case ReduceDepth:
		return "reduce_depth"
	case IncreaseForce:
		return "increase_force"
	case Skip:
		return "skip"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// SignalSource supplies motor-noise samples. Record returns n samples at the
// source's native rate.
type SignalSource interface {
	Record(n int) ([]float64, error)
}

// defaultBaselineHz is the assumed free-running dominant frequency before any
// calibration has run.
const defaultBaselineHz = 400.0

const historySize = 10

// Config contains detector tuning.
type Config struct {
	// SampleRate is the source's sample rate in Hz.
	SampleRate int
	// WindowSize is the number of samples per analysis window.
	WindowSize int
	// AbsThresholdHz is the absolute floor below which any reading is a stall.
	AbsThresholdHz float64
	// DropPercent is the relative drop below baseline that counts as a stall.
	DropPercent float64
	// CalibrationPath is where the calibrated baseline is persisted. Empty
	// disables persistence.
	CalibrationPath string
}

// calibration is the persisted baseline record for one motor.
type calibration struct {
	BaselineHz   float64   `json:"baseline_hz"`
	SampleCount  int       `json:"sample_count"`
	CalibratedAt time.Time `json:"calibrated_at"`
}

// Detector tracks the dominant motor frequency and the stall retry counter.
// Baselines are per motor: calibrating the boom must not shift what counts
// as healthy for the arm. The retry counter escalates the recovery strategy
// and is reset only on success or when a new target is engaged, not when the
// stall flag clears.
type Detector struct {
	mu sync.Mutex

	cfg       Config
	fft       *fourier.FFT
	baselines map[string]calibration
	history   []float64
	stalled   bool
	retries   int
}

// New creates a detector. Motors start on the default baseline until
// LoadCalibration or Calibrate replaces it with a measured one.
func New(cfg Config) (*Detector, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("stall: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.WindowSize <= 1 {
		return nil, fmt.Errorf("stall: window size must exceed 1, got %d", cfg.WindowSize)
	}
	if cfg.DropPercent <= 0 || cfg.DropPercent >= 100 {
		return nil, fmt.Errorf("stall: drop percent must be in (0, 100), got %v", cfg.DropPercent)
	}
	return &Detector{
		cfg:       cfg,
		fft:       fourier.NewFFT(cfg.WindowSize),
		baselines: make(map[string]calibration),
	}, nil
}

// baselineLocked returns the motor's calibrated baseline or the default.
// Caller holds d.mu.
func (d *Detector) baselineLocked(motor string) float64 {
	if cal, ok := d.baselines[motor]; ok {
		return cal.BaselineHz
	}
	return defaultBaselineHz
}

// DominantFrequency returns the strongest non-DC frequency in the window, in
// Hz. The window length must equal the configured WindowSize.
func (d *Detector) DominantFrequency(samples []float64) (float64, error) {
	if len(samples) != d.cfg.WindowSize {
		return 0, fmt.Errorf("stall: window has %d samples, want %d", len(samples), d.cfg.WindowSize)
	}

	coeffs := d.fft.Coefficients(nil, samples)

	best := 1 // skip the DC bin
	bestMag := 0.0
	for i := 1; i < len(coeffs); i++ {
		if mag := cmplx.Abs(coeffs[i]); mag > bestMag {
			bestMag = mag
			best = i
		}
	}
	return d.fft.Freq(best) * float64(d.cfg.SampleRate), nil
}

// CheckForStall records one window from the source and updates the stall
// flag against the named motor's baseline. Returns true when the motor is
// currently stalled.
func (d *Detector) CheckForStall(motor string, src SignalSource) (bool, error) {
	samples, err := src.Record(d.cfg.WindowSize)
	if err != nil {
		return false, fmt.Errorf("stall: recording window: %w", err)
	}
	freq, err := d.DominantFrequency(samples)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.history = append(d.history, freq)
	if len(d.history) > historySize {
		d.history = d.history[len(d.history)-historySize:]
	}

	baseline := d.baselineLocked(motor)
	relFloor := baseline * (1 - d.cfg.DropPercent/100)
	stalled := freq < d.cfg.AbsThresholdHz || freq < relFloor
	if stalled && !d.stalled {
		monitoring.Logf("%s stall detected: dominant %.1f Hz (floor %.1f Hz, baseline %.1f Hz)",
			motor, freq, d.cfg.AbsThresholdHz, baseline)
	}
	d.stalled = stalled
	return stalled, nil
}

// Stalled reports the current stall flag.
func (d *Detector) Stalled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stalled
}

// History returns the recent dominant-frequency readings, oldest first.
func (d *Detector) History() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]float64, len(d.history))
	copy(out, d.history)
	return out
}

// HandleStall returns the recovery strategy for the current retry count and
// then increments the count. The first stall on a target yields BackUp.
func (d *Detector) HandleStall() Strategy {
	d.mu.Lock()
	defer d.mu.Unlock()

	var s Strategy
	switch d.retries {
	case 0:
		s = BackUp
	case 1:
		s = AdjustAngle
	case 2:
		s = ReduceDepth
	default:
		s = Skip
	}
	d.retries++
	monitoring.Logf("stall recovery attempt %d: %s", d.retries, s)
	return s
}

// RetryCount returns the consecutive-stall counter for the current target.
func (d *Detector) RetryCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retries
}

// ResetStallFlag clears the stall flag without touching the retry counter, so
// escalation continues across flag-clear cycles on the same target.
func (d *Detector) ResetStallFlag() {
	d.mu.Lock()
	d.stalled = false
	d.mu.Unlock()
}

// ResetRetryCounter restarts escalation. Call on success or when a new target
// is engaged.
func (d *Detector) ResetRetryCounter() {
	d.mu.Lock()
	d.retries = 0
	d.mu.Unlock()
}

// Baseline returns the motor's free-running baseline in Hz, falling back to
// the default for uncalibrated motors.
func (d *Detector) Baseline(motor string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baselineLocked(motor)
}

// Calibrate measures the named motor's free-running baseline from the source.
// It records the requested number of windows, takes the median of the
// readings it got, and requires at least half the windows to succeed. The
// result replaces the motor's baseline and the full baseline map is persisted
// when a calibration path is configured.
func (d *Detector) Calibrate(motor string, src SignalSource, windows int) (float64, error) {
	if windows <= 0 {
		return 0, fmt.Errorf("stall: calibration needs at least one window")
	}

	readings := make([]float64, 0, windows)
	for i := 0; i < windows; i++ {
		samples, err := src.Record(d.cfg.WindowSize)
		if err != nil {
			monitoring.Logf("%s calibration window %d failed: %v", motor, i+1, err)
			continue
		}
		freq, err := d.DominantFrequency(samples)
		if err != nil {
			return 0, err
		}
		readings = append(readings, freq)
	}

	if len(readings) < (windows+1)/2 {
		return 0, fmt.Errorf("stall: %s calibration got %d of %d windows, need at least half",
			motor, len(readings), windows)
	}

	sort.Float64s(readings)
	baseline := stat.Quantile(0.5, stat.Empirical, readings, nil)

	d.mu.Lock()
	d.baselines[motor] = calibration{
		BaselineHz:   baseline,
		SampleCount:  len(readings),
		CalibratedAt: time.Now().UTC(),
	}
	d.mu.Unlock()

	monitoring.Logf("calibrated %s baseline: %.1f Hz from %d windows",
		motor, baseline, len(readings))

	if d.cfg.CalibrationPath != "" {
		if err := d.saveCalibration(); err != nil {
			return baseline, err
		}
	}
	return baseline, nil
}

func (d *Detector) saveCalibration() error {
	d.mu.Lock()
	snapshot := make(map[string]calibration, len(d.baselines))
	for motor, cal := range d.baselines {
		snapshot[motor] = cal
	}
	d.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("stall: encoding calibration: %w", err)
	}
	if err := os.WriteFile(d.cfg.CalibrationPath, data, 0o644); err != nil {
		return fmt.Errorf("stall: writing calibration: %w", err)
	}
	return nil
}

// LoadCalibration restores previously saved per-motor baselines. A missing
// file is not an error; the default baseline stays in effect.
func (d *Detector) LoadCalibration() error {
	if d.cfg.CalibrationPath == "" {
		return nil
	}
	data, err := os.ReadFile(d.cfg.CalibrationPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stall: reading calibration: %w", err)
	}

	var cals map[string]calibration
	if err := json.Unmarshal(data, &cals); err != nil {
		return fmt.Errorf("stall: decoding calibration: %w", err)
	}
	for motor, cal := range cals {
		if cal.BaselineHz <= 0 {
			return fmt.Errorf("stall: %s calibration baseline must be positive, got %v",
				motor, cal.BaselineHz)
		}
	}

	d.mu.Lock()
	d.baselines = cals
	d.mu.Unlock()

	for motor, cal := range cals {
		monitoring.Logf("loaded %s calibration: %.1f Hz (saved %s)", motor,
			cal.BaselineHz, cal.CalibratedAt.Format(time.RFC3339))
	}
	return nil
}
