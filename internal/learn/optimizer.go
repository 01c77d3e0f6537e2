// Package learn adapts actuator timing parameters from pickup outcomes.
//
// Optimization is deliberately simple: when the rolling success rate drops
// below a threshold, current timings are blended toward the average timings
// of past successful attempts. Epsilon-greedy exploration occasionally
// perturbs a timing so the success data does not collapse onto one point.
package learn

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/yardbot/excavator/internal/monitoring"
	"github.com/yardbot/excavator/internal/store"
)

// timingParams are the parameters under optimization.
var timingParams = []string{
	"boom_up_full",
	"boom_down_full",
	"arm_up_full",
	"arm_down_full",
	"bucket_scoop",
}

// Config contains learning knobs.
type Config struct {
	// Enabled turns the optimizer on. Disabled, all methods pass timings
	// through unchanged.
	Enabled bool
	// MinAttempts is the attempt count required before optimizing.
	MinAttempts int
	// SuccessRateThreshold triggers optimization when the rolling success
	// rate falls below it.
	SuccessRateThreshold float64
	// AdjustmentRate is the blend factor toward the best known timings.
	AdjustmentRate float64
	// ExplorationRate is the epsilon-greedy exploration probability.
	ExplorationRate float64
	// RollingWindowSize is the attempt window for the rolling success rate.
	RollingWindowSize int
}

// Optimizer tunes timing parameters against the attempt history in the store.
type Optimizer struct {
	mu sync.Mutex

	cfg     Config
	db      *store.Store
	timings map[string]float64
	rnd     *rand.Rand
}

// New creates an optimizer seeded with the given initial timings.
func New(cfg Config, db *store.Store, initial map[string]float64) *Optimizer {
	timings := make(map[string]float64, len(timingParams))
	for _, p := range timingParams {
		if v, ok := initial[p]; ok {
			timings[p] = v
		} else {
			timings[p] = 1.0
		}
	}
	state := "disabled"
	if cfg.Enabled {
		state = "enabled"
	}
	monitoring.Logf("adaptive optimizer initialized (%s)", state)
	return &Optimizer{
		cfg:     cfg,
		db:      db,
		timings: timings,
		rnd:     rand.New(rand.NewSource(rand.Int63())),
	}
}

// SetRandSource replaces the exploration random source. Test use.
func (o *Optimizer) SetRandSource(src rand.Source) {
	o.mu.Lock()
	o.rnd = rand.New(src)
	o.mu.Unlock()
}

// ShouldOptimize reports whether an optimization pass is warranted: learning
// enabled, enough history, and a rolling success rate below threshold.
func (o *Optimizer) ShouldOptimize() (bool, error) {
	if !o.cfg.Enabled {
		return false, nil
	}
	stats, err := o.db.Stats()
	if err != nil {
		return false, err
	}
	if stats.TotalAttempts < o.cfg.MinAttempts {
		return false, nil
	}
	rate, err := o.db.SuccessRate(o.cfg.RollingWindowSize)
	if err != nil {
		return false, err
	}
	return rate < o.cfg.SuccessRateThreshold, nil
}

// Optimize blends current timings toward the average timings of successful
// attempts and returns the updated set. A no-op when ShouldOptimize is false
// or there are no successes to learn from.
func (o *Optimizer) Optimize() (map[string]float64, error) {
	should, err := o.ShouldOptimize()
	if err != nil {
		return nil, err
	}
	if !should {
		return o.Timings(), nil
	}

	best, err := o.db.BestTimings()
	if err != nil {
		return nil, err
	}
	if len(best) == 0 {
		monitoring.Logf("no successful attempts to learn from")
		return o.Timings(), nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	monitoring.Logf("optimizing timing parameters")
	for _, p := range timingParams {
		b, ok := best[p]
		if !ok {
			continue
		}
		cur := o.timings[p]
		next := cur + o.cfg.AdjustmentRate*(b-cur)
		o.timings[p] = next
		monitoring.Logf("  %s: %.2f -> %.2f", p, cur, next)
	}
	return o.copyTimings(), nil
}

// TimingWithExploration returns a parameter value, occasionally perturbed by
// up to 20 percent. The result never drops below 0.1 seconds.
func (o *Optimizer) TimingWithExploration(name string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	base, ok := o.timings[name]
	if !ok {
		base = 1.0
	}
	if !o.cfg.Enabled || o.rnd.Float64() >= o.cfg.ExplorationRate {
		return base
	}

	variation := (o.rnd.Float64() - 0.5) * 0.4 // uniform in [-0.2, 0.2)
	explored := base * (1 + variation)
	if explored < 0.1 {
		explored = 0.1
	}
	return explored
}

// Timings returns a copy of the current parameter set.
func (o *Optimizer) Timings() map[string]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.copyTimings()
}

func (o *Optimizer) copyTimings() map[string]float64 {
	out := make(map[string]float64, len(o.timings))
	for k, v := range o.timings {
		out[k] = v
	}
	return out
}

// AllTimings returns the full parameter set, with exploration applied per
// parameter when explore is true and learning is enabled.
func (o *Optimizer) AllTimings(explore bool) map[string]float64 {
	if !explore || !o.cfg.Enabled {
		return o.Timings()
	}
	out := make(map[string]float64, len(timingParams))
	for _, p := range timingParams {
		out[p] = o.TimingWithExploration(p)
	}
	return out
}

// Save persists the current parameters with the overall success rate.
func (o *Optimizer) Save() error {
	stats, err := o.db.Stats()
	if err != nil {
		return err
	}
	for name, value := range o.Timings() {
		if err := o.db.SaveLearnedParameter(name, value, stats.SuccessRate, stats.TotalAttempts); err != nil {
			return fmt.Errorf("learn: saving %s: %w", name, err)
		}
	}
	monitoring.Logf("learned parameters saved")
	return nil
}

// Load restores previously saved parameters. Returns true when at least one
// parameter was found.
func (o *Optimizer) Load() (bool, error) {
	loaded := false
	for _, p := range timingParams {
		v, ok, err := o.db.LearnedParameter(p)
		if err != nil {
			return loaded, fmt.Errorf("learn: loading %s: %w", p, err)
		}
		if ok {
			o.mu.Lock()
			o.timings[p] = v
			o.mu.Unlock()
			loaded = true
		}
	}
	if loaded {
		monitoring.Logf("loaded learned parameters")
	}
	return loaded, nil
}
