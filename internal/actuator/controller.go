// Package actuator drives the RC excavator through optocoupler channels that
// press buttons on the stock transmitter. The excavator has no position
// feedback, so all motion is timing based.
package actuator

import (
	"fmt"
	"sync"
	"time"

	"github.com/yardbot/excavator/internal/monitoring"
	"github.com/yardbot/excavator/internal/stall"
)

// Pins holds the full channel set of the transmitter.
type Pins struct {
	BoomUp       Pin
	BoomDown     Pin
	ArmUp        Pin
	ArmDown      Pin
	BucketIn     Pin
	BucketOut    Pin
	TurretLeft   Pin
	TurretRight  Pin
	MoveForward  Pin
	MoveBackward Pin
	TurnLeft     Pin
	TurnRight    Pin
}

// SimPins returns a full channel set of simulated pins.
func SimPins() Pins {
	return Pins{
		BoomUp:       NewSimPin(),
		BoomDown:     NewSimPin(),
		ArmUp:        NewSimPin(),
		ArmDown:      NewSimPin(),
		BucketIn:     NewSimPin(),
		BucketOut:    NewSimPin(),
		TurretLeft:   NewSimPin(),
		TurretRight:  NewSimPin(),
		MoveForward:  NewSimPin(),
		MoveBackward: NewSimPin(),
		TurnLeft:     NewSimPin(),
		TurnRight:    NewSimPin(),
	}
}

type namedPin struct {
	name string
	pin  Pin
}

// Controller presses transmitter buttons for configured durations. Timing
// parameters are runtime-adjustable so the learning layer and the stall
// recovery strategies can tune them.
type Controller struct {
	pins Pins
	all  []namedPin

	mu      sync.Mutex
	timings map[string]float64

	// timeScale compresses sleep durations. 1.0 for hardware; tests use a
	// small value so sequences run in microseconds.
	timeScale float64
}

// New creates a controller over the given pins. Timings not present in the
// map keep no default here; pass config.GetTimings().
func New(pins Pins, timings map[string]float64) *Controller {
	t := make(map[string]float64, len(timings))
	for k, v := range timings {
		t[k] = v
	}
	c := &Controller{pins: pins, timings: t, timeScale: 1.0}
	c.all = []namedPin{
		{"boom_up", pins.BoomUp},
		{"boom_down", pins.BoomDown},
		{"arm_up", pins.ArmUp},
		{"arm_down", pins.ArmDown},
		{"bucket_in", pins.BucketIn},
		{"bucket_out", pins.BucketOut},
		{"turret_left", pins.TurretLeft},
		{"turret_right", pins.TurretRight},
		{"move_forward", pins.MoveForward},
		{"move_backward", pins.MoveBackward},
		{"turn_left", pins.TurnLeft},
		{"turn_right", pins.TurnRight},
	}
	return c
}

// SetTimeScale compresses all press durations by the given factor. Test use.
func (c *Controller) SetTimeScale(scale float64) {
	c.mu.Lock()
	c.timeScale = scale
	c.mu.Unlock()
}

// Timing returns the named timing parameter, or fallback when absent.
func (c *Controller) Timing(name string, fallback float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.timings[name]; ok {
		return v
	}
	return fallback
}

// SetTiming adjusts a timing parameter at runtime.
func (c *Controller) SetTiming(name string, value float64) {
	c.mu.Lock()
	old := c.timings[name]
	c.timings[name] = value
	c.mu.Unlock()
	monitoring.Logf("timing adjusted: %s = %.2fs (was %.2fs)", name, value, old)
}

// Timings returns a copy of the current timing parameters.
func (c *Controller) Timings() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.timings))
	for k, v := range c.timings {
		out[k] = v
	}
	return out
}

// press holds a button for the given number of seconds.
func (c *Controller) press(name string, p Pin, seconds float64) error {
	if err := p.On(); err != nil {
		return fmt.Errorf("actuator: pressing %s: %w", name, err)
	}
	c.mu.Lock()
	scale := c.timeScale
	c.mu.Unlock()
	time.Sleep(time.Duration(seconds * scale * float64(time.Second)))
	if err := p.Off(); err != nil {
		return fmt.Errorf("actuator: releasing %s: %w", name, err)
	}
	return nil
}

// StopAll releases every channel. Used as the emergency stop handler; it
// iterates an explicit pin list so no channel can be missed.
func (c *Controller) StopAll() {
	monitoring.Logf("STOP ALL: releasing all controls")
	for _, np := range c.all {
		if err := np.pin.Off(); err != nil {
			monitoring.Logf("stop all: releasing %s: %v", np.name, err)
		}
	}
}

// Close releases and closes every channel.
func (c *Controller) Close() error {
	c.StopAll()
	var firstErr error
	for _, np := range c.all {
		if err := np.pin.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("actuator: closing %s: %w", np.name, err)
		}
	}
	return firstErr
}

// Drive commands.

func (c *Controller) MoveForward(seconds float64) error {
	monitoring.Logf("moving forward for %.1fs", seconds)
	return c.press("move_forward", c.pins.MoveForward, seconds)
}

func (c *Controller) MoveBackward(seconds float64) error {
	monitoring.Logf("moving backward for %.1fs", seconds)
	return c.press("move_backward", c.pins.MoveBackward, seconds)
}

func (c *Controller) TurnLeft(seconds float64) error {
	monitoring.Logf("turning left for %.1fs", seconds)
	return c.press("turn_left", c.pins.TurnLeft, seconds)
}

func (c *Controller) TurnRight(seconds float64) error {
	monitoring.Logf("turning right for %.1fs", seconds)
	return c.press("turn_right", c.pins.TurnRight, seconds)
}

// Arm commands. A zero duration uses the configured full-stroke timing.

func (c *Controller) BoomRaise(seconds float64) error {
	if seconds <= 0 {
		seconds = c.Timing("boom_up_full", 2.0)
	}
	monitoring.Logf("raising boom for %.1fs", seconds)
	return c.press("boom_up", c.pins.BoomUp, seconds)
}

func (c *Controller) BoomLower(seconds float64) error {
	if seconds <= 0 {
		seconds = c.Timing("boom_down_full", 2.0)
	}
	monitoring.Logf("lowering boom for %.1fs", seconds)
	return c.press("boom_down", c.pins.BoomDown, seconds)
}

func (c *Controller) ArmRaise(seconds float64) error {
	if seconds <= 0 {
		seconds = c.Timing("arm_up_full", 1.5)
	}
	monitoring.Logf("raising arm for %.1fs", seconds)
	return c.press("arm_up", c.pins.ArmUp, seconds)
}

func (c *Controller) ArmLower(seconds float64) error {
	if seconds <= 0 {
		seconds = c.Timing("arm_down_full", 1.5)
	}
	monitoring.Logf("lowering arm for %.1fs", seconds)
	return c.press("arm_down", c.pins.ArmDown, seconds)
}

func (c *Controller) BucketScoop(seconds float64) error {
	if seconds <= 0 {
		seconds = c.Timing("bucket_scoop", 1.0)
	}
	monitoring.Logf("scooping bucket for %.1fs", seconds)
	return c.press("bucket_in", c.pins.BucketIn, seconds)
}

func (c *Controller) BucketDump(seconds float64) error {
	if seconds <= 0 {
		seconds = c.Timing("button_press_duration", 0.5)
	}
	monitoring.Logf("dumping bucket for %.1fs", seconds)
	return c.press("bucket_out", c.pins.BucketOut, seconds)
}

func (c *Controller) TurretRotateLeft(seconds float64) error {
	monitoring.Logf("rotating turret left for %.1fs", seconds)
	return c.press("turret_left", c.pins.TurretLeft, seconds)
}

func (c *Controller) TurretRotateRight(seconds float64) error {
	monitoring.Logf("rotating turret right for %.1fs", seconds)
	return c.press("turret_right", c.pins.TurretRight, seconds)
}

// pause sleeps for the given seconds scaled by the controller's time scale.
func (c *Controller) pause(seconds float64) {
	c.mu.Lock()
	scale := c.timeScale
	c.mu.Unlock()
	time.Sleep(time.Duration(seconds * scale * float64(time.Second)))
}

// HomePosition moves the arm group to the transport position: bucket
// retracted, arm raised, boom raised.
func (c *Controller) HomePosition() error {
	monitoring.Logf("moving to home position")
	if err := c.BucketScoop(0); err != nil {
		return err
	}
	c.pause(0.2)
	if err := c.ArmRaise(0); err != nil {
		return err
	}
	c.pause(0.2)
	return c.BoomRaise(0)
}

// GroundPosition lowers the arm group for scooping: boom down, arm extended,
// bucket slightly open.
func (c *Controller) GroundPosition() error {
	monitoring.Logf("moving to ground position")
	if err := c.BoomLower(0); err != nil {
		return err
	}
	c.pause(0.2)
	if err := c.ArmLower(0); err != nil {
		return err
	}
	c.pause(0.2)
	return c.BucketDump(0.5)
}

// PickupSequence runs the full scoop cycle: ground position, scoop, lift.
func (c *Controller) PickupSequence() error {
	monitoring.Logf("executing pickup sequence")
	if err := c.GroundPosition(); err != nil {
		return err
	}
	c.pause(0.3)
	if err := c.BucketScoop(0); err != nil {
		return err
	}
	c.pause(0.2)
	if err := c.BoomRaise(1.0); err != nil {
		return err
	}
	c.pause(0.2)
	return c.ArmRaise(0.5)
}

// DumpSequence empties the bucket at the disposal site and returns the
// bucket to the carry position.
func (c *Controller) DumpSequence() error {
	monitoring.Logf("executing dump sequence")
	if err := c.BoomRaise(0.5); err != nil {
		return err
	}
	c.pause(0.2)
	if err := c.BucketDump(1.5); err != nil {
		return err
	}
	c.pause(0.5)
	return c.BucketScoop(0.5)
}

// ExecuteRetryStrategy performs the recovery motion for a stall strategy.
// ReduceDepth and IncreaseForce adjust timings rather than moving.
func (c *Controller) ExecuteRetryStrategy(s stall.Strategy) error {
	monitoring.Logf("executing retry strategy: %s", s)
	switch s {
	case stall.BackUp:
		if err := c.MoveBackward(0.5); err != nil {
			return err
		}
		c.pause(0.5)
	case stall.AdjustAngle:
		if err := c.TurnLeft(0.3); err != nil {
			return err
		}
		c.pause(0.3)
		if err := c.MoveForward(0.3); err != nil {
			return err
		}
		c.pause(0.3)
	case stall.ReduceDepth:
		c.SetTiming("arm_down_full", c.Timing("arm_down_full", 1.5)*0.7)
	case stall.IncreaseForce:
		c.SetTiming("bucket_scoop", c.Timing("bucket_scoop", 1.0)*1.3)
	case stall.Skip:
		// Caller moves on to the next target.
	}
	return nil
}

// CalibrateHome drives boom, arm and bucket to their physical limits, using
// the stall check to sense each limit. checkStall samples once and returns
// true when the named motor is stalled; clearStall resets the detector flag
// between axes. Returns false when any axis timed out instead of stalling.
func (c *Controller) CalibrateHome(checkStall func(motor string) (bool, error), clearStall func(), maxSeconds float64) (bool, error) {
	monitoring.Logf("calibrating home position: driving to physical limits")

	axes := []struct {
		motor string
		pin   Pin
		name  string
	}{
		{"boom_motor", c.pins.BoomUp, "boom_up"},
		{"arm_motor", c.pins.ArmUp, "arm_up"},
		{"bucket_motor", c.pins.BucketOut, "bucket_out"},
	}

	ok := true
	for _, axis := range axes {
		reached, err := c.driveToLimit(axis.name, axis.motor, axis.pin, checkStall, maxSeconds)
		if err != nil {
			return false, err
		}
		if reached {
			clearStall()
		} else {
			monitoring.Logf("%s timeout: may not be at limit", axis.name)
			ok = false
		}
		c.pause(0.5)
	}

	if ok {
		monitoring.Logf("home position calibrated: boom raised, arm retracted, bucket extended")
	}
	return ok, nil
}

func (c *Controller) driveToLimit(name, motor string, p Pin, checkStall func(string) (bool, error), maxSeconds float64) (bool, error) {
	if err := p.On(); err != nil {
		return false, fmt.Errorf("actuator: pressing %s: %w", name, err)
	}
	defer func() {
		if err := p.Off(); err != nil {
			monitoring.Logf("releasing %s: %v", name, err)
		}
	}()

	c.mu.Lock()
	scale := c.timeScale
	c.mu.Unlock()

	deadline := time.Now().Add(time.Duration(maxSeconds * scale * float64(time.Second)))
	for time.Now().Before(deadline) {
		stalled, err := checkStall(motor)
		if err != nil {
			return false, err
		}
		if stalled {
			monitoring.Logf("%s reached limit (stall detected)", name)
			return true, nil
		}
		time.Sleep(time.Duration(0.1 * scale * float64(time.Second)))
	}
	return false, nil
}
