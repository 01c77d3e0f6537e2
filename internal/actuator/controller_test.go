package actuator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yardbot/excavator/internal/config"
	"github.com/yardbot/excavator/internal/stall"
)

// newTestController builds a controller over simulated pins with sleeps
// compressed to microseconds.
func newTestController(t *testing.T) (*Controller, Pins) {
	t.Helper()
	pins := SimPins()
	c := New(pins, config.DefaultTimings())
	c.SetTimeScale(1e-6)
	return c, pins
}

func TestPressTogglesPin(t *testing.T) {
	t.Parallel()

	c, pins := newTestController(t)
	require.NoError(t, c.MoveForward(0.5))

	p := pins.MoveForward.(*SimPin)
	assert.Equal(t, 1, p.Presses())
	assert.False(t, p.Active())
}

func TestPressPropagatesPinError(t *testing.T) {
	t.Parallel()

	pins := SimPins()
	pins.TurnLeft = FaultPin{}
	c := New(pins, config.DefaultTimings())
	c.SetTimeScale(1e-6)

	err := c.TurnLeft(0.1)
	assert.ErrorIs(t, err, ErrPinFault)
}

func TestStopAllReleasesEveryChannel(t *testing.T) {
	t.Parallel()

	c, pins := newTestController(t)
	require.NoError(t, pins.BoomUp.On())
	require.NoError(t, pins.MoveForward.On())
	require.NoError(t, pins.BucketIn.On())

	c.StopAll()

	for _, p := range []Pin{
		pins.BoomUp, pins.BoomDown, pins.ArmUp, pins.ArmDown,
		pins.BucketIn, pins.BucketOut, pins.TurretLeft, pins.TurretRight,
		pins.MoveForward, pins.MoveBackward, pins.TurnLeft, pins.TurnRight,
	} {
		assert.False(t, p.(*SimPin).Active())
	}
}

func TestPickupSequenceDrivesExpectedChannels(t *testing.T) {
	t.Parallel()

	c, pins := newTestController(t)
	require.NoError(t, c.PickupSequence())

	// Ground position presses boom_down, arm_down, bucket_out; the scoop and
	// lift press bucket_in, boom_up, arm_up.
	assert.Equal(t, 1, pins.BoomDown.(*SimPin).Presses())
	assert.Equal(t, 1, pins.ArmDown.(*SimPin).Presses())
	assert.Equal(t, 1, pins.BucketOut.(*SimPin).Presses())
	assert.Equal(t, 1, pins.BucketIn.(*SimPin).Presses())
	assert.Equal(t, 1, pins.BoomUp.(*SimPin).Presses())
	assert.Equal(t, 1, pins.ArmUp.(*SimPin).Presses())
	assert.Zero(t, pins.MoveForward.(*SimPin).Presses())
}

func TestDumpSequenceDrivesExpectedChannels(t *testing.T) {
	t.Parallel()

	c, pins := newTestController(t)
	require.NoError(t, c.DumpSequence())

	assert.Equal(t, 1, pins.BoomUp.(*SimPin).Presses())
	assert.Equal(t, 1, pins.BucketOut.(*SimPin).Presses())
	assert.Equal(t, 1, pins.BucketIn.(*SimPin).Presses())
}

func TestSequenceStopsOnFirstError(t *testing.T) {
	t.Parallel()

	pins := SimPins()
	pins.ArmDown = FaultPin{}
	c := New(pins, config.DefaultTimings())
	c.SetTimeScale(1e-6)

	err := c.PickupSequence()
	require.ErrorIs(t, err, ErrPinFault)
	// Nothing after the failing step ran.
	assert.Zero(t, pins.BucketIn.(*SimPin).Presses())
}

func TestSetTimingAndTimings(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(t)
	c.SetTiming("bucket_scoop", 1.4)

	assert.InDelta(t, 1.4, c.Timing("bucket_scoop", 0), 1e-9)
	assert.InDelta(t, 1.4, c.Timings()["bucket_scoop"], 1e-9)
	assert.InDelta(t, 9.9, c.Timing("missing", 9.9), 1e-9)
}

func TestRetryStrategyBackUpReverses(t *testing.T) {
	t.Parallel()

	c, pins := newTestController(t)
	require.NoError(t, c.ExecuteRetryStrategy(stall.BackUp))
	assert.Equal(t, 1, pins.MoveBackward.(*SimPin).Presses())
}

func TestRetryStrategyAdjustAngleTurnsAndAdvances(t *testing.T) {
	t.Parallel()

	c, pins := newTestController(t)
	require.NoError(t, c.ExecuteRetryStrategy(stall.AdjustAngle))
	assert.Equal(t, 1, pins.TurnLeft.(*SimPin).Presses())
	assert.Equal(t, 1, pins.MoveForward.(*SimPin).Presses())
}

func TestRetryStrategyReduceDepthShortensArmStroke(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(t)
	before := c.Timing("arm_down_full", 0)
	require.NoError(t, c.ExecuteRetryStrategy(stall.ReduceDepth))
	assert.InDelta(t, before*0.7, c.Timing("arm_down_full", 0), 1e-9)
}

func TestRetryStrategyIncreaseForceLengthensScoop(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(t)
	before := c.Timing("bucket_scoop", 0)
	require.NoError(t, c.ExecuteRetryStrategy(stall.IncreaseForce))
	assert.InDelta(t, before*1.3, c.Timing("bucket_scoop", 0), 1e-9)
}

func TestRetryStrategySkipIsNoOp(t *testing.T) {
	t.Parallel()

	c, pins := newTestController(t)
	require.NoError(t, c.ExecuteRetryStrategy(stall.Skip))
	for _, p := range []Pin{pins.MoveBackward, pins.TurnLeft, pins.MoveForward} {
		assert.Zero(t, p.(*SimPin).Presses())
	}
}

func TestCalibrateHomeStallsEachAxis(t *testing.T) {
	t.Parallel()

	c, pins := newTestController(t)

	var motors []string
	clears := 0
	ok, err := c.CalibrateHome(
		func(motor string) (bool, error) {
			motors = append(motors, motor)
			return true, nil
		},
		func() { clears++ },
		5.0,
	)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"boom_motor", "arm_motor", "bucket_motor"}, motors)
	assert.Equal(t, 3, clears)

	// All calibration channels released afterwards.
	assert.False(t, pins.BoomUp.(*SimPin).Active())
	assert.False(t, pins.ArmUp.(*SimPin).Active())
	assert.False(t, pins.BucketOut.(*SimPin).Active())
}

func TestCalibrateHomeTimesOutWithoutStall(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(t)
	ok, err := c.CalibrateHome(
		func(string) (bool, error) { return false, nil },
		func() {},
		0.3,
	)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCalibrateHomePropagatesCheckError(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(t)
	boom := errors.New("microphone unplugged")
	_, err := c.CalibrateHome(
		func(string) (bool, error) { return false, boom },
		func() {},
		1.0,
	)
	assert.ErrorIs(t, err, boom)
}

func TestCloseReleasesAndClosesChannels(t *testing.T) {
	t.Parallel()

	c, pins := newTestController(t)
	require.NoError(t, pins.BoomUp.On())
	require.NoError(t, c.Close())

	p := pins.BoomUp.(*SimPin)
	assert.False(t, p.Active())
	assert.ErrorContains(t, p.On(), "closed")
}
