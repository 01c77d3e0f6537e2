package control

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yardbot/excavator/internal/actuator"
	"github.com/yardbot/excavator/internal/config"
	"github.com/yardbot/excavator/internal/fsm"
	"github.com/yardbot/excavator/internal/geo"
	"github.com/yardbot/excavator/internal/patrol"
	"github.com/yardbot/excavator/internal/perception"
	"github.com/yardbot/excavator/internal/safety"
	"github.com/yardbot/excavator/internal/stall"
	"github.com/yardbot/excavator/internal/store"
)

// harness wires a full simulated controller stack over a 2x2 meter yard.
type harness struct {
	deps     Deps
	tone     *stall.ToneSource
	detector *perception.SimDetector
	marker   *perception.SimMarkerDetector
	pins     actuator.Pins
}

func newHarness(t *testing.T, script ...[]perception.Detection) *harness {
	t.Helper()

	pins := actuator.SimPins()
	controller := actuator.New(pins, config.DefaultTimings())
	controller.SetTimeScale(1e-6)

	planner, err := patrol.New(patrol.Config{
		AreaWidth: 2, AreaHeight: 2, CellSize: 1, Pattern: patrol.Grid,
	})
	require.NoError(t, err)

	detector, err := stall.New(stall.Config{
		SampleRate:     1024,
		WindowSize:     1024,
		AbsThresholdHz: 50,
		DropPercent:    30,
	})
	require.NoError(t, err)
	tone := stall.NewToneSource(1024, 400)

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	watchdog := safety.New(safety.Config{
		WatchdogTimeout:    time.Hour,
		MaxOperationTime:   time.Hour,
		StallRetryAttempts: 5,
	})

	simDetector := perception.NewSimDetector(script...)
	marker := perception.NewSimMarkerDetector()
	// Marker centered and low in the frame: centered steering, normalized
	// distance 300/480 = 0.625, inside the 0.7 arrival band.
	marker.SetMarker(perception.Point{X: 320, Y: 300})

	deps := Deps{
		Controller:        controller,
		Camera:            perception.NewSimCamera(640, 480),
		Detector:          simDetector,
		MarkerDetector:    marker,
		StallDetector:     detector,
		StallSource:       tone,
		NavSM:             fsm.NewNavigation(nil),
		ArmSM:             fsm.NewManipulation(nil),
		Planner:           planner,
		Tracker:           geo.NewTracker(0, 0, 0.3, 45),
		Watchdog:          watchdog,
		Store:             db,
		Blackboard:        NewBlackboard(),
		StepSeconds:       0.5,
		DisposalProximity: 0.7,
		CoverageThreshold: 95,
	}
	return &harness{deps: deps, tone: tone, detector: simDetector, marker: marker, pins: pins}
}

func (h *harness) tree() Node {
	return NewSequence("root",
		NewSafetyGate(h.deps.Watchdog),
		NewCommandGate(h.deps.Blackboard),
		NewPatrolCycle(h.deps),
		NewReturnHome(h.deps.Controller, h.deps.Tracker, h.deps.NavSM, h.deps.Blackboard, h.deps.Planner, 1.0, 1.0, 0.5),
	)
}

// runToCompletion ticks until the root returns Success or the budget runs out.
func runToCompletion(t *testing.T, root Node, budget int) {
	t.Helper()
	for i := 0; i < budget; i++ {
		if root.Tick() == Success {
			return
		}
	}
	t.Fatalf("tree did not complete within %d ticks", budget)
}

func TestSafetyGate(t *testing.T) {
	t.Parallel()

	w := safety.New(safety.Config{
		WatchdogTimeout:    time.Hour,
		MaxOperationTime:   time.Hour,
		StallRetryAttempts: 3,
	})
	gate := NewSafetyGate(w)
	assert.Equal(t, Success, gate.Tick())

	w.TriggerEmergencyStop("test")
	assert.Equal(t, Failure, gate.Tick())

	w.ResetEmergencyStop()
	assert.Equal(t, Success, gate.Tick())
}

func TestCommandGateWaitsForPatrolCommand(t *testing.T) {
	t.Parallel()

	bb := NewBlackboard()
	gate := NewCommandGate(bb)

	assert.Equal(t, Running, gate.Tick())
	bb.SetPatrolActive(true)
	assert.Equal(t, Success, gate.Tick())
}

func TestPatrolCycleCompletesCoverageWithoutTargets(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.deps.Blackboard.SetPatrolActive(true)
	cycle := NewPatrolCycle(h.deps)

	// Four waypoints on the 2x2 grid, then completion.
	for i := 0; i < 4; i++ {
		assert.Equal(t, Running, cycle.Tick(), "waypoint %d", i)
	}
	assert.Equal(t, Success, cycle.Tick())

	assert.InDelta(t, 100.0, h.deps.Planner.CoveragePercent(), 1e-9)
	assert.False(t, h.deps.Blackboard.PatrolActive(), "patrol deactivates on completion")

	sessions, err := h.deps.Store.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Ended)
	assert.InDelta(t, 100.0, sessions[0].CoveragePercent, 1e-9)
}

func TestPatrolCycleStopsWhenDeactivated(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.deps.Blackboard.SetPatrolActive(true)
	cycle := NewPatrolCycle(h.deps)

	assert.Equal(t, Running, cycle.Tick())
	h.deps.Blackboard.SetPatrolActive(false)
	assert.Equal(t, Success, cycle.Tick())

	// Session was closed despite incomplete coverage.
	sessions, err := h.deps.Store.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Ended)
}

func TestPickupWithRetryEscalatesAndSkips(t *testing.T) {
	t.Parallel()

	target := []perception.Detection{{
		Class:      "toy",
		Confidence: 0.9,
		Box:        perception.BBox{X1: 100, Y1: 100, X2: 150, Y2: 150},
	}}
	h := newHarness(t, target)
	h.tone.SetFrequency(30) // every pickup stalls
	h.deps.Blackboard.SetPatrolActive(true)
	cycle := NewPatrolCycle(h.deps)

	assert.Equal(t, Running, cycle.Tick())

	// Escalation ran BackUp (reverse), AdjustAngle (turn + forward), then
	// ReduceDepth shortened the arm stroke, then Skip gave up.
	assert.GreaterOrEqual(t, h.pins.MoveBackward.(*actuator.SimPin).Presses(), 1)
	assert.GreaterOrEqual(t, h.pins.TurnLeft.(*actuator.SimPin).Presses(), 1)
	assert.Less(t, h.deps.Controller.Timing("arm_down_full", 0), 1.5)

	assert.Zero(t, h.deps.Blackboard.PickupCount())

	modes, err := h.deps.Store.FailureModes()
	require.NoError(t, err)
	assert.Equal(t, 1, modes["stall_retries_exhausted"])

	// Arm machine aborted back to home.
	assert.Equal(t, fsm.ArmHome, h.deps.ArmSM.State())
}

func TestDisposalMarkerSearchExhaustionFailsDelivery(t *testing.T) {
	t.Parallel()

	target := []perception.Detection{{
		Class:      "toy",
		Confidence: 0.9,
		Box:        perception.BBox{X1: 100, Y1: 100, X2: 150, Y2: 150},
	}}
	h := newHarness(t, target)
	h.marker.ClearMarker() // marker never visible
	h.deps.Blackboard.SetPatrolActive(true)
	cycle := NewPatrolCycle(h.deps)

	assert.Equal(t, Running, cycle.Tick())

	// Pickup succeeded but the delivery failed; the search turned in place
	// for every iteration of its budget, and the load was not dumped blind.
	assert.Equal(t, 1, h.deps.Blackboard.PickupCount())
	assert.Equal(t, 20, h.pins.TurnRight.(*actuator.SimPin).Presses())
	assert.Zero(t, h.pins.BucketOut.(*actuator.SimPin).Presses()-1,
		"only the pickup's ground positioning opened the bucket")
	assert.Equal(t, fsm.ArmHome, h.deps.ArmSM.State(), "arm aborted to home")
}

func TestReturnHomeDrivesUntilArrival(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.deps.Tracker.MoveTo(0, 3)
	require.NoError(t, h.deps.NavSM.Fire(fsm.TriggerStartPatrol))

	rh := NewReturnHome(h.deps.Controller, h.deps.Tracker, h.deps.NavSM, h.deps.Blackboard, h.deps.Planner, 1.0, 1.0, 0.5)

	statuses := []Status{}
	for i := 0; i < 10; i++ {
		s := rh.Tick()
		statuses = append(statuses, s)
		if s == Success {
			break
		}
	}
	assert.Equal(t, Success, statuses[len(statuses)-1])
	assert.Less(t, h.deps.Tracker.DistanceToHome(), 0.5)
	assert.Equal(t, fsm.NavIdle, h.deps.NavSM.State())
}

func TestReturnHomeDetoursAroundObstacles(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	planner, err := patrol.New(patrol.Config{
		AreaWidth: 3, AreaHeight: 3, CellSize: 1, Pattern: patrol.Grid,
	})
	require.NoError(t, err)
	planner.MarkObstacle(1.5, 1.5)

	tracker := geo.NewTracker(0, 0, 0.3, 45)
	tracker.MoveTo(2.5, 2.5)
	require.NoError(t, h.deps.NavSM.Fire(fsm.TriggerStartPatrol))

	rh := NewReturnHome(h.deps.Controller, tracker, h.deps.NavSM, h.deps.Blackboard, planner, 1.0, 1.0, 0.5)

	var last Status
	for i := 0; i < 10 && last != Success; i++ {
		last = rh.Tick()
	}
	require.Equal(t, Success, last)
	assert.Less(t, tracker.DistanceToHome(), 0.5)

	// The straight line home runs through the blocked cell's center; the
	// grid route has to keep clear of it.
	for _, pose := range tracker.History() {
		assert.Greater(t, math.Hypot(pose.X-1.5, pose.Y-1.5), 0.9,
			"pose (%.2f, %.2f) entered the blocked cell", pose.X, pose.Y)
	}
}

// TestFullPatrolEndToEnd drives the complete tree: start command, four
// waypoints on a 2x2 grid with one target at the first waypoint, pickup,
// disposal at the marker, coverage completion, and return home.
func TestFullPatrolEndToEnd(t *testing.T) {
	t.Parallel()

	target := []perception.Detection{{
		Class:      "toy",
		Confidence: 0.9,
		Box:        perception.BBox{X1: 100, Y1: 100, X2: 150, Y2: 150},
	}}
	h := newHarness(t, target)
	root := h.tree()

	h.deps.Blackboard.SetPatrolActive(true)
	runToCompletion(t, root, 50)

	assert.Equal(t, 1, h.deps.Blackboard.PickupCount())
	assert.InDelta(t, 100.0, h.deps.Planner.CoveragePercent(), 1e-9)
	assert.Equal(t, fsm.NavIdle, h.deps.NavSM.State())
	assert.Equal(t, fsm.ArmHome, h.deps.ArmSM.State())
	assert.Less(t, h.deps.Tracker.DistanceToHome(), 0.5)

	// Exactly one attempt logged, successful, in a closed session.
	stats, err := h.deps.Store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalAttempts)
	assert.Equal(t, 1, stats.SuccessfulAttempts)

	sessions, err := h.deps.Store.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Ended)
	assert.Equal(t, 1, sessions[0].SuccessfulPickups)
	assert.Equal(t, 1, sessions[0].TotalPickups)

	// The target waypoint became a hotspot.
	hot, err := h.deps.Store.Hotspots(1)
	require.NoError(t, err)
	assert.Len(t, hot, 1)
}

func TestEmergencyStopBlocksTreeUntilReset(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	root := h.tree()
	h.deps.Blackboard.SetPatrolActive(true)

	h.deps.Watchdog.TriggerEmergencyStop("test")
	assert.Equal(t, Failure, root.Tick())
	assert.Equal(t, Failure, root.Tick(), "keeps failing while latched")

	h.deps.Watchdog.ResetEmergencyStop()
	assert.Equal(t, Running, root.Tick(), "recovers after operator reset")
}
