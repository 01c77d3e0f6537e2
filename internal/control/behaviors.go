package control

import (
	"errors"
	"fmt"

	"github.com/yardbot/excavator/internal/actuator"
	"github.com/yardbot/excavator/internal/fsm"
	"github.com/yardbot/excavator/internal/geo"
	"github.com/yardbot/excavator/internal/learn"
	"github.com/yardbot/excavator/internal/monitoring"
	"github.com/yardbot/excavator/internal/pathfind"
	"github.com/yardbot/excavator/internal/patrol"
	"github.com/yardbot/excavator/internal/perception"
	"github.com/yardbot/excavator/internal/safety"
	"github.com/yardbot/excavator/internal/stall"
	"github.com/yardbot/excavator/internal/store"
)

// ErrMarkerNotFound is returned when the disposal marker search exhausts its
// iteration budget without arriving. The load stays in the bucket; the
// failure is logged rather than dumped blind.
var ErrMarkerNotFound = errors.New("control: disposal marker not found")

const (
	// pickupAttempts bounds the stall retry loop per target.
	pickupAttempts = 4
	// disposalIterations bounds the marker search loop.
	disposalIterations = 20
)

// SafetyGate fails the tree while the system is unsafe, so nothing downstream
// of it can move the machine.
type SafetyGate struct {
	watchdog *safety.Watchdog
}

// NewSafetyGate creates the gate.
func NewSafetyGate(w *safety.Watchdog) *SafetyGate {
	return &SafetyGate{watchdog: w}
}

func (g *SafetyGate) Name() string { return "safety_check" }

func (g *SafetyGate) Tick() Status {
	if g.watchdog.EmergencyStopped() {
		monitoring.Logf("EMERGENCY STOP ACTIVE")
		return Failure
	}
	if !g.watchdog.IsSafe() {
		monitoring.Logf("safety check failed")
		return Failure
	}
	return Success
}

// CommandGate blocks until the operator commands patrol on.
type CommandGate struct {
	bb *Blackboard
}

// NewCommandGate creates the gate.
func NewCommandGate(bb *Blackboard) *CommandGate {
	return &CommandGate{bb: bb}
}

func (g *CommandGate) Name() string { return "wait_for_patrol_command" }

func (g *CommandGate) Tick() Status {
	if g.bb.PatrolActive() {
		return Success
	}
	return Running
}

// Deps bundles the collaborators the patrol behaviors drive.
type Deps struct {
	Controller     *actuator.Controller
	Camera         perception.Camera
	Detector       perception.Detector
	MarkerDetector perception.MarkerDetector
	StallDetector  *stall.Detector
	StallSource    stall.SignalSource
	NavSM          *fsm.Machine
	ArmSM          *fsm.Machine
	Planner        *patrol.Planner
	Tracker        *geo.Tracker
	Watchdog       *safety.Watchdog
	Store          *store.Store
	Optimizer      *learn.Optimizer
	Blackboard     *Blackboard

	// StepSeconds is the forward drive burst per waypoint.
	StepSeconds float64
	// DisposalProximity is the normalized marker distance counting as
	// arrived at the disposal site.
	DisposalProximity float64
	// CoverageThreshold is the percent coverage that completes a patrol.
	CoverageThreshold float64
}

// PatrolCycle services waypoints one per tick: drive, mark coverage, scan,
// and when a target shows up run the full pickup and disposal cycle inline.
type PatrolCycle struct {
	d Deps

	started      bool
	successCount int
	attemptCount int
}

// NewPatrolCycle creates the behavior.
func NewPatrolCycle(d Deps) *PatrolCycle {
	return &PatrolCycle{d: d}
}

func (p *PatrolCycle) Name() string { return "patrol_cycle" }

func (p *PatrolCycle) Tick() Status {
	bb := p.d.Blackboard

	if !bb.PatrolActive() || bb.ReturnHomeRequested() {
		if p.started {
			monitoring.Logf("patrol deactivated, ending patrol")
			p.finishSession()
		}
		return Success
	}

	if !p.started {
		p.initSession()
	}

	if p.d.Planner.IsComplete(p.d.CoverageThreshold) || !p.d.Planner.HasMoreWaypoints() {
		monitoring.Logf("patrol coverage complete (%.1f%%)", p.d.Planner.CoveragePercent())
		bb.SetPatrolActive(false)
		p.finishSession()
		return Success
	}

	wp, ok := p.d.Planner.NextWaypoint()
	if !ok {
		bb.SetPatrolActive(false)
		p.finishSession()
		return Success
	}
	bb.SetCurrentWaypoint(wp)

	if err := p.d.Controller.MoveForward(p.d.StepSeconds); err != nil {
		monitoring.Logf("drive toward waypoint: %v", err)
		return Failure
	}
	// Dead reckoning drifts over a patrol, so the pose snaps to the serviced
	// waypoint rather than accumulating the drive estimate.
	p.d.Tracker.MoveTo(wp.X, wp.Y)
	p.d.Planner.MarkVisited(wp.X, wp.Y)

	if err := p.scanAndService(wp); err != nil {
		monitoring.Logf("waypoint service: %v", err)
	}

	return Running
}

func (p *PatrolCycle) initSession() {
	monitoring.Logf("initializing patrol, generating waypoints")
	p.d.Planner.ResetPatrol()
	p.d.Planner.GeneratePath()
	p.d.Blackboard.ResetSession()
	p.successCount = 0
	p.attemptCount = 0

	if p.d.Store != nil {
		id, _, err := p.d.Store.StartSession(string(p.d.Planner.Pattern()))
		if err != nil {
			monitoring.Logf("starting session: %v", err)
		} else {
			p.d.Blackboard.SetSessionID(id)
		}
	}

	if p.d.Optimizer != nil {
		if _, err := p.d.Optimizer.Load(); err != nil {
			monitoring.Logf("loading learned parameters: %v", err)
		}
	}

	if err := p.d.NavSM.Fire(fsm.TriggerStartPatrol); err != nil {
		monitoring.Logf("nav transition: %v", err)
	}
	p.started = true
}

// finishSession closes the store session once. Safe against double calls
// because started flips first.
func (p *PatrolCycle) finishSession() {
	if !p.started {
		return
	}
	p.started = false

	if p.d.Store != nil && p.d.Blackboard.SessionID() != 0 {
		err := p.d.Store.EndSession(
			p.d.Blackboard.SessionID(),
			p.d.Planner.CoveragePercent(),
			p.attemptCount,
			p.successCount,
		)
		if err != nil {
			monitoring.Logf("ending session: %v", err)
		}
	}
	if p.d.Optimizer != nil {
		if err := p.d.Optimizer.Save(); err != nil {
			monitoring.Logf("saving learned parameters: %v", err)
		}
	}
}

// scanAndService looks for a target at the current waypoint and runs the
// pickup and disposal cycle when one is found.
func (p *PatrolCycle) scanAndService(wp patrol.Waypoint) error {
	frame, err := p.d.Camera.Capture()
	if err != nil {
		return fmt.Errorf("capturing frame: %w", err)
	}
	detections, err := p.d.Detector.Detect(frame)
	if err != nil {
		return fmt.Errorf("detecting targets: %w", err)
	}
	if len(detections) == 0 {
		return nil
	}

	target := detections[0]
	monitoring.Logf("target detected at waypoint (%.1f, %.1f) with confidence %.2f",
		wp.X, wp.Y, target.Confidence)
	p.d.Blackboard.SetCurrentTarget(&target)
	defer p.d.Blackboard.SetCurrentTarget(nil)

	if err := p.d.NavSM.Fire(fsm.TriggerTargetFound); err != nil {
		monitoring.Logf("nav transition: %v", err)
	}

	// A fresh target restarts strategy escalation.
	p.d.StallDetector.ResetRetryCounter()

	success, failureReason := p.pickupWithRetry()
	p.attemptCount++

	p.logAttempt(target, success, failureReason)
	p.recordHotspot(wp)

	if success {
		p.successCount++
		p.d.Blackboard.IncrementPickupCount()
		p.d.Watchdog.ResetStallCounter()
		p.d.StallDetector.ResetRetryCounter()

		if err := p.deliverToDisposal(); err != nil {
			monitoring.Logf("disposal failed: %v", err)
			if armErr := p.d.ArmSM.Fire(fsm.TriggerAbort); armErr != nil {
				monitoring.Logf("arm transition: %v", armErr)
			}
		}
	}

	if err := p.d.NavSM.Fire(fsm.TriggerContinuePatrol); err != nil {
		// Fine when the nav machine already left approaching_target.
		if fireErr := p.d.NavSM.Fire(fsm.TriggerLostTarget); fireErr == nil {
			_ = p.d.NavSM.Fire(fsm.TriggerContinuePatrol)
		}
	}
	return nil
}

// pickupWithRetry runs pickup sequences until one completes without a stall,
// escalating the recovery strategy between attempts.
func (p *PatrolCycle) pickupWithRetry() (bool, string) {
	if p.d.Optimizer != nil {
		optimized, err := p.d.Optimizer.Optimize()
		if err != nil {
			monitoring.Logf("optimizing timings: %v", err)
		} else {
			for name, value := range optimized {
				p.d.Controller.SetTiming(name, value)
			}
		}
	}

	arm := p.d.ArmSM
	for attempt := 1; attempt <= pickupAttempts; attempt++ {
		if err := arm.Fire(fsm.TriggerStartPickup); err != nil {
			monitoring.Logf("arm transition: %v", err)
		}

		if err := p.d.Controller.PickupSequence(); err != nil {
			monitoring.Logf("pickup sequence: %v", err)
			_ = arm.Fire(fsm.TriggerAbort)
			return false, "actuator_fault"
		}
		_ = arm.Fire(fsm.TriggerLowered)
		_ = arm.Fire(fsm.TriggerScooped)
		_ = arm.Fire(fsm.TriggerLifted)

		stalled, err := p.d.StallDetector.CheckForStall("arm_motor", p.d.StallSource)
		if err != nil {
			monitoring.Logf("stall check: %v", err)
			_ = arm.Fire(fsm.TriggerAbort)
			return false, "stall_check_failed"
		}

		if !stalled {
			if err := arm.Fire(fsm.TriggerPickupVerified); err != nil {
				monitoring.Logf("arm transition: %v", err)
			}
			monitoring.Logf("pickup successful on attempt %d", attempt)
			return true, ""
		}

		monitoring.Logf("stall detected during pickup (attempt %d/%d)", attempt, pickupAttempts)
		if !p.d.Watchdog.ReportStall("arm_motor") {
			_ = arm.Fire(fsm.TriggerAbort)
			return false, "repeated_stalls"
		}

		strategy := p.d.StallDetector.HandleStall()
		if err := p.d.Controller.ExecuteRetryStrategy(strategy); err != nil {
			monitoring.Logf("retry strategy %s: %v", strategy, err)
		}
		p.d.StallDetector.ResetStallFlag()
		_ = arm.Fire(fsm.TriggerAbort)

		if strategy == stall.Skip {
			monitoring.Logf("max retries reached, skipping target")
			return false, "stall_retries_exhausted"
		}
	}
	return false, "stall_retries_exhausted"
}

// deliverToDisposal steers toward the disposal marker and dumps the load.
func (p *PatrolCycle) deliverToDisposal() error {
	monitoring.Logf("navigating to disposal location")

	arrived := false
	for i := 0; i < disposalIterations && !arrived; i++ {
		frame, err := p.d.Camera.Capture()
		if err != nil {
			return fmt.Errorf("capturing frame: %w", err)
		}
		pos, found, err := p.d.MarkerDetector.DetectMarker(frame)
		if err != nil {
			return fmt.Errorf("detecting marker: %w", err)
		}
		if !found {
			if err := p.d.Controller.TurnRight(0.3); err != nil {
				return err
			}
			p.d.Tracker.TurnRight(0.3)
			continue
		}

		switch perception.DirectionToMarker(pos, frame) {
		case perception.DirectionLeft:
			if err := p.d.Controller.TurnLeft(0.3); err != nil {
				return err
			}
			p.d.Tracker.TurnLeft(0.3)
		case perception.DirectionRight:
			if err := p.d.Controller.TurnRight(0.3); err != nil {
				return err
			}
			p.d.Tracker.TurnRight(0.3)
		case perception.DirectionCentered:
			if err := p.d.Controller.MoveForward(0.5); err != nil {
				return err
			}
			p.d.Tracker.Forward(0.5)
			if perception.EstimateMarkerDistance(pos, frame) <= p.d.DisposalProximity {
				monitoring.Logf("arrived at disposal location")
				arrived = true
			}
		}
	}
	if !arrived {
		return ErrMarkerNotFound
	}

	if err := p.d.ArmSM.Fire(fsm.TriggerArrivedAtDump); err != nil {
		monitoring.Logf("arm transition: %v", err)
	}
	if err := p.d.Controller.DumpSequence(); err != nil {
		return fmt.Errorf("dump sequence: %w", err)
	}
	if err := p.d.ArmSM.Fire(fsm.TriggerDumped); err != nil {
		monitoring.Logf("arm transition: %v", err)
	}
	return nil
}

func (p *PatrolCycle) logAttempt(target perception.Detection, success bool, failureReason string) {
	if p.d.Store == nil {
		return
	}
	pose := p.d.Tracker.Pose()
	_, err := p.d.Store.LogPickupAttempt(store.Attempt{
		PositionX:        pose.X,
		PositionY:        pose.Y,
		TargetConfidence: target.Confidence,
		TargetSize:       target.Box.Area(),
		Timings:          p.d.Controller.Timings(),
		Success:          success,
		FailureReason:    failureReason,
		SessionID:        p.d.Blackboard.SessionID(),
	})
	if err != nil {
		monitoring.Logf("logging pickup attempt: %v", err)
	}
}

func (p *PatrolCycle) recordHotspot(wp patrol.Waypoint) {
	if p.d.Store == nil {
		return
	}
	row, col := p.d.Planner.PositionToGrid(wp.X, wp.Y)
	if err := p.d.Store.RecordHotspot(row, col); err != nil {
		monitoring.Logf("recording hotspot: %v", err)
	}
}

// ReturnHome drives a bounded step toward home each tick until arrival. The
// route follows cell centers from the coverage grid so latched obstacles are
// detoured rather than driven through.
type ReturnHome struct {
	controller *actuator.Controller
	tracker    *geo.Tracker
	navSM      *fsm.Machine
	bb         *Blackboard
	planner    *patrol.Planner

	stepSeconds float64
	speed       float64
	arrival     float64

	started  bool
	route    []patrol.Waypoint
	routeIdx int
}

// NewReturnHome creates the behavior. speed is the drive speed in m/s used to
// convert the per-tick drive burst into a dead-reckoning step; arrival is the
// distance in meters at which home counts as reached.
func NewReturnHome(c *actuator.Controller, t *geo.Tracker, nav *fsm.Machine, bb *Blackboard, p *patrol.Planner, stepSeconds, speed, arrival float64) *ReturnHome {
	return &ReturnHome{
		controller:  c,
		tracker:     t,
		navSM:       nav,
		bb:          bb,
		planner:     p,
		stepSeconds: stepSeconds,
		speed:       speed,
		arrival:     arrival,
	}
}

func (r *ReturnHome) Name() string { return "return_home" }

func (r *ReturnHome) Tick() Status {
	if !r.started {
		monitoring.Logf("returning to home position")
		if err := r.navSM.Fire(fsm.TriggerPatrolComplete); err != nil {
			// Patrol may have been stopped before it ever started.
			monitoring.Logf("nav transition: %v", err)
		}
		r.planRoute()
		r.started = true
	}

	if r.tracker.DistanceToHome() < r.arrival {
		monitoring.Logf("arrived at home position")
		if err := r.navSM.Fire(fsm.TriggerArrivedAtBase); err != nil {
			monitoring.Logf("nav transition: %v", err)
		}
		r.bb.ClearReturnHome()
		r.finish()
		return Success
	}

	if err := r.controller.MoveBackward(r.stepSeconds); err != nil {
		monitoring.Logf("driving home: %v", err)
		r.finish()
		return Failure
	}
	x, y := r.nextTarget()
	r.tracker.AdvanceToward(x, y, r.stepSeconds*r.speed)
	return Running
}

// planRoute plots cell centers from the current position to home. A nil
// route means no detour is needed or possible and the drive goes direct.
func (r *ReturnHome) planRoute() {
	r.route = nil
	r.routeIdx = 0
	if r.planner == nil {
		return
	}
	pose := r.tracker.Pose()
	homeX, homeY := r.tracker.Home()
	r.route = pathfind.PlanToHome(r.planner, pose.X, pose.Y, homeX, homeY)
	if r.route == nil {
		monitoring.Logf("no grid route to home, driving direct")
	}
}

// nextTarget returns the first unreached route waypoint, or home once the
// route is spent. AdvanceToward lands exactly on targets within one step, so
// a small tolerance suffices.
func (r *ReturnHome) nextTarget() (x, y float64) {
	const reached = 0.05
	for r.routeIdx < len(r.route) {
		wp := r.route[r.routeIdx]
		if r.tracker.DistanceTo(wp.X, wp.Y) > reached {
			return wp.X, wp.Y
		}
		r.routeIdx++
	}
	return r.tracker.Home()
}

func (r *ReturnHome) finish() {
	r.started = false
	r.route = nil
	r.routeIdx = 0
}
