// Package geo provides dead-reckoning position tracking for the excavator.
//
// RC excavators have no wheel encoders, so position is estimated from the
// issued motion commands and calibrated speed constants. The tracked pose is
// read concurrently by the API status handler, so all access is mutex-guarded.
package geo

import (
	"math"
	"sync"
	"time"

	"github.com/yardbot/excavator/internal/monitoring"
)

// Pose is a 2D position with heading. Heading is in radians, 0 = east,
// pi/2 = north.
type Pose struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Heading   float64   `json:"heading"`
	Timestamp time.Time `json:"timestamp"`
}

const maxHistory = 1000

// Tracker estimates the excavator pose from motion commands.
type Tracker struct {
	mu sync.Mutex

	homeX, homeY float64
	pose         Pose

	forwardSpeed float64 // m/s
	turnRate     float64 // rad/s

	history []Pose
}

// NewTracker creates a tracker seeded at the home position, facing east.
func NewTracker(homeX, homeY, forwardSpeed, turnRateDegPerSec float64) *Tracker {
	return &Tracker{
		homeX:        homeX,
		homeY:        homeY,
		forwardSpeed: forwardSpeed,
		turnRate:     turnRateDegPerSec * math.Pi / 180,
		pose: Pose{
			X:         homeX,
			Y:         homeY,
			Heading:   0,
			Timestamp: time.Now(),
		},
	}
}

// Forward integrates a forward motion of the given command duration.
func (t *Tracker) Forward(duration float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	distance := t.forwardSpeed * duration
	t.pose.X += distance * math.Cos(t.pose.Heading)
	t.pose.Y += distance * math.Sin(t.pose.Heading)
	t.pose.Timestamp = time.Now()
	t.record()
}

// Backward integrates a backward motion of the given command duration.
func (t *Tracker) Backward(duration float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	distance := t.forwardSpeed * duration
	t.pose.X -= distance * math.Cos(t.pose.Heading)
	t.pose.Y -= distance * math.Sin(t.pose.Heading)
	t.pose.Timestamp = time.Now()
	t.record()
}

// TurnLeft integrates a left turn of the given command duration.
func (t *Tracker) TurnLeft(duration float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pose.Heading = normalizeAngle(t.pose.Heading + t.turnRate*duration)
	t.pose.Timestamp = time.Now()
}

// TurnRight integrates a right turn of the given command duration.
func (t *Tracker) TurnRight(duration float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pose.Heading = normalizeAngle(t.pose.Heading - t.turnRate*duration)
	t.pose.Timestamp = time.Now()
}

// Pose returns a copy of the current pose.
func (t *Tracker) Pose() Pose {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pose
}

// SetPose corrects the tracked position, e.g. after a visual fix or on
// reaching a known waypoint. NaN heading keeps the current heading.
func (t *Tracker) SetPose(x, y, heading float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pose.X = x
	t.pose.Y = y
	if !math.IsNaN(heading) {
		t.pose.Heading = normalizeAngle(heading)
	}
	t.pose.Timestamp = time.Now()
	t.record()
	monitoring.Logf("position corrected to (%.2f, %.2f)", x, y)
}

// MoveTo corrects the tracked position without changing heading.
func (t *Tracker) MoveTo(x, y float64) {
	t.SetPose(x, y, math.NaN())
}

// AdvanceToward moves the tracked position up to step meters toward the
// given point, stopping exactly on it when closer than one step.
func (t *Tracker) AdvanceToward(x, y, step float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	dx := x - t.pose.X
	dy := y - t.pose.Y
	dist := math.Hypot(dx, dy)
	if dist <= step || dist == 0 {
		t.pose.X = x
		t.pose.Y = y
	} else {
		t.pose.X += dx / dist * step
		t.pose.Y += dy / dist * step
	}
	t.pose.Timestamp = time.Now()
	t.record()
}

// ResetToHome resets the pose to the home position, facing east.
func (t *Tracker) ResetToHome() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pose.X = t.homeX
	t.pose.Y = t.homeY
	t.pose.Heading = 0
	t.pose.Timestamp = time.Now()
	monitoring.Logf("position reset to home (%.2f, %.2f)", t.homeX, t.homeY)
}

// Home returns the configured home position.
func (t *Tracker) Home() (x, y float64) {
	return t.homeX, t.homeY
}

// DistanceToHome returns the straight-line distance to home in meters.
func (t *Tracker) DistanceToHome() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return math.Hypot(t.homeX-t.pose.X, t.homeY-t.pose.Y)
}

// HeadingToHome returns the world-frame bearing from the current position
// to home.
func (t *Tracker) HeadingToHome() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return math.Atan2(t.homeY-t.pose.Y, t.homeX-t.pose.X)
}

// TurnAngleToHome returns the signed turn needed to face home, normalized to
// [-pi, pi]. Positive means turn left.
func (t *Tracker) TurnAngleToHome() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	target := math.Atan2(t.homeY-t.pose.Y, t.homeX-t.pose.X)
	return normalizeAngle(target - t.pose.Heading)
}

// DistanceTo returns the straight-line distance to the given point.
func (t *Tracker) DistanceTo(x, y float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return math.Hypot(x-t.pose.X, y-t.pose.Y)
}

// History returns a copy of the recorded pose history.
func (t *Tracker) History() []Pose {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Pose, len(t.history))
	copy(out, t.history)
	return out
}

// record appends the current pose to the bounded history. Callers hold t.mu.
func (t *Tracker) record() {
	t.history = append(t.history, t.pose)
	if len(t.history) > maxHistory {
		t.history = t.history[1:]
	}
}

func normalizeAngle(angle float64) float64 {
	for angle > math.Pi {
		angle -= 2 * math.Pi
	}
	for angle < -math.Pi {
		angle += 2 * math.Pi
	}
	return angle
}
