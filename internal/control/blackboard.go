package control

import (
	"sync"

	"github.com/yardbot/excavator/internal/patrol"
	"github.com/yardbot/excavator/internal/perception"
)

// Blackboard is the shared state between the behaviors and the API layer.
// The API writes intents (patrol active, return home); the behaviors read
// them and publish progress back. All access is mutex-guarded because the
// HTTP handlers run on other goroutines.
type Blackboard struct {
	mu sync.Mutex

	patrolActive        bool
	returnHomeRequested bool
	pickupCount         int
	currentTarget       *perception.Detection
	currentWaypoint     *patrol.Waypoint
	sessionID           int64
}

// NewBlackboard creates an empty blackboard.
func NewBlackboard() *Blackboard { return &Blackboard{} }

// SetPatrolActive flips the patrol intent. Idempotent: the web layer may
// issue start or stop repeatedly.
func (b *Blackboard) SetPatrolActive(active bool) {
	b.mu.Lock()
	b.patrolActive = active
	b.mu.Unlock()
}

// PatrolActive reports whether patrol is commanded on.
func (b *Blackboard) PatrolActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.patrolActive
}

// RequestReturnHome asks the controller to abandon patrol and head home.
func (b *Blackboard) RequestReturnHome() {
	b.mu.Lock()
	b.returnHomeRequested = true
	b.patrolActive = false
	b.mu.Unlock()
}

// ReturnHomeRequested reports a pending return-home intent.
func (b *Blackboard) ReturnHomeRequested() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.returnHomeRequested
}

// ClearReturnHome acknowledges the return-home intent.
func (b *Blackboard) ClearReturnHome() {
	b.mu.Lock()
	b.returnHomeRequested = false
	b.mu.Unlock()
}

// IncrementPickupCount bumps the successful pickup counter.
func (b *Blackboard) IncrementPickupCount() {
	b.mu.Lock()
	b.pickupCount++
	b.mu.Unlock()
}

// PickupCount returns the successful pickups this session.
func (b *Blackboard) PickupCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pickupCount
}

// SetCurrentTarget publishes the target under pickup, or nil.
func (b *Blackboard) SetCurrentTarget(d *perception.Detection) {
	b.mu.Lock()
	b.currentTarget = d
	b.mu.Unlock()
}

// CurrentTarget returns the target under pickup, or nil.
func (b *Blackboard) CurrentTarget() *perception.Detection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentTarget
}

// SetCurrentWaypoint publishes the waypoint being serviced.
func (b *Blackboard) SetCurrentWaypoint(wp patrol.Waypoint) {
	b.mu.Lock()
	b.currentWaypoint = &wp
	b.mu.Unlock()
}

// CurrentWaypoint returns the waypoint being serviced. ok is false before
// the first waypoint of a session.
func (b *Blackboard) CurrentWaypoint() (patrol.Waypoint, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentWaypoint == nil {
		return patrol.Waypoint{}, false
	}
	return *b.currentWaypoint, true
}

// SetSessionID publishes the open store session.
func (b *Blackboard) SetSessionID(id int64) {
	b.mu.Lock()
	b.sessionID = id
	b.mu.Unlock()
}

// SessionID returns the open store session, 0 when none.
func (b *Blackboard) SessionID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// ResetSession clears the per-session fields. Intents (patrol active, return
// home) are left alone; they belong to the operator, not the session.
func (b *Blackboard) ResetSession() {
	b.mu.Lock()
	b.pickupCount = 0
	b.currentTarget = nil
	b.currentWaypoint = nil
	b.sessionID = 0
	b.mu.Unlock()
}
