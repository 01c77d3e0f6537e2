// Package safety implements the watchdog supervisor for the excavator.
//
// The watchdog latches an emergency stop when the control loop stops
// heartbeating, when the maximum operation time is exceeded, or when repeated
// motor stalls are reported. The latched flag is one-way: only an explicit
// operator reset clears it.
package safety

import (
	"context"
	"sync"
	"time"

	"github.com/yardbot/excavator/internal/monitoring"
)

const monitorPeriod = 500 * time.Millisecond

// Config contains watchdog configuration.
type Config struct {
	// WatchdogTimeout is the maximum allowed heartbeat gap.
	WatchdogTimeout time.Duration
	// MaxOperationTime is the maximum continuous run time since start.
	MaxOperationTime time.Duration
	// StallRetryAttempts is the stall count that latches emergency stop.
	StallRetryAttempts int
	// StopHandler is invoked once when emergency stop latches, outside the
	// watchdog lock. Typically actuator.StopAll. May be nil.
	StopHandler func(reason string)
}

// Snapshot is a point-in-time view of the safety state.
type Snapshot struct {
	EmergencyStop      bool          `json:"emergency_stop"`
	StopReason         string        `json:"stop_reason,omitempty"`
	IsSafe             bool          `json:"is_safe"`
	TimeSinceHeartbeat time.Duration `json:"time_since_heartbeat"`
	OperationTime      time.Duration `json:"operation_time"`
	StallCount         int           `json:"stall_count"`
}

// Watchdog monitors heartbeats and operation time on a fixed period. All
// shared state is mutex-guarded; the monitor goroutine only reads timestamps
// and writes the latched flag, never calling back into control logic.
type Watchdog struct {
	mu sync.Mutex

	timeout    time.Duration
	maxOpTime  time.Duration
	maxStalls  int
	stopFn     func(reason string)

	startTime     time.Time
	lastHeartbeat time.Time
	emergencyStop bool
	stopReason    string
	stallCount    int

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a watchdog. The heartbeat baseline starts at construction time.
func New(cfg Config) *Watchdog {
	now := time.Now()
	return &Watchdog{
		timeout:       cfg.WatchdogTimeout,
		maxOpTime:     cfg.MaxOperationTime,
		maxStalls:     cfg.StallRetryAttempts,
		stopFn:        cfg.StopHandler,
		startTime:     now,
		lastHeartbeat: now,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Run starts the periodic monitor. It blocks until the context is cancelled
// or Stop is called. Returns nil on clean shutdown.
func (w *Watchdog) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil // already running
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	defer func() {
		close(w.doneCh)
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	ticker := time.NewTicker(monitorPeriod)
	defer ticker.Stop()

	monitoring.Logf("watchdog started: timeout=%v max_operation=%v", w.timeout, w.maxOpTime)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		case <-ticker.C:
			w.check()
		}
	}
}

// Stop requests the monitor to stop and waits for it. Safe to call multiple
// times.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	w.mu.Unlock()

	<-w.doneCh
}

// check evaluates the safety invariants once.
func (w *Watchdog) check() {
	now := time.Now()

	w.mu.Lock()
	heartbeatGap := now.Sub(w.lastHeartbeat)
	operationTime := now.Sub(w.startTime)
	w.mu.Unlock()

	if heartbeatGap > w.timeout {
		monitoring.Logf("WATCHDOG TIMEOUT: no heartbeat for %v", heartbeatGap)
		w.TriggerEmergencyStop("watchdog timeout")
	}

	if operationTime > w.maxOpTime {
		monitoring.Logf("maximum operation time (%v) reached", w.maxOpTime)
		w.TriggerEmergencyStop("operation timeout")
	}
}

// Heartbeat refreshes the heartbeat timestamp. The control loop must call
// this at least once per timeout window.
func (w *Watchdog) Heartbeat() {
	w.mu.Lock()
	w.lastHeartbeat = time.Now()
	w.mu.Unlock()
}

// IsSafe reports whether operation may continue. Staleness is checked here
// synchronously as well as by the background monitor, so a stale heartbeat is
// observed immediately, before the monitor's next tick.
func (w *Watchdog) IsSafe() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.emergencyStop {
		return false
	}
	if time.Since(w.lastHeartbeat) > w.timeout {
		return false
	}
	return true
}

// EmergencyStopped reports whether the emergency stop is latched.
func (w *Watchdog) EmergencyStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.emergencyStop
}

// TriggerEmergencyStop latches the emergency stop. Latching is one-way and
// idempotent; the stop handler fires only on the first latch.
func (w *Watchdog) TriggerEmergencyStop(reason string) {
	w.mu.Lock()
	if w.emergencyStop {
		w.mu.Unlock()
		return
	}
	w.emergencyStop = true
	w.stopReason = reason
	stopFn := w.stopFn
	w.mu.Unlock()

	monitoring.Logf("EMERGENCY STOP TRIGGERED: %s", reason)
	if stopFn != nil {
		stopFn(reason)
	}
}

// ResetEmergencyStop clears the latched flag, the stall counter and the
// heartbeat baseline. Operator-invoked only.
func (w *Watchdog) ResetEmergencyStop() {
	w.mu.Lock()
	w.emergencyStop = false
	w.stopReason = ""
	w.stallCount = 0
	w.lastHeartbeat = time.Now()
	w.mu.Unlock()

	monitoring.Logf("emergency stop reset by operator")
}

// ReportStall records a motor stall. Returns false once the configured
// attempt limit is reached, at which point emergency stop latches.
func (w *Watchdog) ReportStall(motor string) bool {
	w.mu.Lock()
	w.stallCount++
	count := w.stallCount
	w.mu.Unlock()

	monitoring.Logf("stall reported for %s (count: %d)", motor, count)

	if count >= w.maxStalls {
		w.TriggerEmergencyStop("repeated stalls on " + motor)
		return false
	}
	return true
}

// ResetStallCounter clears the stall counter after a successful operation.
func (w *Watchdog) ResetStallCounter() {
	w.mu.Lock()
	w.stallCount = 0
	w.mu.Unlock()
}

// Status returns a snapshot of the safety state.
func (w *Watchdog) Status() Snapshot {
	w.mu.Lock()
	heartbeatGap := time.Since(w.lastHeartbeat)
	snap := Snapshot{
		EmergencyStop:      w.emergencyStop,
		StopReason:         w.stopReason,
		TimeSinceHeartbeat: heartbeatGap,
		OperationTime:      time.Since(w.startTime),
		StallCount:         w.stallCount,
	}
	snap.IsSafe = !w.emergencyStop && heartbeatGap <= w.timeout
	w.mu.Unlock()
	return snap
}
