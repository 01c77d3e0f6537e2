package control

import (
	"context"
	"sync"
	"time"

	"github.com/yardbot/excavator/internal/monitoring"
	"github.com/yardbot/excavator/internal/safety"
)

// Arbiter ticks the behavior tree at a fixed rate and heartbeats the
// watchdog every tick. It keeps ticking while emergency stop is latched; the
// safety gate fails those ticks, and an operator reset recovers without a
// process restart.
type Arbiter struct {
	root     Node
	watchdog *safety.Watchdog
	interval time.Duration

	mu      sync.Mutex
	ticks   uint64
	last    Status
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewArbiter builds an arbiter over the standard tree layout: safety gate,
// command gate, patrol cycle, return home.
func NewArbiter(root Node, w *safety.Watchdog, interval time.Duration) *Arbiter {
	return &Arbiter{
		root:     root,
		watchdog: w,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// TickOnce heartbeats and runs a single tree tick. Exposed for tests and for
// the arbiter loop itself.
func (a *Arbiter) TickOnce() Status {
	a.watchdog.Heartbeat()
	status := a.root.Tick()

	a.mu.Lock()
	a.ticks++
	a.last = status
	a.mu.Unlock()
	return status
}

// Run ticks until the context is cancelled or Stop is called.
func (a *Arbiter) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	a.mu.Unlock()

	defer func() {
		close(a.doneCh)
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	monitoring.Logf("arbiter started: interval=%v", a.interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.stopCh:
			return nil
		case <-ticker.C:
			a.TickOnce()
		}
	}
}

// Stop requests the loop to stop and waits for it.
func (a *Arbiter) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
	a.mu.Unlock()

	<-a.doneCh
}

// Ticks returns the tick counter.
func (a *Arbiter) Ticks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ticks
}

// LastStatus returns the status of the most recent tick.
func (a *Arbiter) LastStatus() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}
