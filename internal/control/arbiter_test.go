package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yardbot/excavator/internal/safety"
)

func newIdleWatchdog() *safety.Watchdog {
	return safety.New(safety.Config{
		WatchdogTimeout:    time.Hour,
		MaxOperationTime:   time.Hour,
		StallRetryAttempts: 3,
	})
}

func TestTickOnceHeartbeatsAndRecordsStatus(t *testing.T) {
	t.Parallel()

	node := &stubNode{name: "n", script: []Status{Running, Success}}
	a := NewArbiter(node, newIdleWatchdog(), time.Millisecond)

	assert.Equal(t, Running, a.TickOnce())
	assert.Equal(t, Success, a.TickOnce())
	assert.Equal(t, uint64(2), a.Ticks())
	assert.Equal(t, Success, a.LastStatus())
}

func TestArbiterRunTicksUntilCancelled(t *testing.T) {
	t.Parallel()

	node := &stubNode{name: "n", script: []Status{Running}}
	a := NewArbiter(node, newIdleWatchdog(), time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Ticks() >= 5 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("arbiter did not stop after cancel")
	}
}

func TestArbiterStop(t *testing.T) {
	t.Parallel()

	node := &stubNode{name: "n", script: []Status{Running}}
	a := NewArbiter(node, newIdleWatchdog(), time.Millisecond)

	go func() { _ = a.Run(context.Background()) }()
	require.Eventually(t, func() bool { return a.Ticks() >= 1 }, 2*time.Second, time.Millisecond)

	a.Stop()
	ticks := a.Ticks()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, ticks, a.Ticks(), "no ticks after stop")
}

func TestArbiterKeepsTickingThroughEmergencyStop(t *testing.T) {
	t.Parallel()

	w := newIdleWatchdog()
	node := &stubNode{name: "n", script: []Status{Running}}
	a := NewArbiter(NewSequence("root", NewSafetyGate(w), node), w, time.Millisecond)

	go func() { _ = a.Run(context.Background()) }()
	defer a.Stop()

	w.TriggerEmergencyStop("test")
	require.Eventually(t, func() bool { return a.LastStatus() == Failure }, 2*time.Second, time.Millisecond)

	before := a.Ticks()
	require.Eventually(t, func() bool { return a.Ticks() > before+3 }, 2*time.Second, time.Millisecond)

	w.ResetEmergencyStop()
	require.Eventually(t, func() bool { return a.LastStatus() == Running }, 2*time.Second, time.Millisecond)
}
