package fsm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNavigationHappyPath(t *testing.T) {
	t.Parallel()

	nav := NewNavigation(nil)
	assert.Equal(t, NavIdle, nav.State())

	require.NoError(t, nav.Fire(TriggerStartPatrol))
	assert.Equal(t, NavPatrolling, nav.State())

	require.NoError(t, nav.Fire(TriggerTargetFound))
	assert.Equal(t, NavApproachingTarget, nav.State())

	require.NoError(t, nav.Fire(TriggerArrivedAtTarget))
	assert.Equal(t, NavPositioning, nav.State())

	require.NoError(t, nav.Fire(TriggerPositioned))
	assert.Equal(t, NavArrived, nav.State())

	require.NoError(t, nav.Fire(TriggerPickupComplete))
	assert.Equal(t, NavPatrolling, nav.State())

	require.NoError(t, nav.Fire(TriggerPatrolComplete))
	assert.Equal(t, NavReturningToBase, nav.State())

	require.NoError(t, nav.Fire(TriggerArrivedAtBase))
	assert.Equal(t, NavIdle, nav.State())
}

func TestNavigationInvalidTriggerLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	nav := NewNavigation(nil)

	err := nav.Fire(TriggerPickupComplete)
	require.Error(t, err)

	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, TriggerPickupComplete, invalid.Trigger)
	assert.Equal(t, NavIdle, invalid.State)
	assert.Equal(t, NavIdle, nav.State())
}

func TestNavigationResetFromAnyState(t *testing.T) {
	t.Parallel()

	states := []struct {
		name  string
		drive func(*Machine)
	}{
		{"idle", func(*Machine) {}},
		{"patrolling", func(m *Machine) { _ = m.Fire(TriggerStartPatrol) }},
		{"searching", func(m *Machine) { _ = m.Fire(TriggerStartSearch) }},
		{"approaching", func(m *Machine) {
			_ = m.Fire(TriggerStartPatrol)
			_ = m.Fire(TriggerTargetFound)
		}},
		{"returning", func(m *Machine) {
			_ = m.Fire(TriggerStartPatrol)
			_ = m.Fire(TriggerPatrolComplete)
		}},
	}

	for _, tt := range states {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			nav := NewNavigation(nil)
			tt.drive(nav)
			require.NoError(t, nav.Fire(TriggerReset))
			assert.Equal(t, NavIdle, nav.State())
		})
	}
}

func TestNavigationContinuePatrolSelfLoop(t *testing.T) {
	t.Parallel()

	nav := NewNavigation(nil)
	require.NoError(t, nav.Fire(TriggerStartPatrol))
	require.NoError(t, nav.Fire(TriggerContinuePatrol))
	assert.Equal(t, NavPatrolling, nav.State())
}

func TestManipulationPickupSequenceEndsInCarrying(t *testing.T) {
	t.Parallel()

	arm := NewManipulation(nil)

	for _, trig := range []Trigger{
		TriggerStartPickup, TriggerLowered, TriggerScooped, TriggerLifted, TriggerPickupVerified,
	} {
		require.NoError(t, arm.Fire(trig))
	}
	assert.Equal(t, ArmCarrying, arm.State())

	require.NoError(t, arm.Fire(TriggerArrivedAtDump))
	assert.Equal(t, ArmDumping, arm.State())

	require.NoError(t, arm.Fire(TriggerDumped))
	assert.Equal(t, ArmHome, arm.State())
}

func TestManipulationVerifyRetryLoop(t *testing.T) {
	t.Parallel()

	arm := NewManipulation(nil)
	for _, trig := range []Trigger{TriggerStartPickup, TriggerLowered, TriggerScooped, TriggerLifted} {
		require.NoError(t, arm.Fire(trig))
	}
	assert.Equal(t, ArmVerifying, arm.State())

	require.NoError(t, arm.Fire(TriggerPickupFailedVerify))
	assert.Equal(t, ArmLowering, arm.State())
}

func TestManipulationAbortFromAnyState(t *testing.T) {
	t.Parallel()

	arm := NewManipulation(nil)
	require.NoError(t, arm.Fire(TriggerStartPickup))
	require.NoError(t, arm.Fire(TriggerLowered))

	require.NoError(t, arm.Fire(TriggerAbort))
	assert.Equal(t, ArmHome, arm.State())

	// Abort is legal even when already home.
	require.NoError(t, arm.Fire(TriggerAbort))
	assert.Equal(t, ArmHome, arm.State())
}

func TestEntryHookObservesEveryEntry(t *testing.T) {
	t.Parallel()

	var entered []State
	arm := NewManipulation(func(s State) { entered = append(entered, s) })

	require.NoError(t, arm.Fire(TriggerStartPickup))
	require.NoError(t, arm.Fire(TriggerLowered))
	assert.Equal(t, []State{ArmLowering, ArmScooping}, entered)
}
