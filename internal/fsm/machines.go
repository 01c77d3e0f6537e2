package fsm

// Navigation states.
const (
	NavIdle              State = "idle"
	NavPatrolling        State = "patrolling"
	NavSearching         State = "searching"
	NavApproachingTarget State = "approaching_target"
	NavPositioning       State = "positioning"
	NavReturningToBase   State = "returning_to_base"
	NavArrived           State = "arrived"
)

// Navigation triggers.
const (
	TriggerStartPatrol         Trigger = "start_patrol"
	TriggerStartSearch         Trigger = "start_search"
	TriggerTargetFound         Trigger = "target_found"
	TriggerPatrolComplete      Trigger = "patrol_complete"
	TriggerContinuePatrol      Trigger = "continue_patrol"
	TriggerReturnHome          Trigger = "return_home"
	TriggerArrivedAtTarget     Trigger = "arrived_at_target"
	TriggerLostTarget          Trigger = "lost_target"
	TriggerPositioned          Trigger = "positioned"
	TriggerRepositioningNeeded Trigger = "repositioning_needed"
	TriggerPickupComplete      Trigger = "pickup_complete"
	TriggerPickupFailed        Trigger = "pickup_failed"
	TriggerArrivedAtBase       Trigger = "arrived_at_base"
	TriggerReset               Trigger = "reset"
)

// NewNavigation builds the navigation state machine, initial state idle.
func NewNavigation(onEnter EntryHook) *Machine {
	table := []Transition{
		{TriggerStartPatrol, NavIdle, NavPatrolling},
		{TriggerStartSearch, NavIdle, NavSearching},

		{TriggerTargetFound, NavPatrolling, NavApproachingTarget},
		{TriggerPatrolComplete, NavPatrolling, NavReturningToBase},
		{TriggerContinuePatrol, NavPatrolling, NavPatrolling},

		{TriggerTargetFound, NavSearching, NavApproachingTarget},
		{TriggerReturnHome, NavSearching, NavReturningToBase},

		{TriggerArrivedAtTarget, NavApproachingTarget, NavPositioning},
		{TriggerLostTarget, NavApproachingTarget, NavPatrolling},

		{TriggerPositioned, NavPositioning, NavArrived},
		{TriggerRepositioningNeeded, NavPositioning, NavApproachingTarget},

		{TriggerPickupComplete, NavArrived, NavPatrolling},
		{TriggerPickupFailed, NavArrived, NavPatrolling},

		{TriggerArrivedAtBase, NavReturningToBase, NavIdle},

		{TriggerReset, Wildcard, NavIdle},
	}
	return New("nav", NavIdle, table, onEnter)
}

// Manipulation states.
const (
	ArmHome      State = "home"
	ArmLowering  State = "lowering"
	ArmScooping  State = "scooping"
	ArmLifting   State = "lifting"
	ArmCarrying  State = "carrying"
	ArmDumping   State = "dumping"
	ArmVerifying State = "verifying"
)

// Manipulation triggers.
const (
	TriggerStartPickup        Trigger = "start_pickup"
	TriggerLowered            Trigger = "lowered"
	TriggerScooped            Trigger = "scooped"
	TriggerLifted             Trigger = "lifted"
	TriggerPickupVerified     Trigger = "pickup_verified"
	TriggerPickupFailedVerify Trigger = "pickup_failed_verify"
	TriggerArrivedAtDump      Trigger = "arrived_at_dump"
	TriggerDumped             Trigger = "dumped"
	TriggerAbort              Trigger = "abort"
)

// NewManipulation builds the arm state machine, initial state home.
func NewManipulation(onEnter EntryHook) *Machine {
	table := []Transition{
		{TriggerStartPickup, ArmHome, ArmLowering},
		{TriggerLowered, ArmLowering, ArmScooping},
		{TriggerScooped, ArmScooping, ArmLifting},
		{TriggerLifted, ArmLifting, ArmVerifying},

		{TriggerPickupVerified, ArmVerifying, ArmCarrying},
		{TriggerPickupFailedVerify, ArmVerifying, ArmLowering},

		{TriggerArrivedAtDump, ArmCarrying, ArmDumping},
		{TriggerDumped, ArmDumping, ArmHome},

		{TriggerAbort, Wildcard, ArmHome},
		{TriggerReset, Wildcard, ArmHome},
	}
	return New("arm", ArmHome, table, onEnter)
}
