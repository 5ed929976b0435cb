package model

import "fmt"

type RunState string

const (
	RunIdle     RunState = "idle"
	RunRunning  RunState = "running"
	RunStopping RunState = "stopping"
)

// DriverState is the execution-surface run state.
type DriverState string

const (
	DriverIdle      DriverState = "idle"
	DriverRunning   DriverState = "running"
	DriverCompleted DriverState = "completed"
	DriverStopped   DriverState = "stopped"
	DriverFailed    DriverState = "failed"
)

var driverTransitions = map[DriverState]map[DriverState]bool{
	DriverIdle: {
		DriverRunning: true,
	},
	DriverRunning: {
		DriverCompleted: true,
		DriverStopped:   true,
		DriverFailed:    true,
	},
	DriverCompleted: {
		DriverRunning: true,
	},
	DriverStopped: {
		DriverRunning: true,
	},
	DriverFailed: {
		DriverRunning: true,
	},
}

// CoordinatorState is the control-surface state.
type CoordinatorState string

const (
	CoordIdle       CoordinatorState = "idle"
	CoordConnecting CoordinatorState = "connecting"
	CoordReady      CoordinatorState = "ready"
	CoordRunning    CoordinatorState = "running"
)

var coordinatorTransitions = map[CoordinatorState]map[CoordinatorState]bool{
	CoordIdle: {
		CoordConnecting: true,
	},
	CoordConnecting: {
		CoordReady: true,
		CoordIdle:  true,
	},
	CoordReady: {
		CoordRunning: true,
		CoordIdle:    true,
	},
	CoordRunning: {
		CoordReady: true,
		CoordIdle:  true,
	},
}

func CanTransitionDriver(from, to DriverState) bool {
	next, ok := driverTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func CanTransitionCoordinator(from, to CoordinatorState) bool {
	next, ok := coordinatorTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func TransitionDriver(state *DriverState, to DriverState) error {
	if !CanTransitionDriver(*state, to) {
		return fmt.Errorf("invalid driver state transition: %q -> %q", *state, to)
	}
	*state = to
	return nil
}

func TransitionCoordinator(state *CoordinatorState, to CoordinatorState) error {
	if !CanTransitionCoordinator(*state, to) {
		return fmt.Errorf("invalid coordinator state transition: %q -> %q", *state, to)
	}
	*state = to
	return nil
}

// RunStateOf projects the coordinator state onto the run state it owns. A
// running coordinator with a STOP in flight is stopping.
func RunStateOf(state CoordinatorState, stopping bool) RunState {
	if state != CoordRunning {
		return RunIdle
	}
	if stopping {
		return RunStopping
	}
	return RunRunning
}
