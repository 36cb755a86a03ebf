package sim

import "errors"

// Sentinel errors for the caller-facing failure taxonomy. Wrap sites add
// context with fmt.Errorf and %w so callers branch with errors.Is.
var (
	// ErrNotRunning is returned by any action that requires a running simulation.
	ErrNotRunning = errors.New("simulation is not running")

	// ErrAlreadyRunning is returned by Start when a simulation is in progress.
	ErrAlreadyRunning = errors.New("simulation is already running")

	// ErrNotFound is returned for unknown job, host, or power-state ids.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when an action is incompatible with the
	// current lifecycle state (e.g. rejecting a running job, switching on a
	// host that is not sleeping). No state is mutated.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrPastTime is returned for time arguments that are not strictly in the
	// simulated future.
	ErrPastTime = errors.New("time is not in the simulated future")

	// ErrDeadlock is returned by Proceed when advancing to the next event
	// would wait forever: the submitter has finished, nothing is running or
	// switching, and no timer exists to bound the wait.
	ErrDeadlock = errors.New("deadlock: no pending activity can produce a next event")
)
