// Package orcerr defines the sentinel error taxonomy used across the
// orchestrator: Validation, Conflict, NotFound, Capacity, Transport,
// Internal. Components wrap these with fmt.Errorf("...: %w", ...) so
// callers can match with errors.Is at any depth.
package orcerr

import "errors"

// Category sentinels. Callers use errors.Is against these, not the wrapped
// concrete error, so transport layers can map to status codes generically.
var (
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrCapacity   = errors.New("capacity exceeded")
	ErrTransport  = errors.New("transport error")
	ErrInternal   = errors.New("internal error")
)

// Domain-specific sentinels, each mapped to exactly one category below.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrDuplicateJob      = errors.New("duplicate job within dedup window")
	ErrJobNotRunning     = errors.New("job is not running")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrAlreadyTerminal   = errors.New("job is already in a terminal state")
	ErrNotTerminal       = errors.New("job is not in a terminal state")
	ErrInvalidWorkflow   = errors.New("invalid workflow document")

	ErrRobotNotFound   = errors.New("robot not found")
	ErrRobotOffline    = errors.New("robot is offline")
	ErrRobotConflict   = errors.New("robot already registered")
	ErrNoEligibleRobot = errors.New("no eligible robot available")
	ErrQueueFull       = errors.New("queue is at capacity")

	ErrScheduleNotFound = errors.New("schedule not found")
	ErrTriggerNotFound  = errors.New("trigger not found")
	ErrInvalidCron      = errors.New("invalid cron expression")
	ErrInvalidConfig    = errors.New("invalid trigger configuration")

	ErrRepositoryClosed     = errors.New("repository is closed")
	ErrCorruptedWAL         = errors.New("corrupted write-ahead log entry")
	ErrIncompatibleSnapshot = errors.New("incompatible snapshot schema version")
)

// Categorize maps a domain sentinel to its category for transport-layer
// status code translation. Unknown errors categorize as Internal.
func Categorize(err error) error {
	switch {
	case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrRobotNotFound),
		errors.Is(err, ErrScheduleNotFound), errors.Is(err, ErrTriggerNotFound):
		return ErrNotFound
	case errors.Is(err, ErrDuplicateJob), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrJobNotRunning), errors.Is(err, ErrAlreadyTerminal),
		errors.Is(err, ErrNotTerminal), errors.Is(err, ErrRobotConflict):
		return ErrConflict
	case errors.Is(err, ErrNoEligibleRobot), errors.Is(err, ErrQueueFull),
		errors.Is(err, ErrRobotOffline):
		return ErrCapacity
	case errors.Is(err, ErrInvalidCron), errors.Is(err, ErrInvalidWorkflow),
		errors.Is(err, ErrInvalidConfig):
		return ErrValidation
	case errors.Is(err, ErrRepositoryClosed), errors.Is(err, ErrCorruptedWAL),
		errors.Is(err, ErrIncompatibleSnapshot):
		return ErrInternal
	default:
		return ErrInternal
	}
}
