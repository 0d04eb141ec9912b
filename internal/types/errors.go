package types

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers match with errors.Is.
var (
	// ErrRouting is always recoverable: the request falls back to escalation.
	ErrRouting = errors.New("routing error")
	// ErrCapacityExceeded means no worker can take the task right now.
	ErrCapacityExceeded = errors.New("no available worker: capacity exceeded")
	// ErrDependencyNotSatisfied means a task was started before its dependencies completed.
	ErrDependencyNotSatisfied = errors.New("dependency not satisfied")
	// ErrPersistence wraps store I/O failures that survived retries.
	ErrPersistence = errors.New("persistence failure")
	// ErrExternalInvocation means the reasoning collaborator failed or timed out.
	ErrExternalInvocation = errors.New("external invocation failure")

	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrExecutionTerminal = errors.New("execution already terminal")
	ErrHandoffNotPending = errors.New("handoff is not pending")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// NoAvailableWorker is the name the balancer contract uses for ErrCapacityExceeded.
var NoAvailableWorker = ErrCapacityExceeded

// PersistenceError records which store operation failed.
type PersistenceError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

// Unwrap lets errors.Is match both ErrPersistence and the underlying driver error.
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// TransitionError describes a rejected task status change.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
	Cause  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: %s -> %s: %v", e.TaskID, e.From, e.To, e.Cause)
}

func (e *TransitionError) Unwrap() error {
	return e.Cause
}
