package engine

import (
	"errors"
	"fmt"

	"actiongate/internal/domain"
	"actiongate/internal/repo"
)

var (
	ErrNotFound = repo.ErrNotFound
	// ErrExecutionInProgress means another attempt holds a live lease.
	ErrExecutionInProgress = errors.New("execution already in progress")
	ErrAttemptsExhausted   = errors.New("execution attempts exhausted")
	ErrPayloadTampered     = errors.New("payload digest mismatch")
	// ErrLeaseLost means a newer attempt took over before this one recorded
	// its outcome.
	ErrLeaseLost = errors.New("execution lease lost to a newer attempt")
)

// ValidationError is a rejected input; nothing was persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotActionableError is a decision against a proposal that already left
// proposed.
type NotActionableError struct {
	ID     string
	Status domain.Status
}

func (e NotActionableError) Error() string {
	return fmt.Sprintf("proposal %s is %s, not proposed", e.ID, e.Status)
}

// NotApprovedError is an execution request for a proposal that is not in an
// executable status.
type NotApprovedError struct {
	ID     string
	Status domain.Status
}

func (e NotApprovedError) Error() string {
	return fmt.Sprintf("proposal %s is not approved (status %s)", e.ID, e.Status)
}

// ExecutionFailedError wraps the executor's failure. The proposal has already
// been recorded as failed when this is returned.
type ExecutionFailedError struct {
	ID      string
	Attempt int
	Err     error
}

func (e ExecutionFailedError) Error() string {
	return fmt.Sprintf("execution of %s failed (attempt %d): %v", e.ID, e.Attempt, e.Err)
}

func (e ExecutionFailedError) Unwrap() error { return e.Err }

type TransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid proposal transition %s -> %s", e.From, e.To)
}
