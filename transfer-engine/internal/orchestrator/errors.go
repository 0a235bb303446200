package orchestrator

import (
	"errors"
	"fmt"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/gate"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/policy"
)

var (
	// ErrAlreadyRunning is returned when another run holds the policy lock.
	ErrAlreadyRunning = errors.New("policy already has a run in progress")
	// ErrTimeout is returned when a running execution exceeds its deadline.
	ErrTimeout = errors.New("execution timed out")
)

// ValidationError carries every policy or working set violation found.
type ValidationError struct {
	Errors policy.ValidationErrors
}

func (e *ValidationError) Error() string {
	return e.Errors.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Errors
}

type GateRefusedError struct {
	Decision gate.Decision
	Cause    error
}

func (e *GateRefusedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("safety gate refused (%s): %s: %v", e.Decision.Rule, e.Decision.Reason, e.Cause)
	}
	return fmt.Sprintf("safety gate refused (%s): %s", e.Decision.Rule, e.Decision.Reason)
}

func (e *GateRefusedError) Unwrap() error {
	return e.Cause
}

// CommitError means the stock transaction was rolled back.
type CommitError struct {
	Cause error
}

func (e *CommitError) Error() string {
	return "commit allocations: " + e.Cause.Error()
}

func (e *CommitError) Unwrap() error {
	return e.Cause
}
