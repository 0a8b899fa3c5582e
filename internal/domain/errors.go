package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownOperationType indicates an operation type with no registered handler.
	ErrUnknownOperationType = errors.New("unknown operation type")
	// ErrMissionTerminal indicates a mutation attempted on a completed or failed mission.
	ErrMissionTerminal = errors.New("mission is in a terminal state")
)

// InvalidStateTransitionError reports a task transition attempted from a
// disallowed current state. It names the actual and allowed states.
type InvalidStateTransitionError struct {
	TaskID  string
	Actual  string
	Allowed []string
	Target  string
}

func (e InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for task %s: %s -> %s (allowed from: %s)",
		e.TaskID, e.Actual, e.Target, strings.Join(e.Allowed, ", "))
}

// GovernanceViolationError reports a compliance check that failed inside a
// transition transaction.
type GovernanceViolationError struct {
	TaskID string
	Reason string
}

func (e GovernanceViolationError) Error() string {
	return fmt.Sprintf("governance violation on task %s: %s", e.TaskID, e.Reason)
}

// EnvelopeViolationError reports an operation rejected by its envelope before
// dispatch.
type EnvelopeViolationError struct {
	Field  string
	Value  string
	Reason string
}

func (e EnvelopeViolationError) Error() string {
	return fmt.Sprintf("envelope violation: %s %q %s", e.Field, e.Value, e.Reason)
}

// InvalidCompensationError reports a malformed compensation declaration.
type InvalidCompensationError struct {
	Type   string
	Reason string
}

func (e InvalidCompensationError) Error() string {
	return fmt.Sprintf("invalid compensation %q: %s", e.Type, e.Reason)
}

// OperationError is a typed failure raised by an operation handler. The
// executor converts it into a failed result rather than propagating it.
type OperationError struct {
	OperationID string
	Message     string
	Evidence    map[string]any
}

func (e OperationError) Error() string {
	return fmt.Sprintf("operation %s failed: %s", e.OperationID, e.Message)
}
