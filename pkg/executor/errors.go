package executor

import (
	"errors"
	"fmt"
)

// Sentinel errors the boundary maps onto HTTP statuses.
var (
	ErrAgentNotFound    = errors.New("executor: agent not found")
	ErrRunNotFound      = errors.New("executor: run not found")
	ErrApprovalNotFound = errors.New("executor: no open approval for action intent")
	ErrRunNotWaiting    = errors.New("executor: run is not waiting for approval")
	ErrRunTerminal      = errors.New("executor: run is in a terminal status")
	ErrAgentDisabled    = errors.New("executor: agent is disabled")
)

// ValidationError marks rejected request input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("executor: invalid %s: %s", e.Field, e.Msg)
}

// AsValidation unwraps err into a ValidationError if it is one.
func AsValidation(err error) (*ValidationError, bool) {
	var v *ValidationError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// ScopeMismatchError marks a run request whose agent belongs to a different
// workspace than the one named in the request.
type ScopeMismatchError struct {
	AgentID          string
	AgentWorkspace   string
	RequestWorkspace string
}

func (e *ScopeMismatchError) Error() string {
	return fmt.Sprintf("executor: agent %s belongs to workspace %s, not %s",
		e.AgentID, e.AgentWorkspace, e.RequestWorkspace)
}

// DuplicateApproverError marks a second approval by an actor already counted
// toward the requirement.
type DuplicateApproverError struct {
	ActorID        string
	ActionIntentID string
}

func (e *DuplicateApproverError) Error() string {
	return fmt.Sprintf("executor: actor %s already approved intent %s", e.ActorID, e.ActionIntentID)
}
