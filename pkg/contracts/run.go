package contracts

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run lifecycle states.
const (
	RunAccepted        RunStatus = "accepted"
	RunRunning         RunStatus = "running"
	RunWaitingApproval RunStatus = "waiting_approval"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
	RunCancelled       RunStatus = "cancelled"
)

// Terminal reports whether the status forbids further mutation.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// RunTrigger describes what started a run.
type RunTrigger struct {
	Type    string    `json:"type"`
	Source  string    `json:"source"`
	ActorID string    `json:"actor_id"`
	At      time.Time `json:"at"`
}

// ApprovalRequirement tracks the open approvals for one escalated intent.
// Keys of RunRecord.ApprovalState are action intent ids.
type ApprovalRequirement struct {
	DecisionID        string   `json:"decision_id"`
	RequiredApprovals int      `json:"required_approvals"`
	ApprovedBy        []string `json:"approved_by"`
}

// Satisfied reports whether enough distinct approvers have endorsed.
func (a ApprovalRequirement) Satisfied() bool {
	return len(a.ApprovedBy) >= a.RequiredApprovals
}

// RunRecord is one execution of a playbook for one agent in one workspace.
// Revision starts at 1 and increments by exactly one on every successful
// store write; it is the optimistic concurrency token for all external
// mutations.
//
//nolint:govet // fieldalignment: struct layout mirrors the wire document
type RunRecord struct {
	ID              string                          `json:"id"`
	WorkspaceID     string                          `json:"workspace_id"`
	AgentID         string                          `json:"agent_id"`
	PlaybookID      string                          `json:"playbook_id"`
	Trigger         RunTrigger                      `json:"trigger"`
	Status          RunStatus                       `json:"status"`
	Revision        int64                           `json:"revision"`
	ActionIntents   []ActionIntent                  `json:"action_intents"`
	PolicyDecisions []PolicyDecision                `json:"policy_decisions"`
	ApprovalState   map[string]*ApprovalRequirement `json:"approval_state"`
	StartedAt       time.Time                       `json:"started_at"`
	EndedAt         *time.Time                      `json:"ended_at,omitempty"`
}

// IntentByID returns the intent with the given id, or nil.
func (r *RunRecord) IntentByID(id string) *ActionIntent {
	for i := range r.ActionIntents {
		if r.ActionIntents[i].ID == id {
			return &r.ActionIntents[i]
		}
	}
	return nil
}

// DecisionByID returns the policy decision with the given id, or nil.
func (r *RunRecord) DecisionByID(id string) *PolicyDecision {
	for i := range r.PolicyDecisions {
		if r.PolicyDecisions[i].ID == id {
			return &r.PolicyDecisions[i]
		}
	}
	return nil
}

// DecisionForIntent returns the policy decision attached to the given intent
// id, or nil.
func (r *RunRecord) DecisionForIntent(intentID string) *PolicyDecision {
	for i := range r.PolicyDecisions {
		if r.PolicyDecisions[i].ActionIntentID == intentID {
			return &r.PolicyDecisions[i]
		}
	}
	return nil
}

// Clone returns a deep copy. Read-through caches hand out clones so callers
// can never mutate shared state.
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.ActionIntents = make([]ActionIntent, len(r.ActionIntents))
	copy(cp.ActionIntents, r.ActionIntents)
	cp.PolicyDecisions = make([]PolicyDecision, len(r.PolicyDecisions))
	for i, d := range r.PolicyDecisions {
		d.ReasonCodes = append([]string(nil), d.ReasonCodes...)
		d.PolicyTrace.Contributions = append([]PolicyContribution(nil), d.PolicyTrace.Contributions...)
		if d.PolicyTrace.Lattice != nil {
			lattice := make(map[string]string, len(d.PolicyTrace.Lattice))
			for k, v := range d.PolicyTrace.Lattice {
				lattice[k] = v
			}
			d.PolicyTrace.Lattice = lattice
		}
		cp.PolicyDecisions[i] = d
	}
	if r.ApprovalState != nil {
		cp.ApprovalState = make(map[string]*ApprovalRequirement, len(r.ApprovalState))
		for k, v := range r.ApprovalState {
			req := *v
			req.ApprovedBy = append([]string(nil), v.ApprovedBy...)
			cp.ApprovalState[k] = &req
		}
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}
