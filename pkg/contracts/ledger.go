package contracts

import "time"

// Event names and audit event types recorded on the dual ledger. Integrity
// views match on these literals, so they are part of the external contract.
const (
	EventRunCreated           = "run.created"
	EventActionPlanned        = "action.planned"
	EventPolicyEvaluated      = "policy.evaluated"
	EventApprovalRequested    = "approval.requested"
	EventApprovalResolved     = "approval.resolved"
	EventActionExecuted       = "action.executed"
	EventActionExecutedDedup  = "action.executed.deduped"
	EventActionDenied         = "action.denied"
	EventRunCompleted         = "run.completed"
	EventRunFailed            = "run.failed"
	EventRunCancelled         = "run.cancelled"
	EventConnectorInvoked     = "connector.invoked"
	EventPolicyPatchApplied   = "policy.patch.applied"
	EventPolicyPatchRolledBck = "policy.patch.rolled_back"

	AuditConnectorInvokeRequested   = "connector.invoke.requested"
	AuditConnectorInvokeBlocked     = "connector.invoke.blocked"
	AuditConnectorInvokeRetry       = "connector.invoke.retry"
	AuditConnectorInvokeRateLimited = "connector.invoke.rate_limited"
	AuditConnectorInvokeTimeout     = "connector.invoke.timeout"
	AuditConnectorInvokeError       = "connector.invoke.error"
	AuditConnectorInvokeExecuted    = "connector.invoke.executed"
)

// EventRecord is one entry on a run's event stream. At is when the event
// happened; PersistedAt is stamped by the ledger on write.
type EventRecord struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	Name        string         `json:"name"`
	Payload     map[string]any `json:"payload,omitempty"`
	At          time.Time      `json:"at"`
	PersistedAt time.Time      `json:"persisted_at"`
}

// AuditActor identifies who caused an audited action.
type AuditActor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ActorRef derives an AuditActor from an actor id, mapping the id prefix to
// the actor type (usr -> user, svc -> service, agt -> agent, sys -> system).
func ActorRef(actorID string) AuditActor {
	actor := AuditActor{Type: "system", ID: actorID}
	switch {
	case HasIDPrefix(actorID, "usr"):
		actor.Type = "user"
	case HasIDPrefix(actorID, "svc"):
		actor.Type = "service"
	case HasIDPrefix(actorID, AgentIDPrefix):
		actor.Type = "agent"
	case HasIDPrefix(actorID, "sys"):
		actor.Type = "system"
	}
	return actor
}

// AuditRecord is one entry on a run's audit stream. The payload itself is not
// retained; only its canonical hash, so the stream stays tamper-evident
// without holding request bodies.
//
//nolint:govet // fieldalignment: struct layout mirrors the wire document
type AuditRecord struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	EventType   string     `json:"event_type"`
	Actor       AuditActor `json:"actor"`
	PayloadHash string     `json:"payload_hash"`
	DecisionRef string     `json:"decision_ref,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at"`
	PersistedAt time.Time  `json:"persisted_at"`
}
