// Package executor drives the run lifecycle: accept, plan, evaluate,
// approve, execute, cancel. Every run mutation round-trips the state store
// with a revision compare-and-set; in-memory views are never authoritative.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flockmesh/flockmesh/pkg/canonicalize"
	"github.com/flockmesh/flockmesh/pkg/contracts"
	"github.com/flockmesh/flockmesh/pkg/idempotency"
	"github.com/flockmesh/flockmesh/pkg/ledger"
	"github.com/flockmesh/flockmesh/pkg/policy"
	"github.com/flockmesh/flockmesh/pkg/store"
)

// Fallback profile names, re-exported for callers wiring seed data.
const (
	FallbackOrgProfile       = policy.FallbackOrgProfile
	FallbackWorkspaceProfile = policy.FallbackWorkspaceProfile
	FallbackAgentProfile     = policy.FallbackAgentProfile
)

// Engine wires the state store, the dual ledger, the policy engine and the
// idempotency cache into the run state machine.
type Engine struct {
	store  store.Store
	ledger ledger.Ledger
	policy *policy.Engine
	cache  *idempotency.Cache
	logger *slog.Logger
	clock  func() time.Time
}

// NewEngine builds a run engine over its collaborators.
func NewEngine(st store.Store, led ledger.Ledger, pol *policy.Engine, cache *idempotency.Cache, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  st,
		ledger: led,
		policy: pol,
		cache:  cache,
		logger: logger.With("component", "executor"),
		clock:  time.Now,
	}
}

// WithClock overrides time acquisition for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// RequestedPolicyContext names the profiles the caller wants per lattice
// layer. Empty fields fall back to the agent default (agent layer only) and
// then the built-in fallbacks.
type RequestedPolicyContext struct {
	OrgProfile       string `json:"org_policy,omitempty"`
	WorkspaceProfile string `json:"workspace_policy,omitempty"`
	AgentProfile     string `json:"agent_policy,omitempty"`
	RunOverride      string `json:"run_override,omitempty"`
}

// AcceptRequest carries a run creation request whose actor claim has already
// been matched against the authenticated caller.
type AcceptRequest struct {
	WorkspaceID   string
	AgentID       string
	PlaybookID    string
	Trigger       contracts.RunTrigger
	PolicyContext RequestedPolicyContext
}

// AcceptRun validates the request, plans the playbook's intents, evaluates
// each against the policy lattice, derives the run status and persists the
// run with its initial insert at revision 1. Denied plans fail immediately,
// escalations park the run in waiting_approval, and an all-allow plan
// executes to completion before the call returns.
func (e *Engine) AcceptRun(ctx context.Context, req AcceptRequest) (*contracts.RunRecord, error) {
	if err := validateAccept(req); err != nil {
		return nil, err
	}

	agent, err := e.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("executor: load agent %s: %w", req.AgentID, err)
	}
	if agent.WorkspaceID != req.WorkspaceID {
		return nil, &ScopeMismatchError{
			AgentID:          agent.ID,
			AgentWorkspace:   agent.WorkspaceID,
			RequestWorkspace: req.WorkspaceID,
		}
	}
	if agent.Status != contracts.StatusActive {
		return nil, ErrAgentDisabled
	}

	now := e.clock().UTC()
	trigger := req.Trigger
	if trigger.Type == "" {
		trigger.Type = "manual"
	}
	if trigger.Source == "" {
		trigger.Source = "api"
	}
	if trigger.At.IsZero() {
		trigger.At = now
	}

	run := &contracts.RunRecord{
		ID:          contracts.NewID(contracts.RunIDPrefix),
		WorkspaceID: req.WorkspaceID,
		AgentID:     req.AgentID,
		PlaybookID:  req.PlaybookID,
		Trigger:     trigger,
		Status:      contracts.RunAccepted,
		StartedAt:   now,
	}
	run.ActionIntents = planIntents(run.ID, req.PlaybookID)

	pctx := e.resolvePolicyContext(agent, req.PolicyContext)
	for _, intent := range run.ActionIntents {
		run.PolicyDecisions = append(run.PolicyDecisions, e.policy.Evaluate(run.ID, intent, pctx))
	}

	// The accept pipeline persists exactly once, at revision 1, with the
	// derived status. The transient running state is never stored.
	denied, escalated := partitionDecisions(run.PolicyDecisions)
	switch {
	case len(denied) > 0:
		run.Status = contracts.RunFailed
		ended := now
		run.EndedAt = &ended
	case len(escalated) > 0:
		run.Status = contracts.RunWaitingApproval
		run.ApprovalState = make(map[string]*contracts.ApprovalRequirement, len(escalated))
		for _, d := range escalated {
			run.ApprovalState[d.ActionIntentID] = &contracts.ApprovalRequirement{
				DecisionID:        d.ID,
				RequiredApprovals: d.RequiredApprovals,
			}
		}
	default:
		run.Status = contracts.RunCompleted
		ended := now
		run.EndedAt = &ended
	}

	if err := e.store.SaveRun(ctx, run, 0); err != nil {
		return nil, fmt.Errorf("executor: persist run: %w", err)
	}

	actor := contracts.ActorRef(trigger.ActorID)
	if err := e.emitAccepted(ctx, run, actor, denied, escalated); err != nil {
		return nil, err
	}

	e.logger.Info("run accepted",
		"run_id", run.ID,
		"workspace_id", run.WorkspaceID,
		"agent_id", run.AgentID,
		"playbook_id", run.PlaybookID,
		"status", string(run.Status),
		"intents", len(run.ActionIntents),
	)
	return run, nil
}

// emitAccepted writes the accept pipeline's ledger entries in the normative
// per-run order: created, planned, evaluated, then the status-specific tail.
func (e *Engine) emitAccepted(ctx context.Context, run *contracts.RunRecord, actor contracts.AuditActor, denied, escalated []*contracts.PolicyDecision) error {
	created := map[string]any{
		"workspace_id": run.WorkspaceID,
		"agent_id":     run.AgentID,
		"playbook_id":  run.PlaybookID,
		"trigger_type": run.Trigger.Type,
	}
	if err := e.emitEvent(ctx, run.ID, contracts.EventRunCreated, created); err != nil {
		return err
	}
	if err := e.emitAudit(ctx, run.ID, contracts.EventRunCreated, actor, created, ""); err != nil {
		return err
	}

	for _, intent := range run.ActionIntents {
		planned := map[string]any{
			"action_intent_id": intent.ID,
			"step_id":          intent.StepID,
			"capability":       intent.Capability,
			"side_effect":      string(intent.SideEffect),
			"risk_hint":        string(intent.RiskHint),
		}
		if err := e.emitAudit(ctx, run.ID, contracts.EventActionPlanned, actor, planned, ""); err != nil {
			return err
		}
	}

	for i := range run.PolicyDecisions {
		d := &run.PolicyDecisions[i]
		evaluated := map[string]any{
			"action_intent_id":   d.ActionIntentID,
			"decision":           string(d.Decision),
			"risk_tier":          string(d.RiskTier),
			"reason_codes":       d.ReasonCodes,
			"required_approvals": d.RequiredApprovals,
			"effective_source":   string(d.PolicyTrace.EffectiveSource),
		}
		if err := e.emitAudit(ctx, run.ID, contracts.EventPolicyEvaluated, actor, evaluated, d.ID); err != nil {
			return err
		}
	}

	switch run.Status {
	case contracts.RunFailed:
		for _, d := range denied {
			if err := e.emitDenied(ctx, run.ID, actor, d); err != nil {
				return err
			}
		}
		return e.emitTerminal(ctx, run, actor, contracts.EventRunFailed)

	case contracts.RunWaitingApproval:
		// Emit in plan order, not map order, so the stream is stable.
		for _, intent := range run.ActionIntents {
			req, ok := run.ApprovalState[intent.ID]
			if !ok {
				continue
			}
			d := run.DecisionByID(req.DecisionID)
			payload := map[string]any{
				"action_intent_id":   intent.ID,
				"decision_id":        req.DecisionID,
				"capability":         intent.Capability,
				"risk_tier":          string(d.RiskTier),
				"required_approvals": req.RequiredApprovals,
			}
			if err := e.emitEvent(ctx, run.ID, contracts.EventApprovalRequested, payload); err != nil {
				return err
			}
			if err := e.emitAudit(ctx, run.ID, contracts.EventApprovalRequested, actor, payload, req.DecisionID); err != nil {
				return err
			}
		}
		return nil

	default: // completed: all decisions allowed
		for i := range run.ActionIntents {
			intent := run.ActionIntents[i]
			decision := run.DecisionForIntent(intent.ID)
			if err := e.executeIntent(ctx, run, intent, decision, actor); err != nil {
				return err
			}
		}
		return e.emitTerminal(ctx, run, actor, contracts.EventRunCompleted)
	}
}

// executeIntent produces the intent's execution payload and records it on
// both streams. Mutating intents consult the idempotency cache first: a hit
// replays the cached payload as action.executed.deduped.
func (e *Engine) executeIntent(ctx context.Context, run *contracts.RunRecord, intent contracts.ActionIntent, decision *contracts.PolicyDecision, actor contracts.AuditActor) error {
	decisionRef := ""
	if decision != nil {
		decisionRef = decision.ID
	}

	if intent.Mutating() && intent.IdempotencyKey != "" {
		cached, hit, err := e.cache.Lookup(ctx, intent.IdempotencyKey)
		if err != nil {
			return err
		}
		if hit {
			if err := e.emitEvent(ctx, run.ID, contracts.EventActionExecutedDedup, cached.Payload); err != nil {
				return err
			}
			return e.emitAudit(ctx, run.ID, contracts.EventActionExecuted, actor, withDeduped(cached.Payload), decisionRef)
		}
		record, err := e.cache.Persist(ctx, intent.IdempotencyKey, run.ID, executionPayload(run.ID, intent, e.clock().UTC()))
		if err != nil {
			return err
		}
		if err := e.emitEvent(ctx, run.ID, contracts.EventActionExecuted, record.Payload); err != nil {
			return err
		}
		return e.emitAudit(ctx, run.ID, contracts.EventActionExecuted, actor, record.Payload, decisionRef)
	}

	payload := executionPayload(run.ID, intent, e.clock().UTC())
	if err := e.emitEvent(ctx, run.ID, contracts.EventActionExecuted, payload); err != nil {
		return err
	}
	return e.emitAudit(ctx, run.ID, contracts.EventActionExecuted, actor, payload, decisionRef)
}

func (e *Engine) emitDenied(ctx context.Context, runID string, actor contracts.AuditActor, d *contracts.PolicyDecision) error {
	payload := map[string]any{
		"action_intent_id": d.ActionIntentID,
		"decision_id":      d.ID,
		"reason_codes":     d.ReasonCodes,
	}
	if err := e.emitEvent(ctx, runID, contracts.EventActionDenied, payload); err != nil {
		return err
	}
	return e.emitAudit(ctx, runID, contracts.EventActionDenied, actor, payload, d.ID)
}

func (e *Engine) emitTerminal(ctx context.Context, run *contracts.RunRecord, actor contracts.AuditActor, name string) error {
	payload := map[string]any{"status": string(run.Status)}
	if run.EndedAt != nil {
		payload["ended_at"] = run.EndedAt.Format(time.RFC3339Nano)
	}
	if err := e.emitEvent(ctx, run.ID, name, payload); err != nil {
		return err
	}
	return e.emitAudit(ctx, run.ID, name, actor, payload, "")
}

// resolvePolicyContext resolves the lattice for a run: requested profiles
// first, the agent's registered default for the agent layer, then the
// built-in fallbacks.
func (e *Engine) resolvePolicyContext(agent *contracts.AgentProfile, req RequestedPolicyContext) policy.Context {
	requested := policy.Context{
		OrgProfile:       req.OrgProfile,
		WorkspaceProfile: req.WorkspaceProfile,
		AgentProfile:     req.AgentProfile,
		RunOverride:      req.RunOverride,
	}
	return policy.ResolveContext(e.policy.Library(), requested, agent.DefaultPolicyProfile)
}

func (e *Engine) emitEvent(ctx context.Context, runID, name string, payload map[string]any) error {
	event := &contracts.EventRecord{
		RunID:   runID,
		Name:    name,
		Payload: payload,
		At:      e.clock().UTC(),
	}
	if err := e.ledger.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("executor: append %s event: %w", name, err)
	}
	return nil
}

func (e *Engine) emitAudit(ctx context.Context, runID, eventType string, actor contracts.AuditActor, payload map[string]any, decisionRef string) error {
	hash, err := canonicalize.Hash(payload)
	if err != nil {
		return fmt.Errorf("executor: hash %s audit payload: %w", eventType, err)
	}
	audit := &contracts.AuditRecord{
		RunID:       runID,
		EventType:   eventType,
		Actor:       actor,
		PayloadHash: hash,
		DecisionRef: decisionRef,
		OccurredAt:  e.clock().UTC(),
	}
	if err := e.ledger.AppendAudit(ctx, audit); err != nil {
		return fmt.Errorf("executor: append %s audit: %w", eventType, err)
	}
	return nil
}

// executionPayload is the stable result document minted for an executed
// intent. For mutating intents it is the value bound to the idempotency key.
func executionPayload(runID string, intent contracts.ActionIntent, at time.Time) map[string]any {
	return map[string]any{
		"action_intent_id": intent.ID,
		"run_id":           runID,
		"step_id":          intent.StepID,
		"capability":       intent.Capability,
		"side_effect":      string(intent.SideEffect),
		"status":           "executed",
		"executed_at":      at.Format(time.RFC3339Nano),
	}
}

func withDeduped(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["deduped"] = true
	return out
}

func partitionDecisions(decisions []contracts.PolicyDecision) (denied, escalated []*contracts.PolicyDecision) {
	for i := range decisions {
		switch decisions[i].Decision {
		case contracts.DecisionDeny:
			denied = append(denied, &decisions[i])
		case contracts.DecisionEscalate:
			escalated = append(escalated, &decisions[i])
		}
	}
	return denied, escalated
}

func validateAccept(req AcceptRequest) error {
	if !contracts.HasIDPrefix(req.WorkspaceID, contracts.WorkspaceIDPrefix) {
		return &ValidationError{Field: "workspace_id", Msg: "must carry the wsp_ prefix"}
	}
	if !contracts.HasIDPrefix(req.AgentID, contracts.AgentIDPrefix) {
		return &ValidationError{Field: "agent_id", Msg: "must carry the agt_ prefix"}
	}
	if !contracts.HasIDPrefix(req.PlaybookID, contracts.PlaybookIDPrefix) {
		return &ValidationError{Field: "playbook_id", Msg: "must carry the pbk_ prefix"}
	}
	if !contracts.ValidActorID(req.Trigger.ActorID) {
		return &ValidationError{Field: "trigger.actor_id", Msg: "must be a well-formed actor id"}
	}
	return nil
}
