package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/flockmesh/flockmesh/pkg/contracts"
	"github.com/flockmesh/flockmesh/pkg/policy"
	"github.com/flockmesh/flockmesh/pkg/store"
)

// Approval resolutions reported to the caller.
const (
	ResolutionApproved             = "approved"
	ResolutionRejected             = "rejected"
	ResolutionWaitingMoreApprovals = "waiting_more_approvals"
)

// ApprovalRequest resolves one open escalation on a run. ActorID is the
// authenticated caller, already matched against the approved_by claim.
type ApprovalRequest struct {
	RunID            string
	ActionIntentID   string
	ExpectedRevision int64
	Approve          bool
	ActorID          string
	Reason           string
}

// ApprovalOutcome reports how an approval request landed, with the run as
// persisted.
type ApprovalOutcome struct {
	Resolution string
	Run        *contracts.RunRecord
}

// ResolveApproval applies one approve/reject vote to an open escalation.
//
// A rejection turns the escalated decision into a deny and fails the run
// immediately, even when other escalations are still pending. An approval
// adds the actor to the approver set; once the requirement is satisfied the
// decision becomes an allow, the intent executes, and when no escalations
// remain the run completes, executing any intents that were allowed at plan
// time.
func (e *Engine) ResolveApproval(ctx context.Context, req ApprovalRequest) (*ApprovalOutcome, error) {
	if err := validateApproval(req); err != nil {
		return nil, err
	}

	run, err := e.loadRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status != contracts.RunWaitingApproval {
		if run.Status.Terminal() {
			return nil, ErrRunTerminal
		}
		return nil, ErrRunNotWaiting
	}
	if req.ExpectedRevision != run.Revision {
		return nil, &store.RevisionConflictError{RunID: run.ID, Expected: req.ExpectedRevision, Current: run.Revision}
	}

	requirement, ok := run.ApprovalState[req.ActionIntentID]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	decision := run.DecisionByID(requirement.DecisionID)
	if decision == nil {
		return nil, fmt.Errorf("executor: run %s has no decision %s for open approval", run.ID, requirement.DecisionID)
	}
	actor := contracts.ActorRef(req.ActorID)

	if !req.Approve {
		return e.rejectApproval(ctx, run, req, requirement, decision, actor)
	}

	for _, approver := range requirement.ApprovedBy {
		if approver == req.ActorID {
			return nil, &DuplicateApproverError{ActorID: req.ActorID, ActionIntentID: req.ActionIntentID}
		}
	}
	requirement.ApprovedBy = append(requirement.ApprovedBy, req.ActorID)

	if !requirement.Satisfied() {
		if err := e.saveRun(ctx, run, req.ExpectedRevision); err != nil {
			return nil, err
		}
		if err := e.emitResolved(ctx, run, req, requirement, actor, ResolutionWaitingMoreApprovals); err != nil {
			return nil, err
		}
		return &ApprovalOutcome{Resolution: ResolutionWaitingMoreApprovals, Run: run}, nil
	}

	// Requirement satisfied: the escalation resolves to an allow and its
	// intent executes now.
	decision.Decision = contracts.DecisionAllow
	appendReason(decision, policy.ReasonApprovalResolvedAllow)
	delete(run.ApprovalState, req.ActionIntentID)

	lastResolved := len(run.ApprovalState) == 0
	if lastResolved {
		run.ApprovalState = nil
		run.Status = contracts.RunCompleted
		ended := e.clock().UTC()
		run.EndedAt = &ended
	}

	if err := e.saveRun(ctx, run, req.ExpectedRevision); err != nil {
		return nil, err
	}
	if err := e.emitResolved(ctx, run, req, requirement, actor, ResolutionApproved); err != nil {
		return nil, err
	}

	intent := run.IntentByID(req.ActionIntentID)
	if err := e.executeIntent(ctx, run, *intent, decision, actor); err != nil {
		return nil, err
	}

	if lastResolved {
		if err := e.executePlannedAllows(ctx, run, actor); err != nil {
			return nil, err
		}
		if err := e.emitTerminal(ctx, run, actor, contracts.EventRunCompleted); err != nil {
			return nil, err
		}
	}

	e.logger.Info("approval resolved",
		"run_id", run.ID,
		"action_intent_id", req.ActionIntentID,
		"resolution", ResolutionApproved,
		"run_status", string(run.Status),
	)
	return &ApprovalOutcome{Resolution: ResolutionApproved, Run: run}, nil
}

func (e *Engine) rejectApproval(ctx context.Context, run *contracts.RunRecord, req ApprovalRequest, requirement *contracts.ApprovalRequirement, decision *contracts.PolicyDecision, actor contracts.AuditActor) (*ApprovalOutcome, error) {
	decision.Decision = contracts.DecisionDeny
	appendReason(decision, policy.ReasonApprovalResolvedDeny)

	run.Status = contracts.RunFailed
	ended := e.clock().UTC()
	run.EndedAt = &ended
	run.ApprovalState = nil

	if err := e.saveRun(ctx, run, req.ExpectedRevision); err != nil {
		return nil, err
	}
	if err := e.emitResolved(ctx, run, req, requirement, actor, ResolutionRejected); err != nil {
		return nil, err
	}
	if err := e.emitDenied(ctx, run.ID, actor, decision); err != nil {
		return nil, err
	}
	if err := e.emitTerminal(ctx, run, actor, contracts.EventRunFailed); err != nil {
		return nil, err
	}

	e.logger.Info("approval rejected",
		"run_id", run.ID,
		"action_intent_id", req.ActionIntentID,
		"rejected_by", req.ActorID,
	)
	return &ApprovalOutcome{Resolution: ResolutionRejected, Run: run}, nil
}

// executePlannedAllows executes the intents that were allowed at plan time.
// Escalated intents carry the approval.resolved.allow reason once approved
// and execute at their own resolution, so they are skipped here.
func (e *Engine) executePlannedAllows(ctx context.Context, run *contracts.RunRecord, actor contracts.AuditActor) error {
	for _, intent := range run.ActionIntents {
		decision := run.DecisionForIntent(intent.ID)
		if decision == nil || decision.Decision != contracts.DecisionAllow {
			continue
		}
		if decision.HasReason(policy.ReasonApprovalResolvedAllow) {
			continue
		}
		if err := e.executeIntent(ctx, run, intent, decision, actor); err != nil {
			return err
		}
	}
	return nil
}

// CancelRequest cancels a non-terminal run.
type CancelRequest struct {
	RunID            string
	ExpectedRevision int64
	ActorID          string
	Reason           string
}

// CancelRun moves a non-terminal run to cancelled, clearing any open
// approvals. The write is a CAS on the expected revision.
func (e *Engine) CancelRun(ctx context.Context, req CancelRequest) (*contracts.RunRecord, error) {
	if !contracts.HasIDPrefix(req.RunID, contracts.RunIDPrefix) {
		return nil, &ValidationError{Field: "run_id", Msg: "must carry the run_ prefix"}
	}
	if !contracts.ValidActorID(req.ActorID) {
		return nil, &ValidationError{Field: "cancelled_by", Msg: "must be a well-formed actor id"}
	}
	if req.ExpectedRevision < 1 {
		return nil, &ValidationError{Field: "expected_revision", Msg: "must be >= 1"}
	}

	run, err := e.loadRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, ErrRunTerminal
	}
	if req.ExpectedRevision != run.Revision {
		return nil, &store.RevisionConflictError{RunID: run.ID, Expected: req.ExpectedRevision, Current: run.Revision}
	}

	run.Status = contracts.RunCancelled
	ended := e.clock().UTC()
	run.EndedAt = &ended
	run.ApprovalState = nil

	if err := e.saveRun(ctx, run, req.ExpectedRevision); err != nil {
		return nil, err
	}

	actor := contracts.ActorRef(req.ActorID)
	payload := map[string]any{
		"status":       string(run.Status),
		"cancelled_by": req.ActorID,
	}
	if req.Reason != "" {
		payload["reason"] = req.Reason
	}
	if err := e.emitEvent(ctx, run.ID, contracts.EventRunCancelled, payload); err != nil {
		return nil, err
	}
	if err := e.emitAudit(ctx, run.ID, contracts.EventRunCancelled, actor, payload, ""); err != nil {
		return nil, err
	}

	e.logger.Info("run cancelled", "run_id", run.ID, "cancelled_by", req.ActorID)
	return run, nil
}

func (e *Engine) emitResolved(ctx context.Context, run *contracts.RunRecord, req ApprovalRequest, requirement *contracts.ApprovalRequirement, actor contracts.AuditActor, resolution string) error {
	payload := map[string]any{
		"action_intent_id": req.ActionIntentID,
		"decision_id":      requirement.DecisionID,
		"resolution":       resolution,
		"resolved_by":      req.ActorID,
		"approvals":        len(requirement.ApprovedBy),
		"required":         requirement.RequiredApprovals,
	}
	if req.Reason != "" {
		payload["reason"] = req.Reason
	}
	if err := e.emitEvent(ctx, run.ID, contracts.EventApprovalResolved, payload); err != nil {
		return err
	}
	return e.emitAudit(ctx, run.ID, contracts.EventApprovalResolved, actor, payload, requirement.DecisionID)
}

func (e *Engine) loadRun(ctx context.Context, runID string) (*contracts.RunRecord, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("executor: load run %s: %w", runID, err)
	}
	return run, nil
}

func (e *Engine) saveRun(ctx context.Context, run *contracts.RunRecord, expectedRevision int64) error {
	if err := e.store.SaveRun(ctx, run, expectedRevision); err != nil {
		if _, ok := store.AsRevisionConflict(err); ok {
			return err
		}
		return fmt.Errorf("executor: persist run %s: %w", run.ID, err)
	}
	return nil
}

func appendReason(d *contracts.PolicyDecision, code string) {
	if !d.HasReason(code) {
		d.ReasonCodes = append(d.ReasonCodes, code)
	}
}

func validateApproval(req ApprovalRequest) error {
	if !contracts.HasIDPrefix(req.RunID, contracts.RunIDPrefix) {
		return &ValidationError{Field: "run_id", Msg: "must carry the run_ prefix"}
	}
	if !contracts.HasIDPrefix(req.ActionIntentID, contracts.ActionIntentIDPrefix) {
		return &ValidationError{Field: "action_intent_id", Msg: "must carry the act_ prefix"}
	}
	if !contracts.ValidActorID(req.ActorID) {
		return &ValidationError{Field: "approved_by", Msg: "must be a well-formed actor id"}
	}
	if req.ExpectedRevision < 1 {
		return &ValidationError{Field: "expected_revision", Msg: "must be >= 1"}
	}
	return nil
}
