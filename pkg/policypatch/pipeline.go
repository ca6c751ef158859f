// Package policypatch changes the policy catalog safely: dry-run or apply a
// patch (or rollback) of one profile under a document-hash compare-and-set,
// with admin authorization, a simulation preview of the decision shift, an
// audit trail and an append-only history journal. The on-disk document is
// always the canonical form produced by the policy compiler, so the hash of
// the file and the hash of the library entry can never drift apart.
package policypatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/flockmesh/flockmesh/pkg/canonicalize"
	"github.com/flockmesh/flockmesh/pkg/contracts"
	"github.com/flockmesh/flockmesh/pkg/ledger"
	"github.com/flockmesh/flockmesh/pkg/policy"
)

// Mode picks between previewing a change and applying it.
type Mode string

const (
	ModeDryRun Mode = "dry_run"
	ModeApply  Mode = "apply"
)

// CatalogStreamID is the reserved ledger stream for catalog changes. Policy
// patches are not run-scoped, so they get their own stream instead of
// polluting any run's timeline.
const CatalogStreamID = "policy"

// PatchRule is one requested capability change.
type PatchRule struct {
	Capability        string                   `json:"capability"`
	Decision          contracts.DecisionEffect `json:"decision"`
	RequiredApprovals int                      `json:"required_approvals,omitempty"`
}

// PatchRequest asks for a profile change. ExpectedProfileHash is required
// for apply and is the CAS token against the current document.
type PatchRequest struct {
	ProfileName         string      `json:"profile_name"`
	Mode                Mode        `json:"mode"`
	Rules               []PatchRule `json:"patch_rules"`
	Reason              string      `json:"reason,omitempty"`
	ActorID             string      `json:"actor_id,omitempty"`
	ExpectedProfileHash string      `json:"expected_profile_hash,omitempty"`
}

// RollbackRequest asks to restore a snapshot recorded in the history
// journal. TargetPatchID defaults to the profile's most recent entry.
type RollbackRequest struct {
	ProfileName         string      `json:"profile_name"`
	Mode                Mode        `json:"mode"`
	TargetPatchID       string      `json:"target_patch_id,omitempty"`
	TargetState         TargetState `json:"target_state"`
	Reason              string      `json:"reason,omitempty"`
	ActorID             string      `json:"actor_id,omitempty"`
	ExpectedProfileHash string      `json:"expected_profile_hash,omitempty"`
}

// Changes are the capability-level diff sets between the before and after
// documents, each sorted lexicographically.
type Changes struct {
	Added     []string `json:"added"`
	Updated   []string `json:"updated"`
	Removed   []string `json:"removed"`
	Unchanged []string `json:"unchanged"`
}

func (c Changes) summary() string {
	return fmt.Sprintf("%d added, %d updated, %d removed, %d unchanged",
		len(c.Added), len(c.Updated), len(c.Removed), len(c.Unchanged))
}

// Result reports one pipeline invocation. Applied is false for dry runs,
// which assign no patch id and leave disk, library, ledger and history
// untouched.
//
//nolint:govet // fieldalignment: struct layout mirrors the wire document
type Result struct {
	PatchID           string             `json:"patch_id,omitempty"`
	Operation         Operation          `json:"operation"`
	ProfileName       string             `json:"profile_name"`
	Mode              Mode               `json:"mode"`
	Applied           bool               `json:"applied"`
	BeforeProfileHash string             `json:"before_profile_hash"`
	AfterProfileHash  string             `json:"after_profile_hash"`
	Summary           string             `json:"summary"`
	Changes           Changes            `json:"changes"`
	SimulationPreview *SimulationPreview `json:"simulation_preview,omitempty"`
	BeforeDocument    policy.Profile     `json:"before_document"`
	AfterDocument     policy.Profile     `json:"after_document"`
	AppliedAt         *time.Time         `json:"applied_at,omitempty"`
	FilePath          string             `json:"file_path,omitempty"`
	TargetPatchID     string             `json:"target_patch_id,omitempty"`
	TargetState       TargetState        `json:"target_state,omitempty"`
}

// Pipeline owns the write path of the policy catalog: it is the only code
// that replaces profile documents on disk and swaps library entries.
type Pipeline struct {
	dir     string
	library *policy.Library
	history *History
	ledger  ledger.Ledger
	admins  Admins
	logger  *slog.Logger
	clock   func() time.Time
}

// NewPipeline builds the catalog write path over its collaborators. dir is
// the profile catalog directory the library was loaded from.
func NewPipeline(dir string, lib *policy.Library, history *History, led ledger.Ledger, admins Admins, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		dir:     dir,
		library: lib,
		history: history,
		ledger:  led,
		admins:  admins,
		logger:  logger.With("component", "policypatch"),
		clock:   time.Now,
	}
}

// WithClock overrides time acquisition for deterministic tests.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// Patch previews or applies a rule patch onto one profile.
func (p *Pipeline) Patch(ctx context.Context, req PatchRequest) (*Result, error) {
	if err := validateCommon(req.ProfileName, req.Mode, req.ActorID); err != nil {
		return nil, err
	}
	rules, err := normalizeRules(req.Rules)
	if err != nil {
		return nil, err
	}

	before, ok := p.library.Get(req.ProfileName)
	if !ok {
		return nil, ErrProfileNotFound
	}

	afterDoc := before.Profile.Clone()
	for _, rule := range rules {
		afterDoc.Rules[rule.Capability] = policy.Rule{
			Decision:          rule.Decision,
			RequiredApprovals: rule.RequiredApprovals,
		}
	}
	after, err := policy.Compile(afterDoc)
	if err != nil {
		return nil, fmt.Errorf("policypatch: compile patched profile: %w", err)
	}

	return p.finish(ctx, stagedChange{
		operation: OperationPatch,
		mode:      req.Mode,
		actorID:   req.ActorID,
		reason:    req.Reason,
		expected:  req.ExpectedProfileHash,
		before:    before,
		after:     after,
		rules:     rules,
	})
}

// Rollback previews or applies the restoration of a recorded snapshot.
func (p *Pipeline) Rollback(ctx context.Context, req RollbackRequest) (*Result, error) {
	if err := validateCommon(req.ProfileName, req.Mode, req.ActorID); err != nil {
		return nil, err
	}
	if req.TargetState != TargetBefore && req.TargetState != TargetAfter {
		return nil, &ValidationError{Field: "target_state", Msg: "must be before or after"}
	}

	target, err := p.resolveTarget(ctx, req.ProfileName, req.TargetPatchID)
	if err != nil {
		return nil, err
	}

	before, ok := p.library.Get(req.ProfileName)
	if !ok {
		return nil, ErrProfileNotFound
	}

	snapshot := target.BeforeDocument
	if req.TargetState == TargetAfter {
		snapshot = target.AfterDocument
	}
	after, err := policy.Compile(snapshot.Clone())
	if err != nil {
		return nil, fmt.Errorf("policypatch: compile rollback snapshot: %w", err)
	}

	// The preview treats the restored rules as a whole-document patch.
	rules := make([]PatchRule, 0, len(after.Profile.Rules))
	for _, capability := range after.Profile.Capabilities() {
		rule := after.Profile.Rules[capability]
		rules = append(rules, PatchRule{
			Capability:        capability,
			Decision:          rule.Decision,
			RequiredApprovals: rule.RequiredApprovals,
		})
	}

	return p.finish(ctx, stagedChange{
		operation:     OperationRollback,
		mode:          req.Mode,
		actorID:       req.ActorID,
		reason:        req.Reason,
		expected:      req.ExpectedProfileHash,
		before:        before,
		after:         after,
		rules:         rules,
		targetPatchID: target.PatchID,
		targetState:   req.TargetState,
	})
}

// stagedChange is a validated change ready for the common authorize / CAS /
// preview / apply tail shared by patch and rollback.
type stagedChange struct {
	operation     Operation
	mode          Mode
	actorID       string
	reason        string
	expected      string
	before        *policy.CompiledProfile
	after         *policy.CompiledProfile
	rules         []PatchRule
	targetPatchID string
	targetState   TargetState
}

func (p *Pipeline) finish(ctx context.Context, change stagedChange) (*Result, error) {
	profileName := change.before.Profile.Name

	if change.mode == ModeApply {
		if !p.admins.Authorized(change.actorID, profileName) {
			return nil, &NotAuthorizedError{ActorID: change.actorID, ProfileName: profileName}
		}
		if change.expected == "" {
			return nil, &ValidationError{Field: "expected_profile_hash", Msg: "required when mode is apply"}
		}
		if change.expected != change.before.Hash {
			return nil, &HashMismatchError{
				ProfileName: profileName,
				Expected:    change.expected,
				Current:     change.before.Hash,
			}
		}
	}

	changes := diffProfiles(change.before.Profile, change.after.Profile)
	preview := simulate(p.library, p.library.CloneWith(change.after), profileName, change.rules)

	result := &Result{
		Operation:         change.operation,
		ProfileName:       profileName,
		Mode:              change.mode,
		BeforeProfileHash: change.before.Hash,
		AfterProfileHash:  change.after.Hash,
		Summary:           changes.summary(),
		Changes:           changes,
		SimulationPreview: preview,
		BeforeDocument:    change.before.Profile,
		AfterDocument:     change.after.Profile,
		TargetPatchID:     change.targetPatchID,
		TargetState:       change.targetState,
	}
	if change.mode == ModeDryRun {
		return result, nil
	}

	if err := policy.WriteProfile(p.dir, change.after); err != nil {
		return nil, err
	}
	p.library.Put(change.after)

	appliedAt := p.clock().UTC()
	entry := &Entry{
		PatchID:           contracts.NewID(contracts.PatchIDPrefix),
		Operation:         change.operation,
		ProfileName:       profileName,
		ActorID:           change.actorID,
		Reason:            change.reason,
		AppliedAt:         appliedAt,
		FilePath:          policy.ProfilePath(p.dir, profileName),
		BeforeProfileHash: change.before.Hash,
		AfterProfileHash:  change.after.Hash,
		Summary:           result.Summary,
		Changes:           changes,
		SimulationPreview: preview,
		BeforeDocument:    change.before.Profile,
		AfterDocument:     change.after.Profile,
		TargetPatchID:     change.targetPatchID,
		TargetState:       change.targetState,
	}
	if err := p.history.Append(ctx, entry); err != nil {
		return nil, err
	}
	if err := p.emit(ctx, entry); err != nil {
		return nil, err
	}

	p.logger.Info("policy profile changed",
		"operation", change.operation,
		"profile", profileName,
		"patch_id", entry.PatchID,
		"actor_id", change.actorID,
		"before_hash", change.before.Hash,
		"after_hash", change.after.Hash,
	)

	result.PatchID = entry.PatchID
	result.Applied = true
	result.AppliedAt = &appliedAt
	result.FilePath = entry.FilePath
	return result, nil
}

// emit records the applied change on the reserved catalog stream: an event
// describing it and an audit row committing to the full history entry by
// hash.
func (p *Pipeline) emit(ctx context.Context, entry *Entry) error {
	name := contracts.EventPolicyPatchApplied
	if entry.Operation == OperationRollback {
		name = contracts.EventPolicyPatchRolledBck
	}
	event := &contracts.EventRecord{
		RunID: CatalogStreamID,
		Name:  name,
		At:    entry.AppliedAt,
		Payload: map[string]any{
			"patch_id":            entry.PatchID,
			"profile_name":        entry.ProfileName,
			"actor_id":            entry.ActorID,
			"before_profile_hash": entry.BeforeProfileHash,
			"after_profile_hash":  entry.AfterProfileHash,
			"summary":             entry.Summary,
		},
	}
	if entry.TargetPatchID != "" {
		event.Payload["target_patch_id"] = entry.TargetPatchID
		event.Payload["target_state"] = string(entry.TargetState)
	}
	if err := p.ledger.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("policypatch: record catalog event: %w", err)
	}

	payloadHash, err := canonicalize.Hash(entry)
	if err != nil {
		return fmt.Errorf("policypatch: hash history entry: %w", err)
	}
	audit := &contracts.AuditRecord{
		RunID:       CatalogStreamID,
		EventType:   name,
		Actor:       contracts.ActorRef(entry.ActorID),
		PayloadHash: payloadHash,
		DecisionRef: entry.PatchID,
		OccurredAt:  entry.AppliedAt,
	}
	if err := p.ledger.AppendAudit(ctx, audit); err != nil {
		return fmt.Errorf("policypatch: record catalog audit: %w", err)
	}
	return nil
}

func (p *Pipeline) resolveTarget(ctx context.Context, profileName, targetPatchID string) (*Entry, error) {
	if targetPatchID != "" {
		entry, ok, err := p.history.Get(ctx, targetPatchID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrPatchNotFound
		}
		if entry.ProfileName != profileName {
			return nil, &ValidationError{
				Field: "target_patch_id",
				Msg:   fmt.Sprintf("patch %s targets profile %s, not %s", targetPatchID, entry.ProfileName, profileName),
			}
		}
		return entry, nil
	}
	entry, ok, err := p.history.Latest(ctx, profileName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoRollbackTarget
	}
	return entry, nil
}

func validateCommon(profileName string, mode Mode, actorID string) error {
	if !contracts.ValidProfileName(profileName) {
		return &ValidationError{Field: "profile_name", Msg: "must be lowercase snake case"}
	}
	if mode != ModeDryRun && mode != ModeApply {
		return &ValidationError{Field: "mode", Msg: "must be dry_run or apply"}
	}
	if actorID != "" && !contracts.ValidActorID(actorID) {
		return &ValidationError{Field: "actor_id", Msg: "must be a usr_/svc_/agt_/sys_ id"}
	}
	if mode == ModeApply && actorID == "" {
		return &ValidationError{Field: "actor_id", Msg: "required when mode is apply"}
	}
	return nil
}

// normalizeRules validates, deduplicates and lexicographically sorts the
// requested rules. Approval counts on non-escalate rules are dropped the
// same way the profile compiler drops them.
func normalizeRules(rules []PatchRule) ([]PatchRule, error) {
	if len(rules) == 0 {
		return nil, &ValidationError{Field: "patch_rules", Msg: "at least one rule required"}
	}
	seen := make(map[string]struct{}, len(rules))
	normalized := make([]PatchRule, 0, len(rules))
	for i, rule := range rules {
		if !contracts.ValidPolicyCapability(rule.Capability) {
			return nil, &ValidationError{
				Field: fmt.Sprintf("patch_rules[%d].capability", i),
				Msg:   fmt.Sprintf("invalid capability %q", rule.Capability),
			}
		}
		if _, dup := seen[rule.Capability]; dup {
			return nil, &ValidationError{
				Field: fmt.Sprintf("patch_rules[%d].capability", i),
				Msg:   fmt.Sprintf("duplicate capability %q", rule.Capability),
			}
		}
		seen[rule.Capability] = struct{}{}

		if !contracts.KnownDecisionEffect(rule.Decision) {
			return nil, &ValidationError{
				Field: fmt.Sprintf("patch_rules[%d].decision", i),
				Msg:   "must be allow, deny or escalate",
			}
		}
		if rule.Decision == contracts.DecisionEscalate {
			if rule.RequiredApprovals < 1 || rule.RequiredApprovals > 5 {
				return nil, &ValidationError{
					Field: fmt.Sprintf("patch_rules[%d].required_approvals", i),
					Msg:   "escalate requires approvals in [1,5]",
				}
			}
		} else {
			rule.RequiredApprovals = 0
		}
		normalized = append(normalized, rule)
	}
	sort.Slice(normalized, func(i, j int) bool {
		return normalized[i].Capability < normalized[j].Capability
	})
	return normalized, nil
}

// diffProfiles computes the capability-level diff sets between two
// documents. Patches never remove capabilities; rollbacks can.
func diffProfiles(before, after policy.Profile) Changes {
	changes := Changes{
		Added:     []string{},
		Updated:   []string{},
		Removed:   []string{},
		Unchanged: []string{},
	}
	for _, capability := range after.Capabilities() {
		beforeRule, inBefore := before.Rules[capability]
		switch {
		case !inBefore:
			changes.Added = append(changes.Added, capability)
		case beforeRule != after.Rules[capability]:
			changes.Updated = append(changes.Updated, capability)
		default:
			changes.Unchanged = append(changes.Unchanged, capability)
		}
	}
	for _, capability := range before.Capabilities() {
		if _, inAfter := after.Rules[capability]; !inAfter {
			changes.Removed = append(changes.Removed, capability)
		}
	}
	return changes
}
