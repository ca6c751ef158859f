// Package integrity re-derives run health from the dual ledger instead of
// trusting run state: replay checks reconcile executed-action events against
// the run's allow decisions, timeline diffs compare a run's footprint with a
// comparable base run, and the drift summary watches recent runs for
// divergence. Exports wrap the evidence in signed envelopes.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/flockmesh/flockmesh/pkg/contracts"
	"github.com/flockmesh/flockmesh/pkg/ledger"
	"github.com/flockmesh/flockmesh/pkg/policypatch"
	"github.com/flockmesh/flockmesh/pkg/signing"
	"github.com/flockmesh/flockmesh/pkg/store"
)

// Replay issue codes. Each names one way the ledger evidence can disagree
// with the run's decisions.
const (
	IssuePartialEvidence      = "replay.partial_evidence"
	IssueMissingExecution     = "replay.missing_expected_action_execution"
	IssueUnexpectedExecution  = "replay.unexpected_action_execution"
	IssueDuplicateExecution   = "replay.duplicate_action_execution"
	IssueUnknownEventActionID = "replay.unknown_event_action_id"
	IssueAuditCountMismatch   = "replay.audit_event_count_mismatch"
)

// ReplayState is the integrity verdict for one run.
type ReplayState string

const (
	ReplayPending      ReplayState = "pending"
	ReplayConsistent   ReplayState = "consistent"
	ReplayInconclusive ReplayState = "inconclusive"
	ReplayInconsistent ReplayState = "inconsistent"
)

// severity orders verdicts for the drift summary, worst first.
func (s ReplayState) severity() int {
	switch s {
	case ReplayInconsistent:
		return 3
	case ReplayInconclusive:
		return 2
	case ReplayPending:
		return 1
	default:
		return 0
	}
}

// DefaultMaxItemsPerStream bounds how much of each stream a replay check
// reads before declaring partial evidence.
const DefaultMaxItemsPerStream = 2000

// ReplayReport reconciles a run's event and audit streams against its
// policy decisions.
//
//nolint:govet // fieldalignment: struct layout mirrors the wire document
type ReplayReport struct {
	RunID           string              `json:"run_id"`
	RunStatus       contracts.RunStatus `json:"run_status"`
	ReplayState     ReplayState         `json:"replay_state"`
	Issues          []string            `json:"issues"`
	ExpectedIntents []string            `json:"expected_intents"`
	Observed        map[string]int      `json:"observed"`
	EventExecutions int                 `json:"event_executions"`
	AuditExecutions int                 `json:"audit_executions"`
	EventsScanned   int                 `json:"events_scanned"`
	AuditScanned    int                 `json:"audit_scanned"`
	Truncated       bool                `json:"truncated"`
	GeneratedAt     time.Time           `json:"generated_at"`
}

// Archiver persists signed export envelopes content-addressed and returns
// the storage reference.
type Archiver interface {
	Put(ctx context.Context, data []byte) (string, error)
}

// Service computes the integrity views. All reads go through the store and
// ledger; nothing here mutates state.
type Service struct {
	store    store.Store
	ledger   ledger.Ledger
	keys     *signing.KeyRing
	history  *policypatch.History
	archive  Archiver
	logger   *slog.Logger
	clock    func() time.Time
	parallel int
}

// NewService builds the integrity service over its collaborators.
func NewService(st store.Store, led ledger.Ledger, keys *signing.KeyRing, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		ledger:   led,
		keys:     keys,
		logger:   logger.With("component", "integrity"),
		clock:    time.Now,
		parallel: 8,
	}
}

// WithClock overrides time acquisition for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithPatchHistory attaches the policy patch journal for history exports.
func (s *Service) WithPatchHistory(h *policypatch.History) *Service {
	s.history = h
	return s
}

// WithArchive attaches an export archive store.
func (s *Service) WithArchive(a Archiver) *Service {
	s.archive = a
	return s
}

// WithParallelism bounds the drift summary's concurrent replay checks.
func (s *Service) WithParallelism(n int) *Service {
	if n > 0 {
		s.parallel = n
	}
	return s
}

// Replay computes the replay-integrity report for one run. maxItemsPerStream
// bounds how much of each stream is read; values < 1 use the default.
func (s *Service) Replay(ctx context.Context, runID string, maxItemsPerStream int) (*ReplayReport, error) {
	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if maxItemsPerStream < 1 {
		maxItemsPerStream = DefaultMaxItemsPerStream
	}

	events, eventsTruncated, err := s.collectEvents(ctx, runID, maxItemsPerStream)
	if err != nil {
		return nil, err
	}
	audits, auditTruncated, err := s.collectAudit(ctx, runID, maxItemsPerStream)
	if err != nil {
		return nil, err
	}

	report := &ReplayReport{
		RunID:         runID,
		RunStatus:     run.Status,
		Observed:      map[string]int{},
		EventsScanned: len(events),
		AuditScanned:  len(audits),
		Truncated:     eventsTruncated || auditTruncated,
		GeneratedAt:   s.clock().UTC(),
	}

	// Expected: intents whose policy decision is allow.
	expected := map[string]bool{}
	for _, d := range run.PolicyDecisions {
		if d.Decision == contracts.DecisionAllow && d.ActionIntentID != "" {
			expected[d.ActionIntentID] = true
		}
	}
	report.ExpectedIntents = make([]string, 0, len(expected))
	for id := range expected {
		report.ExpectedIntents = append(report.ExpectedIntents, id)
	}
	sort.Strings(report.ExpectedIntents)

	unknownID := false
	for _, e := range events {
		if e.Name != contracts.EventActionExecuted && e.Name != contracts.EventActionExecutedDedup {
			continue
		}
		report.EventExecutions++
		id, ok := e.Payload["action_intent_id"].(string)
		if !ok || id == "" {
			unknownID = true
			continue
		}
		report.Observed[id]++
	}
	for _, a := range audits {
		if a.EventType == contracts.EventActionExecuted {
			report.AuditExecutions++
		}
	}

	// Issues in a fixed order so reports are directly comparable.
	issues := []string{}
	if report.Truncated {
		issues = append(issues, IssuePartialEvidence)
	}
	missing, unexpectedExec, duplicate := false, false, false
	for id := range expected {
		if report.Observed[id] == 0 {
			missing = true
		}
	}
	for id, count := range report.Observed {
		if !expected[id] {
			unexpectedExec = true
		}
		if count > 1 {
			duplicate = true
		}
	}
	if missing {
		issues = append(issues, IssueMissingExecution)
	}
	if unexpectedExec {
		issues = append(issues, IssueUnexpectedExecution)
	}
	if duplicate {
		issues = append(issues, IssueDuplicateExecution)
	}
	if unknownID {
		issues = append(issues, IssueUnknownEventActionID)
	}
	if report.AuditExecutions != report.EventExecutions {
		issues = append(issues, IssueAuditCountMismatch)
	}
	report.Issues = issues
	report.ReplayState = deriveState(run.Status, issues)
	return report, nil
}

// deriveState: pending while the run can still move; otherwise any issue
// beyond partial evidence is inconsistent, partial evidence alone is
// inconclusive, a clean reconciliation is consistent.
func deriveState(status contracts.RunStatus, issues []string) ReplayState {
	if !status.Terminal() {
		return ReplayPending
	}
	partialOnly := true
	for _, issue := range issues {
		if issue != IssuePartialEvidence {
			partialOnly = false
			break
		}
	}
	switch {
	case len(issues) == 0:
		return ReplayConsistent
	case partialOnly:
		return ReplayInconclusive
	default:
		return ReplayInconsistent
	}
}

func (s *Service) loadRun(ctx context.Context, runID string) (*contracts.RunRecord, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("integrity: load run %s: %w", runID, err)
	}
	return run, nil
}

// collectEvents pages through the run's event stream up to maxItems.
// maxItems < 1 reads the whole stream.
func (s *Service) collectEvents(ctx context.Context, runID string, maxItems int) ([]contracts.EventRecord, bool, error) {
	var out []contracts.EventRecord
	for {
		limit := ledger.MaxLimit
		if maxItems > 0 && maxItems-len(out) < limit {
			limit = maxItems - len(out)
		}
		page, err := s.ledger.ReadEvents(ctx, runID, limit, len(out))
		if err != nil {
			return nil, false, err
		}
		out = append(out, page.Items...)
		if len(out) >= page.Total {
			return out, false, nil
		}
		if maxItems > 0 && len(out) >= maxItems {
			return out, len(out) < page.Total, nil
		}
	}
}

// collectAudit pages through the run's audit stream up to maxItems.
func (s *Service) collectAudit(ctx context.Context, runID string, maxItems int) ([]contracts.AuditRecord, bool, error) {
	var out []contracts.AuditRecord
	for {
		limit := ledger.MaxLimit
		if maxItems > 0 && maxItems-len(out) < limit {
			limit = maxItems - len(out)
		}
		page, err := s.ledger.ReadAudit(ctx, runID, limit, len(out))
		if err != nil {
			return nil, false, err
		}
		out = append(out, page.Items...)
		if len(out) >= page.Total {
			return out, false, nil
		}
		if maxItems > 0 && len(out) >= maxItems {
			return out, len(out) < page.Total, nil
		}
	}
}
