package integrity

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/flockmesh/flockmesh/pkg/contracts"
	"github.com/flockmesh/flockmesh/pkg/store"
)

// Timeline row keys are namespaced by dimension so one flat, sortable list
// can carry all five count maps.
const (
	dimEvent      = "event:"
	dimAudit      = "audit:"
	dimCapability = "capability:"
	dimDecision   = "decision:"
	dimReason     = "reason:"
)

// Sample limits for timeline rows.
const (
	DefaultSampleLimit = 50
	MaxSampleLimit     = 500
)

// How a base run was chosen.
const (
	BaseExplicit     = "explicit"
	BaseAutoPrevious = "auto_previous"
	BaseAutoLatest   = "auto_latest"
)

// TimelineRow compares one counted key between the run and its base.
type TimelineRow struct {
	Key     string `json:"key"`
	Current int    `json:"current"`
	Base    int    `json:"base"`
	Delta   int    `json:"delta"`
}

// TimelineReport is the footprint diff between a run and a comparable base
// run from the same workspace, agent, and playbook.
type TimelineReport struct {
	RunID         string        `json:"run_id"`
	BaseRunID     string        `json:"base_run_id"`
	BaseSelection string        `json:"base_selection"`
	SampleLimit   int           `json:"sample_limit"`
	TotalRows     int           `json:"total_rows"`
	Rows          []TimelineRow `json:"rows"`
	GeneratedAt   time.Time     `json:"generated_at"`
}

// TimelineDiff compares runID against baseRunID, or against an
// auto-selected base when baseRunID is empty: the latest run of the same
// workspace/agent/playbook started strictly earlier, falling back to the
// latest other one. sampleLimit bounds the returned rows; values < 1 use
// the default.
func (s *Service) TimelineDiff(ctx context.Context, runID, baseRunID string, sampleLimit int) (*TimelineReport, error) {
	if sampleLimit < 1 {
		sampleLimit = DefaultSampleLimit
	}
	if sampleLimit > MaxSampleLimit {
		sampleLimit = MaxSampleLimit
	}

	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	base, selection, err := s.resolveBase(ctx, run, baseRunID)
	if err != nil {
		return nil, err
	}

	current, err := s.footprint(ctx, run)
	if err != nil {
		return nil, err
	}
	baseline, err := s.footprint(ctx, base)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]bool, len(current)+len(baseline))
	for k := range current {
		keys[k] = true
	}
	for k := range baseline {
		keys[k] = true
	}
	rows := make([]TimelineRow, 0, len(keys))
	for k := range keys {
		rows = append(rows, TimelineRow{
			Key:     k,
			Current: current[k],
			Base:    baseline[k],
			Delta:   current[k] - baseline[k],
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		di, dj := abs(rows[i].Delta), abs(rows[j].Delta)
		if di != dj {
			return di > dj
		}
		if rows[i].Current != rows[j].Current {
			return rows[i].Current > rows[j].Current
		}
		return rows[i].Key < rows[j].Key
	})

	report := &TimelineReport{
		RunID:         run.ID,
		BaseRunID:     base.ID,
		BaseSelection: selection,
		SampleLimit:   sampleLimit,
		TotalRows:     len(rows),
		Rows:          rows,
		GeneratedAt:   s.clock().UTC(),
	}
	if len(report.Rows) > sampleLimit {
		report.Rows = report.Rows[:sampleLimit]
	}
	return report, nil
}

// resolveBase picks the comparison run. An explicit base must live in the
// same workspace, belong to the same agent, run the same playbook, and
// differ from the target.
func (s *Service) resolveBase(ctx context.Context, run *contracts.RunRecord, baseRunID string) (*contracts.RunRecord, string, error) {
	if baseRunID != "" {
		base, err := s.store.GetRun(ctx, baseRunID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, "", ErrNoComparableBase
			}
			return nil, "", err
		}
		switch {
		case base.ID == run.ID:
			return nil, "", &BaseMismatchError{BaseRunID: base.ID, Field: "base_run_id", BaseValue: base.ID, RunValue: run.ID}
		case base.WorkspaceID != run.WorkspaceID:
			return nil, "", &BaseMismatchError{BaseRunID: base.ID, Field: "workspace", BaseValue: base.WorkspaceID, RunValue: run.WorkspaceID}
		case base.AgentID != run.AgentID:
			return nil, "", &BaseMismatchError{BaseRunID: base.ID, Field: "agent", BaseValue: base.AgentID, RunValue: run.AgentID}
		case base.PlaybookID != run.PlaybookID:
			return nil, "", &BaseMismatchError{BaseRunID: base.ID, Field: "playbook", BaseValue: base.PlaybookID, RunValue: run.PlaybookID}
		}
		return base, BaseExplicit, nil
	}

	candidates, err := s.store.ListRuns(ctx, store.ListRunsQuery{
		WorkspaceID: run.WorkspaceID,
		AgentID:     run.AgentID,
		PlaybookID:  run.PlaybookID,
	})
	if err != nil {
		return nil, "", err
	}
	var latest *contracts.RunRecord
	for _, c := range candidates {
		if c.ID == run.ID {
			continue
		}
		if latest == nil {
			latest = c
		}
		// Candidates arrive most recent first; the first one started
		// strictly earlier is the natural predecessor.
		if c.StartedAt.Before(run.StartedAt) {
			return c, BaseAutoPrevious, nil
		}
	}
	if latest == nil {
		return nil, "", ErrNoComparableBase
	}
	return latest, BaseAutoLatest, nil
}

// footprint counts a run's observable surface: event names, audit event
// types, intent capabilities, decision effects, and reason codes.
func (s *Service) footprint(ctx context.Context, run *contracts.RunRecord) (map[string]int, error) {
	counts := map[string]int{}

	events, _, err := s.collectEvents(ctx, run.ID, 0)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		counts[dimEvent+e.Name]++
	}

	audits, _, err := s.collectAudit(ctx, run.ID, 0)
	if err != nil {
		return nil, err
	}
	for _, a := range audits {
		counts[dimAudit+a.EventType]++
	}

	for _, intent := range run.ActionIntents {
		counts[dimCapability+intent.Capability]++
	}
	for _, d := range run.PolicyDecisions {
		counts[dimDecision+string(d.Decision)]++
		for _, reason := range d.ReasonCodes {
			counts[dimReason+reason]++
		}
	}
	return counts, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
