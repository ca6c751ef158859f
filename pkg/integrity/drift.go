package integrity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flockmesh/flockmesh/pkg/contracts"
	"github.com/flockmesh/flockmesh/pkg/store"
)

// Bounds for the drift summary's run window.
const (
	DefaultDriftLimit = 20
	MaxDriftLimit     = 100
)

// DriftQuery parameterizes a drift summary.
type DriftQuery struct {
	Limit               int
	IncludePending      bool
	AlertOnInconclusive bool
	MaxItemsPerStream   int
}

// DriftRun is one run's verdict inside the summary.
type DriftRun struct {
	RunID       string              `json:"run_id"`
	RunStatus   contracts.RunStatus `json:"run_status"`
	ReplayState ReplayState         `json:"replay_state"`
	Issues      []string            `json:"issues"`
}

// DriftSummary aggregates replay integrity over the most recent runs.
type DriftSummary struct {
	Runs        []DriftRun          `json:"runs"`
	Totals      map[ReplayState]int `json:"totals"`
	ScannedRuns int                 `json:"scanned_runs"`
	Alerting    int                 `json:"alerting"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// Drift computes replay integrity for the most recent runs concurrently and
// aggregates the verdicts, worst first.
func (s *Service) Drift(ctx context.Context, q DriftQuery) (*DriftSummary, error) {
	limit := q.Limit
	if limit < 1 {
		limit = DefaultDriftLimit
	}
	if limit > MaxDriftLimit {
		limit = MaxDriftLimit
	}

	runs, err := s.store.ListRuns(ctx, store.ListRunsQuery{Limit: limit})
	if err != nil {
		return nil, err
	}

	reports := make([]*ReplayReport, len(runs))
	errs := make([]error, len(runs))
	sem := make(chan struct{}, s.parallel)
	var wg sync.WaitGroup
	for i, run := range runs {
		wg.Add(1)
		go func(i int, runID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			reports[i], errs[i] = s.Replay(ctx, runID, q.MaxItemsPerStream)
		}(i, run.ID)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	summary := &DriftSummary{
		Runs:        []DriftRun{},
		Totals:      map[ReplayState]int{},
		ScannedRuns: len(runs),
		GeneratedAt: s.clock().UTC(),
	}
	for _, report := range reports {
		if report.ReplayState == ReplayPending && !q.IncludePending {
			continue
		}
		summary.Totals[report.ReplayState]++
		summary.Runs = append(summary.Runs, DriftRun{
			RunID:       report.RunID,
			RunStatus:   report.RunStatus,
			ReplayState: report.ReplayState,
			Issues:      report.Issues,
		})
	}
	sort.Slice(summary.Runs, func(i, j int) bool {
		si, sj := summary.Runs[i].ReplayState.severity(), summary.Runs[j].ReplayState.severity()
		if si != sj {
			return si > sj
		}
		if len(summary.Runs[i].Issues) != len(summary.Runs[j].Issues) {
			return len(summary.Runs[i].Issues) > len(summary.Runs[j].Issues)
		}
		return summary.Runs[i].RunID < summary.Runs[j].RunID
	})

	summary.Alerting = summary.Totals[ReplayInconsistent]
	if q.AlertOnInconclusive {
		summary.Alerting += summary.Totals[ReplayInconclusive]
	}
	return summary, nil
}
