package api_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flockmesh/flockmesh/pkg/contracts"
	"github.com/flockmesh/flockmesh/pkg/ledger"
)

// TestRunApprovalLifecycle drives the weekly ops sync end to end over HTTP:
// accept escalates the chat announcement, one approval resolves it, and the
// run completes with the full dual-ledger trail.
func TestRunApprovalLifecycle(t *testing.T) {
	f := newFixture(t)
	agent := f.newAgent(t)

	run := f.newRun(t, agent.ID, "pbk_weekly_ops_sync")
	require.Equal(t, contracts.RunWaitingApproval, run.Status)
	require.Equal(t, int64(1), run.Revision)
	require.Len(t, run.ActionIntents, 3)
	require.Len(t, run.ApprovalState, 1)

	var escalatedID string
	for intentID, req := range run.ApprovalState {
		escalatedID = intentID
		assert.Equal(t, 1, req.RequiredApprovals)
	}
	decision := run.DecisionForIntent(escalatedID)
	require.NotNil(t, decision)
	assert.Equal(t, contracts.DecisionEscalate, decision.Decision)
	assert.Equal(t, "message.send", run.IntentByID(escalatedID).Capability)

	var outcome struct {
		Resolution string              `json:"resolution"`
		Run        contracts.RunRecord `json:"run"`
	}
	status, _ := f.do(t, http.MethodPost, "/v0/runs/"+run.ID+"/approvals", map[string]any{
		"action_intent_id":  escalatedID,
		"approve":           true,
		"expected_revision": run.Revision,
		"reason":            "weekly announcement reviewed",
	}, &outcome)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "approved", outcome.Resolution)
	assert.Equal(t, contracts.RunCompleted, outcome.Run.Status)
	require.NotNil(t, outcome.Run.EndedAt)

	var fetched contracts.RunRecord
	status, _ = f.do(t, http.MethodGet, "/v0/runs/"+run.ID, nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, contracts.RunCompleted, fetched.Status)
	assert.Equal(t, contracts.DecisionAllow, fetched.DecisionForIntent(escalatedID).Decision)

	types := auditTypes(f.audit(t, run.ID))
	require.NotEmpty(t, types)
	assert.Equal(t, contracts.EventRunCreated, types[0])
	assert.Equal(t, contracts.EventRunCompleted, types[len(types)-1])
	for _, want := range []string{
		contracts.EventRunCreated,
		contracts.EventActionPlanned,
		contracts.EventPolicyEvaluated,
		contracts.EventApprovalRequested,
		contracts.EventApprovalResolved,
		contracts.EventActionExecuted,
		contracts.EventRunCompleted,
	} {
		assert.Contains(t, types, want, "audit stream missing %s", want)
	}
	assert.Less(t,
		indexOf(types, contracts.EventApprovalRequested),
		indexOf(types, contracts.EventApprovalResolved),
	)
	assert.Equal(t, 3, count(types, contracts.EventActionExecuted))
}

func indexOf(items []string, want string) int {
	for i, it := range items {
		if it == want {
			return i
		}
	}
	return -1
}

func count(items []string, want string) int {
	n := 0
	for _, it := range items {
		if it == want {
			n++
		}
	}
	return n
}

func TestApprovalRevisionConflict(t *testing.T) {
	f := newFixture(t)
	agent := f.newAgent(t)
	run := f.newRun(t, agent.ID, "pbk_weekly_ops_sync")

	var escalatedID string
	for intentID := range run.ApprovalState {
		escalatedID = intentID
	}

	var body map[string]any
	status, _ := f.do(t, http.MethodPost, "/v0/runs/"+run.ID+"/approvals", map[string]any{
		"action_intent_id":  escalatedID,
		"approve":           true,
		"expected_revision": 7,
	}, &body)

	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, float64(7), body["expected_revision"])
	assert.Equal(t, float64(1), body["current_revision"])
}

func TestApprovalClaimMismatch(t *testing.T) {
	f := newFixture(t)
	agent := f.newAgent(t)
	run := f.newRun(t, agent.ID, "pbk_weekly_ops_sync")

	var escalatedID string
	for intentID := range run.ApprovalState {
		escalatedID = intentID
	}

	var body map[string]any
	status, _ := f.do(t, http.MethodPost, "/v0/runs/"+run.ID+"/approvals", map[string]any{
		"action_intent_id":  escalatedID,
		"approve":           true,
		"approved_by":       "usr_somebody_else",
		"expected_revision": run.Revision,
	}, &body)

	require.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, body["reason_codes"], "auth.actor_claim_mismatch")
}

func TestApprovalRejectionFailsRun(t *testing.T) {
	f := newFixture(t)
	agent := f.newAgent(t)
	run := f.newRun(t, agent.ID, "pbk_weekly_ops_sync")

	var escalatedID string
	for intentID := range run.ApprovalState {
		escalatedID = intentID
	}

	var outcome struct {
		Resolution string              `json:"resolution"`
		Run        contracts.RunRecord `json:"run"`
	}
	status, _ := f.do(t, http.MethodPost, "/v0/runs/"+run.ID+"/approvals", map[string]any{
		"action_intent_id":  escalatedID,
		"approve":           false,
		"expected_revision": run.Revision,
		"reason":            "not during the incident freeze",
	}, &outcome)

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "rejected", outcome.Resolution)
	assert.Equal(t, contracts.RunFailed, outcome.Run.Status)

	types := auditTypes(f.audit(t, run.ID))
	assert.Contains(t, types, contracts.EventActionDenied)
	assert.Equal(t, contracts.EventRunFailed, types[len(types)-1])
}

func TestApprovalDuplicateApprover(t *testing.T) {
	f := newFixture(t)
	agent := f.newAgent(t)
	run := f.newRun(t, agent.ID, "pbk_monthly_ops_review")
	require.Equal(t, contracts.RunWaitingApproval, run.Status)

	// access.grant is R3 and needs two distinct approvers.
	var dualID string
	for intentID, req := range run.ApprovalState {
		if req.RequiredApprovals == 2 {
			dualID = intentID
		}
	}
	require.NotEmpty(t, dualID)

	var outcome struct {
		Resolution string              `json:"resolution"`
		Run        contracts.RunRecord `json:"run"`
	}
	status, _ := f.do(t, http.MethodPost, "/v0/runs/"+run.ID+"/approvals", map[string]any{
		"action_intent_id":  dualID,
		"approve":           true,
		"expected_revision": run.Revision,
	}, &outcome)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "waiting_more_approvals", outcome.Resolution)

	status, _ = f.do(t, http.MethodPost, "/v0/runs/"+run.ID+"/approvals", map[string]any{
		"action_intent_id":  dualID,
		"approve":           true,
		"expected_revision": outcome.Run.Revision,
	}, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestApprovalUnknownIntent(t *testing.T) {
	f := newFixture(t)
	agent := f.newAgent(t)
	run := f.newRun(t, agent.ID, "pbk_weekly_ops_sync")

	status, _ := f.do(t, http.MethodPost, "/v0/runs/"+run.ID+"/approvals", map[string]any{
		"action_intent_id":  "act_not_planned_here",
		"approve":           true,
		"expected_revision": run.Revision,
	}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t)
	agent := f.newAgent(t)
	run := f.newRun(t, agent.ID, "pbk_weekly_ops_sync")

	var cancelled contracts.RunRecord
	status, _ := f.do(t, http.MethodPost, "/v0/runs/"+run.ID+"/cancel", map[string]any{
		"expected_revision": run.Revision,
		"reason":            "superseded by incident response",
	}, &cancelled)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, contracts.RunCancelled, cancelled.Status)
	assert.Nil(t, cancelled.ApprovalState)

	// Terminal runs refuse further mutations.
	status, _ = f.do(t, http.MethodPost, "/v0/runs/"+run.ID+"/cancel", map[string]any{
		"expected_revision": cancelled.Revision,
	}, nil)
	assert.Equal(t, http.StatusConflict, status)

	var escalatedID string
	for intentID := range run.ApprovalState {
		escalatedID = intentID
	}
	status, _ = f.do(t, http.MethodPost, "/v0/runs/"+run.ID+"/approvals", map[string]any{
		"action_intent_id":  escalatedID,
		"approve":           true,
		"expected_revision": cancelled.Revision,
	}, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestCreateRunClaimMismatch(t *testing.T) {
	f := newFixture(t)
	agent := f.newAgent(t)

	var body map[string]any
	status, _ := f.do(t, http.MethodPost, "/v0/runs", map[string]any{
		"workspace_id": testWorkspace,
		"agent_id":     agent.ID,
		"playbook_id":  "pbk_weekly_ops_sync",
		"trigger":      map[string]any{"type": "manual", "actor_id": "usr_impostor"},
	}, &body)

	require.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, body["reason_codes"], "auth.actor_claim_mismatch")
}

func TestCreateRunAgentWorkspaceMismatch(t *testing.T) {
	f := newFixture(t)
	agent := f.newAgent(t)

	status, _ := f.do(t, http.MethodPost, "/v0/runs", map[string]any{
		"workspace_id": "wsp_other_org",
		"agent_id":     agent.ID,
		"playbook_id":  "pbk_weekly_ops_sync",
	}, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestCreateRunUnknownAgent(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, http.MethodPost, "/v0/runs", map[string]any{
		"workspace_id": testWorkspace,
		"agent_id":     "agt_never_created",
		"playbook_id":  "pbk_weekly_ops_sync",
	}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestGetRunNotFound(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, http.MethodGet, "/v0/runs/run_missing_0001", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRunEventsPagination(t *testing.T) {
	f := newFixture(t)
	agent := f.newAgent(t)
	run := f.newRun(t, agent.ID, "pbk_weekly_ops_sync")

	var full ledger.EventPage
	status, _ := f.do(t, http.MethodGet, "/v0/runs/"+run.ID+"/events", nil, &full)
	require.Equal(t, http.StatusOK, status)
	require.GreaterOrEqual(t, full.Total, 2)
	assert.Equal(t, contracts.EventRunCreated, full.Items[0].Name)

	var page ledger.EventPage
	status, _ = f.do(t, http.MethodGet, "/v0/runs/"+run.ID+"/events?limit=1&offset=1", nil, &page)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, page.Items, 1)
	assert.Equal(t, full.Items[1].ID, page.Items[0].ID)
	assert.Equal(t, full.Total, page.Total)

	status, _ = f.do(t, http.MethodGet, "/v0/runs/"+run.ID+"/events?limit=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodGet, "/v0/runs/"+run.ID+"/events?limit=salmon", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodGet, "/v0/runs/"+run.ID+"/audit?limit=501", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}
