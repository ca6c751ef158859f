package api_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flockmesh/flockmesh/pkg/contracts"
	"github.com/flockmesh/flockmesh/pkg/integrity"
	"github.com/flockmesh/flockmesh/pkg/ledger"
	"github.com/flockmesh/flockmesh/pkg/policy"
	"github.com/flockmesh/flockmesh/pkg/policypatch"
)

func (f *fixture) profileHash(t *testing.T, name string) string {
	t.Helper()
	var version struct {
		Name        string `json:"name"`
		ProfileHash string `json:"profile_hash"`
	}
	status, _ := f.do(t, http.MethodGet, "/v0/policy/profiles/"+name+"/version", nil, &version)
	require.Equal(t, http.StatusOK, status)
	return version.ProfileHash
}

func (f *fixture) evaluate(t *testing.T, intent map[string]any) contracts.PolicyDecision {
	t.Helper()
	var decision contracts.PolicyDecision
	status, _ := f.do(t, http.MethodPost, "/v0/policy/evaluate", map[string]any{"intent": intent}, &decision)
	require.Equal(t, http.StatusOK, status)
	return decision
}

// TestPolicyEvaluateFailClosedWithoutIdempotencyKey: a mutation with no
// idempotency key is a structured deny, not an HTTP error.
func TestPolicyEvaluateFailClosedWithoutIdempotencyKey(t *testing.T) {
	f := newFixture(t)

	decision := f.evaluate(t, map[string]any{
		"capability":  "ticket.create",
		"side_effect": "mutation",
		"risk_hint":   "R1",
	})

	assert.Equal(t, contracts.DecisionDeny, decision.Decision)
	assert.Contains(t, decision.ReasonCodes, "policy.idempotency_required")
	assert.Contains(t, decision.ReasonCodes, "safety.fail_closed")
	assert.Equal(t, "run_policy_evaluate", decision.RunID)
}

func TestPolicyEvaluateBaselineLadder(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name      string
		intent    map[string]any
		decision  contracts.DecisionEffect
		approvals int
	}{
		{
			name:     "R0 read allows",
			intent:   map[string]any{"capability": "metrics.read", "side_effect": "none", "risk_hint": "R0"},
			decision: contracts.DecisionAllow,
		},
		{
			name:     "R1 read allows",
			intent:   map[string]any{"capability": "report.generate", "side_effect": "none", "risk_hint": "R1"},
			decision: contracts.DecisionAllow,
		},
		{
			name:      "R2 mutation escalates",
			intent:    map[string]any{"capability": "message.send", "side_effect": "mutation", "risk_hint": "R2", "idempotency_key": "idem_r2"},
			decision:  contracts.DecisionEscalate,
			approvals: 1,
		},
		{
			name:      "R3 mutation needs two approvers",
			intent:    map[string]any{"capability": "access.grant", "side_effect": "mutation", "risk_hint": "R3", "idempotency_key": "idem_r3"},
			decision:  contracts.DecisionEscalate,
			approvals: 2,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision := f.evaluate(t, tc.intent)
			assert.Equal(t, tc.decision, decision.Decision)
			assert.Equal(t, tc.approvals, decision.RequiredApprovals)
		})
	}
}

func TestPolicySimulateDerivedStatus(t *testing.T) {
	f := newFixture(t)

	read := map[string]any{"capability": "metrics.read", "side_effect": "none", "risk_hint": "R0"}
	escalating := map[string]any{"capability": "message.send", "side_effect": "mutation", "risk_hint": "R2", "idempotency_key": "idem_sim"}
	denied := map[string]any{"capability": "ticket.create", "side_effect": "mutation", "risk_hint": "R1"}

	cases := []struct {
		name    string
		intents []map[string]any
		status  contracts.RunStatus
	}{
		{"all allowed completes", []map[string]any{read, read}, contracts.RunCompleted},
		{"escalation waits", []map[string]any{read, escalating}, contracts.RunWaitingApproval},
		{"deny beats escalation", []map[string]any{read, escalating, denied}, contracts.RunFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out struct {
				Decisions     []contracts.PolicyDecision `json:"decisions"`
				DerivedStatus contracts.RunStatus        `json:"derived_status"`
			}
			status, _ := f.do(t, http.MethodPost, "/v0/policy/simulate", map[string]any{
				"intents": tc.intents,
			}, &out)
			require.Equal(t, http.StatusOK, status)
			assert.Len(t, out.Decisions, len(tc.intents))
			assert.Equal(t, tc.status, out.DerivedStatus)
			for _, d := range out.Decisions {
				assert.Equal(t, "run_policy_simulate", d.RunID)
			}
		})
	}
}

func TestPolicySimulateRequiresIntents(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, http.MethodPost, "/v0/policy/simulate", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPolicyProfilesCatalog(t *testing.T) {
	f := newFixture(t)

	var listing struct {
		Items []struct {
			Name         string `json:"name"`
			ProfileHash  string `json:"profile_hash"`
			Capabilities int    `json:"capabilities"`
		} `json:"items"`
	}
	status, _ := f.do(t, http.MethodGet, "/v0/policy/profiles", nil, &listing)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, listing.Items, 3)

	names := make([]string, 0, 3)
	for _, item := range listing.Items {
		names = append(names, item.Name)
		assert.NotEmpty(t, item.ProfileHash)
		assert.Zero(t, item.Capabilities)
	}
	assert.ElementsMatch(t, []string{
		policy.FallbackOrgProfile,
		policy.FallbackWorkspaceProfile,
		policy.FallbackAgentProfile,
	}, names)

	assert.Equal(t, listing.Items[0].ProfileHash, f.profileHash(t, listing.Items[0].Name))

	status, _ = f.do(t, http.MethodGet, "/v0/policy/profiles/no_such_profile/version", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPolicyPatchDryRunLeavesCatalogUntouched(t *testing.T) {
	f := newFixture(t)
	before := f.profileHash(t, policy.FallbackWorkspaceProfile)

	var result policypatch.Result
	status, _ := f.do(t, http.MethodPost, "/v0/policy/patch", map[string]any{
		"profile_name": policy.FallbackWorkspaceProfile,
		"mode":         "dry_run",
		"patch_rules": []map[string]any{
			{"capability": "report.generate", "decision": "escalate", "required_approvals": 1},
		},
	}, &result)

	require.Equal(t, http.StatusOK, status)
	assert.False(t, result.Applied)
	assert.Empty(t, result.PatchID)
	assert.Equal(t, before, result.BeforeProfileHash)
	assert.NotEqual(t, before, result.AfterProfileHash)
	assert.Equal(t, []string{"report.generate"}, result.Changes.Added)
	require.NotNil(t, result.SimulationPreview)

	// Neither the catalog nor live decisions moved.
	assert.Equal(t, before, f.profileHash(t, policy.FallbackWorkspaceProfile))
	decision := f.evaluate(t, map[string]any{
		"capability": "report.generate", "side_effect": "none", "risk_hint": "R1",
	})
	assert.Equal(t, contracts.DecisionAllow, decision.Decision)
}

func TestPolicyPatchApplyTightensDecision(t *testing.T) {
	f := newFixture(t)
	before := f.profileHash(t, policy.FallbackWorkspaceProfile)

	var result policypatch.Result
	status, _ := f.do(t, http.MethodPost, "/v0/policy/patch", map[string]any{
		"profile_name":          policy.FallbackWorkspaceProfile,
		"mode":                  "apply",
		"expected_profile_hash": before,
		"reason":                "weekly reports need a reviewer",
		"patch_rules": []map[string]any{
			{"capability": "report.generate", "decision": "escalate", "required_approvals": 1},
		},
	}, &result)

	require.Equal(t, http.StatusOK, status)
	assert.True(t, result.Applied)
	assert.NotEmpty(t, result.PatchID)
	require.NotNil(t, result.AppliedAt)

	after := f.profileHash(t, policy.FallbackWorkspaceProfile)
	assert.Equal(t, result.AfterProfileHash, after)
	assert.NotEqual(t, before, after)

	decision := f.evaluate(t, map[string]any{
		"capability": "report.generate", "side_effect": "none", "risk_hint": "R1",
	})
	assert.Equal(t, contracts.DecisionEscalate, decision.Decision)
	assert.Contains(t, decision.ReasonCodes, policy.ReasonRule("workspace"))

	// The applied change lands on the reserved catalog stream.
	var events ledger.EventPage
	status, _ = f.do(t, http.MethodGet, "/v0/runs/"+policypatch.CatalogStreamID+"/events", nil, &events)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, events.Items)
	assert.Equal(t, contracts.EventPolicyPatchApplied, events.Items[len(events.Items)-1].Name)
}

// TestPolicyPatchStaleHashConflict: a stale CAS token gets both hashes back
// and changes nothing.
func TestPolicyPatchStaleHashConflict(t *testing.T) {
	f := newFixture(t)
	stale := f.profileHash(t, policy.FallbackWorkspaceProfile)

	patchBody := func(hash string) map[string]any {
		return map[string]any{
			"profile_name":          policy.FallbackWorkspaceProfile,
			"mode":                  "apply",
			"expected_profile_hash": hash,
			"patch_rules": []map[string]any{
				{"capability": "document.archive", "decision": "deny"},
			},
		}
	}

	status, _ := f.do(t, http.MethodPost, "/v0/policy/patch", patchBody(stale), nil)
	require.Equal(t, http.StatusOK, status)
	current := f.profileHash(t, policy.FallbackWorkspaceProfile)

	var body map[string]any
	status, _ = f.do(t, http.MethodPost, "/v0/policy/patch", patchBody(stale), &body)
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, stale, body["expected_profile_hash"])
	assert.Equal(t, current, body["current_profile_hash"])

	assert.Equal(t, current, f.profileHash(t, policy.FallbackWorkspaceProfile), "conflict must not move the catalog")
}

func TestPolicyPatchApplyRequiresHash(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, http.MethodPost, "/v0/policy/patch", map[string]any{
		"profile_name": policy.FallbackWorkspaceProfile,
		"mode":         "apply",
		"patch_rules":  []map[string]any{{"capability": "metrics.read", "decision": "deny"}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPolicyPatchUnauthorizedActor(t *testing.T) {
	f := newFixture(t)
	hash := f.profileHash(t, policy.FallbackWorkspaceProfile)

	var body map[string]any
	status, _ := f.doAs(t, "usr_rando", http.MethodPost, "/v0/policy/patch", map[string]any{
		"profile_name":          policy.FallbackWorkspaceProfile,
		"mode":                  "apply",
		"expected_profile_hash": hash,
		"patch_rules":           []map[string]any{{"capability": "metrics.read", "decision": "deny"}},
	}, &body)

	require.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, body["reason_codes"], "policy.admin.not_authorized")
	assert.Equal(t, hash, f.profileHash(t, policy.FallbackWorkspaceProfile))
}

func TestPolicyPatchActorClaimMismatch(t *testing.T) {
	f := newFixture(t)

	var body map[string]any
	status, _ := f.do(t, http.MethodPost, "/v0/policy/patch", map[string]any{
		"profile_name": policy.FallbackWorkspaceProfile,
		"mode":         "dry_run",
		"actor_id":     "usr_someone_else",
		"patch_rules":  []map[string]any{{"capability": "metrics.read", "decision": "deny"}},
	}, &body)

	require.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, body["reason_codes"], "auth.actor_claim_mismatch")
}

func TestPolicyPatchUnknownProfile(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, http.MethodPost, "/v0/policy/patch", map[string]any{
		"profile_name": "profile_from_nowhere",
		"mode":         "dry_run",
		"patch_rules":  []map[string]any{{"capability": "metrics.read", "decision": "deny"}},
	}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPolicyRollbackRestoresPriorDocument(t *testing.T) {
	f := newFixture(t)
	original := f.profileHash(t, policy.FallbackWorkspaceProfile)

	var patched policypatch.Result
	status, _ := f.do(t, http.MethodPost, "/v0/policy/patch", map[string]any{
		"profile_name":          policy.FallbackWorkspaceProfile,
		"mode":                  "apply",
		"expected_profile_hash": original,
		"patch_rules": []map[string]any{
			{"capability": "report.generate", "decision": "escalate", "required_approvals": 1},
		},
	}, &patched)
	require.Equal(t, http.StatusOK, status)

	var restored policypatch.Result
	status, _ = f.do(t, http.MethodPost, "/v0/policy/rollback", map[string]any{
		"profile_name":          policy.FallbackWorkspaceProfile,
		"mode":                  "apply",
		"target_state":          "before",
		"expected_profile_hash": patched.AfterProfileHash,
		"reason":                "escalation was premature",
	}, &restored)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, restored.Applied)
	assert.Equal(t, policypatch.OperationRollback, restored.Operation)
	assert.Equal(t, original, restored.AfterProfileHash)

	assert.Equal(t, original, f.profileHash(t, policy.FallbackWorkspaceProfile))
	decision := f.evaluate(t, map[string]any{
		"capability": "report.generate", "side_effect": "none", "risk_hint": "R1",
	})
	assert.Equal(t, contracts.DecisionAllow, decision.Decision)

	var page policypatch.Page
	status, _ = f.do(t, http.MethodGet, "/v0/policy/patches?profile_name="+policy.FallbackWorkspaceProfile, nil, &page)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 2, page.Total)
	assert.Equal(t, policypatch.OperationRollback, page.Items[0].Operation)
	assert.Equal(t, policypatch.OperationPatch, page.Items[1].Operation)
}

func TestPolicyRollbackWithoutHistory(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, http.MethodPost, "/v0/policy/rollback", map[string]any{
		"profile_name": policy.FallbackWorkspaceProfile,
		"mode":         "dry_run",
		"target_state": "before",
	}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPatchHistoryExportSigned(t *testing.T) {
	f := newFixture(t)
	hash := f.profileHash(t, policy.FallbackWorkspaceProfile)

	status, _ := f.do(t, http.MethodPost, "/v0/policy/patch", map[string]any{
		"profile_name":          policy.FallbackWorkspaceProfile,
		"mode":                  "apply",
		"expected_profile_hash": hash,
		"patch_rules":           []map[string]any{{"capability": "access.grant", "decision": "deny"}},
	}, nil)
	require.Equal(t, http.StatusOK, status)

	var export integrity.SignedExport
	status, _ = f.do(t, http.MethodGet, "/v0/policy/patches/export?profile_name="+policy.FallbackWorkspaceProfile, nil, &export)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, integrity.ExportPatchHistory, export.Envelope.Kind)
	require.NotNil(t, export.Envelope.PatchHistory)
	assert.Equal(t, 1, export.Envelope.PatchHistory.Total)

	ok, err := integrity.VerifyExport(f.keys, &export)
	require.NoError(t, err)
	assert.True(t, ok, "export signature must verify against the signing key ring")

	// A tampered envelope no longer verifies.
	export.Envelope.RunID = "run_forged"
	ok, err = integrity.VerifyExport(f.keys, &export)
	require.NoError(t, err)
	assert.False(t, ok)
}
