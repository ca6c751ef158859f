package contracts

import (
	"strings"
	"testing"
)

func TestNewIDCarriesPrefix(t *testing.T) {
	id := NewID(RunIDPrefix)
	if !strings.HasPrefix(id, "run_") {
		t.Fatalf("expected run_ prefix, got %s", id)
	}
	if !HasIDPrefix(id, RunIDPrefix) {
		t.Fatalf("HasIDPrefix rejected %s", id)
	}
	if HasIDPrefix(id, AgentIDPrefix) {
		t.Fatal("HasIDPrefix matched the wrong prefix")
	}
}

func TestValidActorID(t *testing.T) {
	valid := []string{"usr_alice_01", "svc_scheduler", "agt_ops_assistant", "sys_boot"}
	for _, id := range valid {
		if !ValidActorID(id) {
			t.Fatalf("expected %s valid", id)
		}
	}
	invalid := []string{"", "usr_abc", "bot_alice_01", "usr_" + strings.Repeat("x", 129), "usr alice"}
	for _, id := range invalid {
		if ValidActorID(id) {
			t.Fatalf("expected %s invalid", id)
		}
	}
}

func TestValidCapability(t *testing.T) {
	if !ValidCapability("message.send") || !ValidCapability("doc.report.generate") {
		t.Fatal("expected dotted capabilities valid")
	}
	for _, c := range []string{"message", "Message.Send", ".send", "message.", "*", "message..send"} {
		if ValidCapability(c) {
			t.Fatalf("expected %s invalid", c)
		}
	}
	if !ValidPolicyCapability("*") {
		t.Fatal("expected wildcard valid for policy rules")
	}
	if ValidPolicyCapability("**") {
		t.Fatal("expected double wildcard invalid")
	}
}

func TestDecisionWeightOrdering(t *testing.T) {
	if !(DecisionAllow.Weight() < DecisionEscalate.Weight() && DecisionEscalate.Weight() < DecisionDeny.Weight()) {
		t.Fatal("decision weights out of order")
	}
	if DecisionEffect("bogus").Weight() <= DecisionDeny.Weight() {
		t.Fatal("unknown effect must weigh heavier than deny")
	}
}

func TestRunStatusTerminal(t *testing.T) {
	for _, s := range []RunStatus{RunCompleted, RunFailed, RunCancelled} {
		if !s.Terminal() {
			t.Fatalf("expected %s terminal", s)
		}
	}
	for _, s := range []RunStatus{RunAccepted, RunRunning, RunWaitingApproval} {
		if s.Terminal() {
			t.Fatalf("expected %s non-terminal", s)
		}
	}
}

func TestRunRecordCloneIsDeep(t *testing.T) {
	run := &RunRecord{
		ID:            "run_1",
		Status:        RunWaitingApproval,
		Revision:      2,
		ActionIntents: []ActionIntent{{ID: "act_1", Capability: "message.send"}},
		PolicyDecisions: []PolicyDecision{{
			ID:             "pol_1",
			ActionIntentID: "act_1",
			Decision:       DecisionEscalate,
			ReasonCodes:    []string{"risk.r2.requires_approval"},
			PolicyTrace:    PolicyTrace{Lattice: map[string]string{"org": "org_default_safe"}},
		}},
		ApprovalState: map[string]*ApprovalRequirement{
			"act_1": {DecisionID: "pol_1", RequiredApprovals: 1, ApprovedBy: []string{}},
		},
	}

	cp := run.Clone()
	cp.ApprovalState["act_1"].ApprovedBy = append(cp.ApprovalState["act_1"].ApprovedBy, "usr_alice_01")
	cp.PolicyDecisions[0].ReasonCodes[0] = "mutated"
	cp.PolicyDecisions[0].PolicyTrace.Lattice["org"] = "mutated"

	if len(run.ApprovalState["act_1"].ApprovedBy) != 0 {
		t.Fatal("clone shares approval state")
	}
	if run.PolicyDecisions[0].ReasonCodes[0] != "risk.r2.requires_approval" {
		t.Fatal("clone shares reason codes")
	}
	if run.PolicyDecisions[0].PolicyTrace.Lattice["org"] != "org_default_safe" {
		t.Fatal("clone shares lattice map")
	}
}

func TestApprovalRequirementSatisfied(t *testing.T) {
	req := ApprovalRequirement{RequiredApprovals: 2, ApprovedBy: []string{"usr_alice_01"}}
	if req.Satisfied() {
		t.Fatal("one of two approvals should not satisfy")
	}
	req.ApprovedBy = append(req.ApprovedBy, "usr_bob_002")
	if !req.Satisfied() {
		t.Fatal("two of two approvals should satisfy")
	}
}

func TestBindingHasScope(t *testing.T) {
	b := ConnectorBinding{Scopes: []string{"message.send", "doc.read"}}
	if !b.HasScope("message.send") {
		t.Fatal("expected scope present")
	}
	if b.HasScope("calendar.create") {
		t.Fatal("expected scope absent")
	}
}
