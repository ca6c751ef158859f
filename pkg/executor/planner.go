package executor

import (
	"github.com/flockmesh/flockmesh/pkg/contracts"
)

// intentTemplate is one planned step of a playbook before ids are minted.
type intentTemplate struct {
	StepID     string
	Capability string
	SideEffect contracts.SideEffect
	RiskHint   contracts.RiskTier
	Surface    string
	Channel    string
	Parameters map[string]any
}

// playbookPlans maps playbook ids to their default action intents. Plans are
// data, not logic: the policy engine decides what may actually execute.
var playbookPlans = map[string][]intentTemplate{
	"pbk_weekly_ops_sync": {
		{
			StepID:     "collect_metrics",
			Capability: "metrics.read",
			SideEffect: contracts.SideEffectNone,
			RiskHint:   contracts.RiskTierR0,
			Surface:    "analytics",
			Parameters: map[string]any{"range": "7d"},
		},
		{
			StepID:     "draft_summary",
			Capability: "report.generate",
			SideEffect: contracts.SideEffectNone,
			RiskHint:   contracts.RiskTierR1,
			Surface:    "documents",
			Parameters: map[string]any{"template": "weekly_ops"},
		},
		{
			StepID:     "announce_summary",
			Capability: "message.send",
			SideEffect: contracts.SideEffectMutation,
			RiskHint:   contracts.RiskTierR2,
			Surface:    "chat",
			Channel:    "ops-weekly",
			Parameters: map[string]any{"template": "weekly_ops_announcement"},
		},
	},
	"pbk_monthly_ops_review": {
		{
			StepID:     "collect_metrics",
			Capability: "metrics.read",
			SideEffect: contracts.SideEffectNone,
			RiskHint:   contracts.RiskTierR0,
			Surface:    "analytics",
			Parameters: map[string]any{"range": "30d"},
		},
		{
			StepID:     "draft_review",
			Capability: "report.generate",
			SideEffect: contracts.SideEffectNone,
			RiskHint:   contracts.RiskTierR1,
			Surface:    "documents",
			Parameters: map[string]any{"template": "monthly_review"},
		},
		{
			StepID:     "archive_review",
			Capability: "document.archive",
			SideEffect: contracts.SideEffectMutation,
			RiskHint:   contracts.RiskTierR2,
			Surface:    "documents",
		},
		{
			StepID:     "rotate_access",
			Capability: "access.grant",
			SideEffect: contracts.SideEffectMutation,
			RiskHint:   contracts.RiskTierR3,
			Surface:    "identity",
			Parameters: map[string]any{"scope": "quarterly_rotation"},
		},
	},
	"pbk_incident_response": {
		{
			StepID:     "check_status",
			Capability: "incident.status",
			SideEffect: contracts.SideEffectNone,
			RiskHint:   contracts.RiskTierR0,
			Surface:    "monitoring",
		},
		{
			StepID:     "page_oncall",
			Capability: "oncall.page",
			SideEffect: contracts.SideEffectMutation,
			RiskHint:   contracts.RiskTierR2,
			Surface:    "paging",
		},
		{
			StepID:     "restart_service",
			Capability: "service.restart",
			SideEffect: contracts.SideEffectMutation,
			RiskHint:   contracts.RiskTierR3,
			Surface:    "infra",
		},
	},
}

// fallbackPlan is used for playbooks without a registered plan: a single
// read-only report step.
var fallbackPlan = []intentTemplate{
	{
		StepID:     "summary_report",
		Capability: "report.generate",
		SideEffect: contracts.SideEffectNone,
		RiskHint:   contracts.RiskTierR1,
		Surface:    "documents",
		Parameters: map[string]any{"template": "generic_summary"},
	},
}

// planIntents materializes the playbook's intent templates for one run,
// minting intent ids and idempotency keys for mutating steps.
func planIntents(runID, playbookID string) []contracts.ActionIntent {
	templates, ok := playbookPlans[playbookID]
	if !ok {
		templates = fallbackPlan
	}
	intents := make([]contracts.ActionIntent, 0, len(templates))
	for _, t := range templates {
		intent := contracts.ActionIntent{
			ID:         contracts.NewID(contracts.ActionIntentIDPrefix),
			RunID:      runID,
			StepID:     t.StepID,
			Capability: t.Capability,
			SideEffect: t.SideEffect,
			RiskHint:   t.RiskHint,
			Parameters: t.Parameters,
			Target: contracts.ActionTarget{
				Surface:     t.Surface,
				ChannelHint: t.Channel,
			},
		}
		if t.SideEffect == contracts.SideEffectMutation {
			intent.IdempotencyKey = contracts.NewID(contracts.IdempotencyKeyPrefix)
		}
		intents = append(intents, intent)
	}
	return intents
}
