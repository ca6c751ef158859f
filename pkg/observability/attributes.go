package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attribute keys for the control plane.
var (
	// Run lifecycle
	AttrRunID      = attribute.Key("flockmesh.run.id")
	AttrRunStatus  = attribute.Key("flockmesh.run.status")
	AttrWorkspace  = attribute.Key("flockmesh.workspace.id")
	AttrAgentID    = attribute.Key("flockmesh.agent.id")
	AttrPlaybookID = attribute.Key("flockmesh.playbook.id")

	// Policy evaluation
	AttrCapability     = attribute.Key("flockmesh.capability")
	AttrRiskTier       = attribute.Key("flockmesh.risk_tier")
	AttrDecisionEffect = attribute.Key("flockmesh.decision.effect")
	AttrApprovals      = attribute.Key("flockmesh.decision.required_approvals")
	AttrProfileName    = attribute.Key("flockmesh.policy.profile")
	AttrPatchID        = attribute.Key("flockmesh.policy.patch_id")

	// Connector guard
	AttrConnectorID = attribute.Key("flockmesh.connector.id")
	AttrBindingID   = attribute.Key("flockmesh.binding.id")
	AttrDeduped     = attribute.Key("flockmesh.invoke.deduped")
	AttrAttempts    = attribute.Key("flockmesh.invoke.attempts")

	// Integrity views
	AttrReplayState = attribute.Key("flockmesh.replay.state")

	// Boundary
	AttrHTTPMethod = attribute.Key("http.request.method")
	AttrHTTPRoute  = attribute.Key("http.route")
	AttrHTTPStatus = attribute.Key("http.response.status_code")
)

// RunOperation builds the attribute set for run lifecycle spans.
func RunOperation(runID, workspaceID, agentID, playbookID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrWorkspace.String(workspaceID),
		AttrAgentID.String(agentID),
		AttrPlaybookID.String(playbookID),
	}
}

// DecisionOperation builds the attribute set for policy evaluations.
func DecisionOperation(capability, riskTier, effect string, requiredApprovals int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCapability.String(capability),
		AttrRiskTier.String(riskTier),
		AttrDecisionEffect.String(effect),
		AttrApprovals.Int(requiredApprovals),
	}
}

// InvokeOperation builds the attribute set for guarded connector calls.
func InvokeOperation(connectorID, bindingID, capability string, deduped bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrConnectorID.String(connectorID),
		AttrBindingID.String(bindingID),
		AttrCapability.String(capability),
		AttrDeduped.Bool(deduped),
	}
}

// PatchOperation builds the attribute set for policy catalog writes.
func PatchOperation(profileName, patchID, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProfileName.String(profileName),
		AttrPatchID.String(patchID),
		attribute.String("flockmesh.policy.operation", operation),
	}
}

// ReplayOperation builds the attribute set for integrity verdicts.
func ReplayOperation(runID, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrReplayState.String(state),
	}
}

// SpanFromContext extracts the current span; no-op span when absent.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records an error on the current span when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
