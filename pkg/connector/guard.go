package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/flockmesh/flockmesh/pkg/canonicalize"
	"github.com/flockmesh/flockmesh/pkg/contracts"
	"github.com/flockmesh/flockmesh/pkg/idempotency"
	"github.com/flockmesh/flockmesh/pkg/ledger"
	"github.com/flockmesh/flockmesh/pkg/policy"
	"github.com/flockmesh/flockmesh/pkg/store"
)

// DefaultAdapterTimeout bounds each adapter attempt when the config does not
// set one.
const DefaultAdapterTimeout = 10 * time.Second

// transientStepID marks intents minted for ad-hoc connector invokes, which
// exist outside any playbook plan.
const transientStepID = "connector_invoke"

// GuardConfig wires a Guard. Catalog, Adapters, Store, Ledger, Policy and
// Cache are required; the rest default sensibly.
//
//nolint:govet // fieldalignment: config structs favor wiring order
type GuardConfig struct {
	Catalog        *Catalog
	Adapters       *Registry
	Allowlist      *Allowlist
	Limiter        RateLimiter
	RatePolicies   RatePolicyTable
	Store          store.Store
	Ledger         ledger.Ledger
	Policy         *policy.Engine
	Cache          *idempotency.Cache
	Retry          RetryPolicy
	AdapterTimeout time.Duration
	MCPConnectorID string
	Logger         *slog.Logger
}

// Guard runs every connector invocation through the full control chain.
// Refusals come back as InvokeOutcome values carrying fail-closed policy
// decisions; errors are reserved for storage and ledger faults.
type Guard struct {
	catalog        *Catalog
	adapters       *Registry
	allowlist      *Allowlist
	limiter        RateLimiter
	rates          RatePolicyTable
	store          store.Store
	ledger         ledger.Ledger
	policy         *policy.Engine
	cache          *idempotency.Cache
	retry          RetryPolicy
	adapterTimeout time.Duration
	mcpConnectorID string
	logger         *slog.Logger

	clock func() time.Time
	sleep func(context.Context, time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewGuard builds a guard from its config.
func NewGuard(cfg GuardConfig) *Guard {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewMemoryRateLimiter()
	}
	allowlist := cfg.Allowlist
	if allowlist == nil {
		// No rules means every gateway call blocks with no_matching_rule.
		allowlist = &Allowlist{}
	}
	timeout := cfg.AdapterTimeout
	if timeout <= 0 {
		timeout = DefaultAdapterTimeout
	}
	mcpID := cfg.MCPConnectorID
	if mcpID == "" {
		mcpID = MCPGatewayConnectorID
	}
	return &Guard{
		catalog:        cfg.Catalog,
		adapters:       cfg.Adapters,
		allowlist:      allowlist,
		limiter:        limiter,
		rates:          cfg.RatePolicies,
		store:          cfg.Store,
		ledger:         cfg.Ledger,
		policy:         cfg.Policy,
		cache:          cfg.Cache,
		retry:          cfg.Retry.Clamped(),
		adapterTimeout: timeout,
		mcpConnectorID: mcpID,
		logger:         logger.With("component", "connector_guard"),
		clock:          time.Now,
		sleep:          sleepCtx,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithClock overrides time acquisition for deterministic tests.
func (g *Guard) WithClock(clock func() time.Time) *Guard {
	g.clock = clock
	return g
}

// WithSleep overrides the inter-attempt pause for deterministic tests.
func (g *Guard) WithSleep(sleep func(context.Context, time.Duration) error) *Guard {
	g.sleep = sleep
	return g
}

// WithRand overrides the jitter source for deterministic tests.
func (g *Guard) WithRand(rng *rand.Rand) *Guard {
	g.rng = rng
	return g
}

// GuardRequest is one invoke or simulate call after boundary decoding. The
// workspace and agent fields are the caller's claim of who is acting; they
// must match the run exactly.
//
//nolint:govet // fieldalignment: struct layout mirrors the wire document
type GuardRequest struct {
	ConnectorID    string               `json:"connector_id"`
	RunID          string               `json:"run_id"`
	BindingID      string               `json:"binding_id"`
	WorkspaceID    string               `json:"workspace_id"`
	AgentID        string               `json:"agent_id"`
	Capability     string               `json:"capability"`
	SideEffect     contracts.SideEffect `json:"side_effect"`
	RiskHint       contracts.RiskTier   `json:"risk_hint"`
	Parameters     map[string]any       `json:"parameters,omitempty"`
	ToolName       string               `json:"tool_name,omitempty"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	ActorID        string               `json:"-"`
}

// InvokeOutcome is the guard's verdict for one call. Status is the HTTP
// status the boundary writes; the rest is the response body.
//
//nolint:govet // fieldalignment: struct layout mirrors the wire document
type InvokeOutcome struct {
	Status         int                       `json:"-"`
	ActionIntentID string                    `json:"action_intent_id,omitempty"`
	Deduped        bool                      `json:"deduped,omitempty"`
	Result         json.RawMessage           `json:"result,omitempty"`
	Decision       *contracts.PolicyDecision `json:"policy_decision,omitempty"`
	RetryAfterMs   int64                     `json:"retry_after_ms,omitempty"`
	Attempts       int                       `json:"attempts,omitempty"`
	Message        string                    `json:"message,omitempty"`
}

// Invoke runs the full ten-step pipeline and performs the call.
func (g *Guard) Invoke(ctx context.Context, req GuardRequest) (*InvokeOutcome, error) {
	prep, outcome, err := g.prepare(ctx, req, true)
	if outcome != nil || err != nil {
		return outcome, err
	}

	actor := contracts.ActorRef(req.ActorID)

	// Policy evaluation. The decision and the request are audited before
	// the verdict branches so the stream shows every attempt.
	decision := g.policy.Evaluate(prep.run.ID, prep.intent, prep.pctx)
	if err := g.auditDecision(ctx, prep.run.ID, actor, &decision); err != nil {
		return nil, err
	}
	if err := g.emitAudit(ctx, prep.run.ID, contracts.AuditConnectorInvokeRequested, actor, g.requestPayload(prep, req), decision.ID); err != nil {
		return nil, err
	}
	if decision.Decision != contracts.DecisionAllow {
		if err := g.auditBlocked(ctx, prep.run.ID, actor, prep.intent, &decision); err != nil {
			return nil, err
		}
		status := http.StatusForbidden
		if decision.Decision == contracts.DecisionEscalate {
			status = http.StatusConflict
		}
		return refusal(status, prep.intent.ID, &decision, "invocation blocked by policy"), nil
	}

	// Idempotency replay short-circuits before the rate limiter so dedupe
	// hits never burn rate budget.
	if prep.intent.Mutating() && prep.intent.IdempotencyKey != "" {
		cached, hit, err := g.cache.Lookup(ctx, prep.intent.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if hit {
			return g.finishDeduped(ctx, prep, actor, &decision, cached)
		}
	}

	// Rate limiter.
	ratePolicy := g.rates.Resolve(req.ConnectorID)
	rate, err := g.limiter.Allow(ctx, prep.run.WorkspaceID, req.ConnectorID, ratePolicy)
	if err != nil {
		return nil, err
	}
	if !rate.Allowed {
		limited := policy.FailClosed(prep.run.ID, prep.intent, prep.intent.RiskHint, ReasonInvokeRateLimited)
		payload := map[string]any{
			"action_intent_id": prep.intent.ID,
			"connector_id":     req.ConnectorID,
			"retry_after_ms":   rate.RetryAfterMs,
			"limit":            rate.Limit,
			"window_ms":        rate.WindowMs,
		}
		if err := g.emitAudit(ctx, prep.run.ID, contracts.AuditConnectorInvokeRateLimited, actor, payload, limited.ID); err != nil {
			return nil, err
		}
		out := refusal(http.StatusTooManyRequests, prep.intent.ID, &limited, "rate limit exceeded")
		out.RetryAfterMs = rate.RetryAfterMs
		return out, nil
	}

	// Adapter retry loop.
	call, ledgerErr := g.callWithRetry(ctx, prep, actor, decision.ID)
	if ledgerErr != nil {
		return nil, ledgerErr
	}
	if call.capErr != nil {
		failed := policy.FailClosed(prep.run.ID, prep.intent, prep.intent.RiskHint, ReasonInvokeError)
		payload := map[string]any{
			"action_intent_id": prep.intent.ID,
			"connector_id":     req.ConnectorID,
			"capability":       prep.intent.Capability,
			"attempts":         call.attempts,
			"fault":            ReasonInvokeError,
			"message":          call.capErr.Msg,
		}
		if err := g.emitAudit(ctx, prep.run.ID, contracts.AuditConnectorInvokeError, actor, payload, failed.ID); err != nil {
			return nil, err
		}
		out := refusal(http.StatusConflict, prep.intent.ID, &failed, call.capErr.Error())
		out.Attempts = call.attempts
		return out, nil
	}
	if call.fault != "" {
		auditType := contracts.AuditConnectorInvokeError
		if call.fault == ReasonInvokeTimeout {
			auditType = contracts.AuditConnectorInvokeTimeout
		}
		failed := policy.FailClosed(prep.run.ID, prep.intent, prep.intent.RiskHint, call.fault)
		payload := map[string]any{
			"action_intent_id": prep.intent.ID,
			"connector_id":     req.ConnectorID,
			"capability":       prep.intent.Capability,
			"attempts":         call.attempts,
			"fault":            call.fault,
		}
		if err := g.emitAudit(ctx, prep.run.ID, auditType, actor, payload, failed.ID); err != nil {
			return nil, err
		}
		out := refusal(http.StatusServiceUnavailable, prep.intent.ID, &failed, "adapter call failed")
		out.Attempts = call.attempts
		return out, nil
	}

	return g.finishExecuted(ctx, prep, actor, &decision, call.result, call.attempts)
}

// Simulate runs the validation steps and the adapter's dry path, skipping
// policy evaluation, the idempotency cache, the rate limiter and the retry
// loop. Nothing is persisted: no ledger writes, no idempotency record, no
// rate accounting.
func (g *Guard) Simulate(ctx context.Context, req GuardRequest) (*InvokeOutcome, error) {
	prep, outcome, err := g.prepare(ctx, req, false)
	if outcome != nil || err != nil {
		return outcome, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.adapterTimeout)
	defer cancel()
	result, err := prep.adapter.Simulate(callCtx, prep.adapterRequest())
	if err != nil {
		if ce, ok := AsCapabilityError(err); ok {
			return &InvokeOutcome{
				Status:         http.StatusConflict,
				ActionIntentID: prep.intent.ID,
				Message:        ce.Error(),
			}, nil
		}
		fault := classifyFault(err)
		failed := policy.FailClosed(prep.run.ID, prep.intent, prep.intent.RiskHint, fault)
		return refusal(http.StatusServiceUnavailable, prep.intent.ID, &failed, "simulation failed"), nil
	}
	return &InvokeOutcome{
		Status:         http.StatusOK,
		ActionIntentID: prep.intent.ID,
		Result:         result,
	}, nil
}

// prepared carries the resolved state shared by the invoke and simulate
// pipelines once the validation steps pass.
type prepared struct {
	adapter  Adapter
	run      *contracts.RunRecord
	binding  *contracts.ConnectorBinding
	intent   contracts.ActionIntent
	pctx     policy.Context
	toolName string
}

func (p *prepared) adapterRequest() InvokeRequest {
	return InvokeRequest{
		ConnectorID:    p.intent.Target.ConnectorID,
		BindingID:      p.binding.ID,
		WorkspaceID:    p.run.WorkspaceID,
		AgentID:        p.run.AgentID,
		RunID:          p.run.ID,
		Capability:     p.intent.Capability,
		SideEffect:     p.intent.SideEffect,
		RiskHint:       p.intent.RiskHint,
		Parameters:     p.intent.Parameters,
		ToolName:       p.toolName,
		IdempotencyKey: p.intent.IdempotencyKey,
		AuthRef:        p.binding.AuthRef,
	}
}

// prepare runs the shared validation steps: manifest, adapter, run, binding,
// parameter schema, MCP allowlist. A non-nil outcome is a refusal. record
// controls whether allowlist blocks reach the audit stream; simulate keeps
// the ledger untouched.
func (g *Guard) prepare(ctx context.Context, req GuardRequest, record bool) (*prepared, *InvokeOutcome, error) {
	if msg, ok := validateGuardRequest(req); !ok {
		return nil, &InvokeOutcome{Status: http.StatusBadRequest, Message: msg}, nil
	}

	manifest, ok := g.catalog.Get(req.ConnectorID)
	if !ok {
		return nil, &InvokeOutcome{Status: http.StatusNotFound, Message: fmt.Sprintf("no manifest for connector %s", req.ConnectorID)}, nil
	}

	adapter, ok := g.adapters.Get(req.ConnectorID)
	if !ok {
		return nil, &InvokeOutcome{Status: http.StatusNotImplemented, Message: fmt.Sprintf("no adapter registered for connector %s", req.ConnectorID)}, nil
	}

	run, err := g.store.GetRun(ctx, req.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &InvokeOutcome{Status: http.StatusNotFound, Message: fmt.Sprintf("run %s not found", req.RunID)}, nil
		}
		return nil, nil, fmt.Errorf("connector: load run %s: %w", req.RunID, err)
	}
	if run.WorkspaceID != req.WorkspaceID || run.AgentID != req.AgentID {
		return nil, &InvokeOutcome{Status: http.StatusConflict, Message: "run scope does not match the invoke request"}, nil
	}

	binding, err := g.store.GetBinding(ctx, req.BindingID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &InvokeOutcome{Status: http.StatusForbidden, Message: fmt.Sprintf("binding %s not found", req.BindingID)}, nil
		}
		return nil, nil, fmt.Errorf("connector: load binding %s: %w", req.BindingID, err)
	}
	switch {
	case binding.ConnectorID != req.ConnectorID:
		return nil, &InvokeOutcome{Status: http.StatusConflict, Message: "binding is for a different connector"}, nil
	case binding.WorkspaceID != run.WorkspaceID:
		return nil, &InvokeOutcome{Status: http.StatusConflict, Message: "binding belongs to a different workspace"}, nil
	case binding.AgentID != "" && binding.AgentID != run.AgentID:
		return nil, &InvokeOutcome{Status: http.StatusConflict, Message: "binding is pinned to a different agent"}, nil
	case binding.Status != contracts.StatusActive:
		return nil, &InvokeOutcome{Status: http.StatusForbidden, Message: "binding is not active"}, nil
	case !binding.HasScope(req.Capability):
		return nil, &InvokeOutcome{Status: http.StatusForbidden, Message: fmt.Sprintf("capability %s outside binding scopes", req.Capability)}, nil
	}

	capSpec, ok := manifest.Capability(req.Capability)
	if !ok {
		return nil, &InvokeOutcome{Status: http.StatusConflict, Message: fmt.Sprintf("connector does not declare capability %s", req.Capability)}, nil
	}
	// The manifest's side effect is a ceiling: a read-only capability can
	// never be invoked as a mutation.
	if req.SideEffect == contracts.SideEffectMutation && capSpec.SideEffect != contracts.SideEffectMutation {
		return nil, &InvokeOutcome{Status: http.StatusConflict, Message: fmt.Sprintf("capability %s is declared %s and cannot mutate", req.Capability, capSpec.SideEffect)}, nil
	}
	if err := manifest.ValidateParameters(req.Capability, req.Parameters); err != nil {
		return nil, &InvokeOutcome{Status: http.StatusBadRequest, Message: err.Error()}, nil
	}

	intent := contracts.ActionIntent{
		ID:                 contracts.NewID(contracts.ActionIntentIDPrefix),
		RunID:              run.ID,
		StepID:             transientStepID,
		ConnectorBindingID: binding.ID,
		Capability:         req.Capability,
		SideEffect:         req.SideEffect,
		RiskHint:           req.RiskHint,
		Parameters:         req.Parameters,
		Target:             contracts.ActionTarget{Surface: "connector", ConnectorID: req.ConnectorID},
		IdempotencyKey:     req.IdempotencyKey,
	}

	pctx, err := g.resolvePolicyContext(ctx, run)
	if err != nil {
		return nil, nil, err
	}

	prep := &prepared{
		adapter:  adapter,
		run:      run,
		binding:  binding,
		intent:   intent,
		pctx:     pctx,
		toolName: req.ToolName,
	}

	if outcome, err := g.checkAllowlist(ctx, prep, req, record); outcome != nil || err != nil {
		return nil, outcome, err
	}
	return prep, nil, nil
}

// checkAllowlist gates MCP gateway calls. Tool calls are matched by tool
// name; other gateway capabilities are matched by the capability itself.
func (g *Guard) checkAllowlist(ctx context.Context, prep *prepared, req GuardRequest, record bool) (*InvokeOutcome, error) {
	if req.ConnectorID != g.mcpConnectorID {
		return nil, nil
	}
	toolName := req.ToolName
	if toolName == "" && req.Capability != "tool.invoke" {
		toolName = req.Capability
	}
	verdict := g.allowlist.Evaluate(AllowlistQuery{
		WorkspaceID: prep.run.WorkspaceID,
		AgentID:     prep.run.AgentID,
		ToolName:    toolName,
		SideEffect:  req.SideEffect,
		RiskHint:    req.RiskHint,
	})
	if verdict.Allowed {
		return nil, nil
	}

	decision := policy.FailClosed(prep.run.ID, prep.intent, req.RiskHint, verdict.ReasonCodes...)
	if record {
		actor := contracts.ActorRef(req.ActorID)
		if err := g.auditBlocked(ctx, prep.run.ID, actor, prep.intent, &decision); err != nil {
			return nil, err
		}
	}
	return refusal(http.StatusForbidden, prep.intent.ID, &decision, "blocked by mcp allowlist"), nil
}

// callResult is one finished adapter attempt loop: either result is set, or
// capErr marks a permanent capability rejection, or fault carries the
// terminal reason after exhaustion.
type callResult struct {
	result   json.RawMessage
	attempts int
	fault    string
	capErr   *CapabilityError
}

// callWithRetry drives the adapter attempt loop. The returned error is
// reserved for ledger faults.
func (g *Guard) callWithRetry(ctx context.Context, prep *prepared, actor contracts.AuditActor, decisionRef string) (callResult, error) {
	adapterReq := prep.adapterRequest()
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, g.adapterTimeout)
		result, callErr := prep.adapter.Invoke(callCtx, adapterReq)
		cancel()
		if callErr == nil {
			return callResult{result: result, attempts: attempt}, nil
		}

		if ce, ok := AsCapabilityError(callErr); ok {
			g.logger.Warn("adapter rejected capability", "connector_id", prep.intent.Target.ConnectorID, "capability", prep.intent.Capability, "error", ce.Msg)
			return callResult{attempts: attempt, capErr: ce}, nil
		}

		fault := classifyFault(callErr)
		if !retryable(fault, attempt, g.retry.MaxAttempts, prep.intent.Mutating(), prep.intent.IdempotencyKey) {
			g.logger.Warn("adapter call failed terminally", "connector_id", prep.intent.Target.ConnectorID, "capability", prep.intent.Capability, "attempts", attempt, "fault", fault)
			return callResult{attempts: attempt, fault: fault}, nil
		}

		delay := g.nextDelay(attempt)
		payload := map[string]any{
			"action_intent_id": prep.intent.ID,
			"attempt":          attempt,
			"next_attempt":     attempt + 1,
			"delay_ms":         delay.Milliseconds(),
			"fault":            fault,
		}
		if err := g.emitAudit(ctx, prep.run.ID, contracts.AuditConnectorInvokeRetry, actor, payload, decisionRef); err != nil {
			return callResult{attempts: attempt}, err
		}
		if err := g.sleep(ctx, delay); err != nil {
			return callResult{attempts: attempt, fault: ReasonInvokeTimeout}, nil
		}
	}
}

func (g *Guard) nextDelay(attempt int) time.Duration {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return g.retry.Delay(attempt, g.rng)
}

// finishExecuted persists the idempotency record for mutations and writes
// the success entries on both streams.
func (g *Guard) finishExecuted(ctx context.Context, prep *prepared, actor contracts.AuditActor, decision *contracts.PolicyDecision, result json.RawMessage, attempts int) (*InvokeOutcome, error) {
	payload := g.invocationPayload(prep, attempts)
	if prep.intent.Mutating() && prep.intent.IdempotencyKey != "" {
		record, err := g.cache.Persist(ctx, prep.intent.IdempotencyKey, prep.run.ID, payload)
		if err != nil {
			return nil, err
		}
		payload = record.Payload
	}
	if err := g.emitEvent(ctx, prep.run.ID, contracts.EventConnectorInvoked, payload); err != nil {
		return nil, err
	}
	if err := g.emitAudit(ctx, prep.run.ID, contracts.AuditConnectorInvokeExecuted, actor, payload, decision.ID); err != nil {
		return nil, err
	}
	g.logger.Info("connector invoked",
		"run_id", prep.run.ID,
		"connector_id", prep.intent.Target.ConnectorID,
		"capability", prep.intent.Capability,
		"attempts", attempts,
	)
	return &InvokeOutcome{
		Status:         http.StatusOK,
		ActionIntentID: prep.intent.ID,
		Result:         result,
		Decision:       decision,
		Attempts:       attempts,
	}, nil
}

// finishDeduped replays a cached invocation. The replayed payload is marked
// on both streams so integrity tooling can tell it from a fresh execution.
func (g *Guard) finishDeduped(ctx context.Context, prep *prepared, actor contracts.AuditActor, decision *contracts.PolicyDecision, cached *contracts.IdempotencyResult) (*InvokeOutcome, error) {
	payload := make(map[string]any, len(cached.Payload)+1)
	for k, v := range cached.Payload {
		payload[k] = v
	}
	payload["deduped"] = true

	if err := g.emitEvent(ctx, prep.run.ID, contracts.EventConnectorInvoked, payload); err != nil {
		return nil, err
	}
	if err := g.emitAudit(ctx, prep.run.ID, contracts.AuditConnectorInvokeExecuted, actor, payload, decision.ID); err != nil {
		return nil, err
	}

	result, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("connector: encode deduped payload: %w", err)
	}
	return &InvokeOutcome{
		Status:         http.StatusOK,
		ActionIntentID: prep.intent.ID,
		Deduped:        true,
		Result:         result,
		Decision:       decision,
	}, nil
}

// resolvePolicyContext rebuilds the lattice the run was accepted under: the
// agent's registered default for the agent layer, fallbacks elsewhere.
func (g *Guard) resolvePolicyContext(ctx context.Context, run *contracts.RunRecord) (policy.Context, error) {
	agentDefault := ""
	agent, err := g.store.GetAgent(ctx, run.AgentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return policy.Context{}, fmt.Errorf("connector: load agent %s: %w", run.AgentID, err)
		}
	} else {
		agentDefault = agent.DefaultPolicyProfile
	}
	return policy.ResolveContext(g.policy.Library(), policy.Context{}, agentDefault), nil
}

func (g *Guard) auditDecision(ctx context.Context, runID string, actor contracts.AuditActor, d *contracts.PolicyDecision) error {
	payload := map[string]any{
		"action_intent_id":   d.ActionIntentID,
		"decision":           string(d.Decision),
		"risk_tier":          string(d.RiskTier),
		"reason_codes":       d.ReasonCodes,
		"required_approvals": d.RequiredApprovals,
		"effective_source":   string(d.PolicyTrace.EffectiveSource),
	}
	return g.emitAudit(ctx, runID, contracts.EventPolicyEvaluated, actor, payload, d.ID)
}

func (g *Guard) auditBlocked(ctx context.Context, runID string, actor contracts.AuditActor, intent contracts.ActionIntent, d *contracts.PolicyDecision) error {
	payload := map[string]any{
		"action_intent_id": intent.ID,
		"capability":       intent.Capability,
		"decision":         string(d.Decision),
		"reason_codes":     d.ReasonCodes,
	}
	return g.emitAudit(ctx, runID, contracts.AuditConnectorInvokeBlocked, actor, payload, d.ID)
}

func (g *Guard) requestPayload(prep *prepared, req GuardRequest) map[string]any {
	payload := map[string]any{
		"action_intent_id": prep.intent.ID,
		"connector_id":     req.ConnectorID,
		"binding_id":       prep.binding.ID,
		"capability":       req.Capability,
		"side_effect":      string(req.SideEffect),
		"risk_hint":        string(req.RiskHint),
	}
	if req.ToolName != "" {
		payload["tool_name"] = req.ToolName
	}
	return payload
}

// invocationPayload is the result document bound to the idempotency key for
// mutating invokes and recorded on both streams.
func (g *Guard) invocationPayload(prep *prepared, attempts int) map[string]any {
	return map[string]any{
		"action_intent_id": prep.intent.ID,
		"run_id":           prep.run.ID,
		"connector_id":     prep.intent.Target.ConnectorID,
		"binding_id":       prep.binding.ID,
		"capability":       prep.intent.Capability,
		"side_effect":      string(prep.intent.SideEffect),
		"status":           "executed",
		"attempts":         attempts,
		"executed_at":      g.clock().UTC().Format(time.RFC3339Nano),
	}
}

func refusal(status int, intentID string, decision *contracts.PolicyDecision, msg string) *InvokeOutcome {
	return &InvokeOutcome{
		Status:         status,
		ActionIntentID: intentID,
		Decision:       decision,
		Message:        msg,
	}
}

func (g *Guard) emitEvent(ctx context.Context, runID, name string, payload map[string]any) error {
	event := &contracts.EventRecord{
		RunID:   runID,
		Name:    name,
		Payload: payload,
		At:      g.clock().UTC(),
	}
	if err := g.ledger.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("connector: append %s event: %w", name, err)
	}
	return nil
}

func (g *Guard) emitAudit(ctx context.Context, runID, eventType string, actor contracts.AuditActor, payload map[string]any, decisionRef string) error {
	hash, err := canonicalize.Hash(payload)
	if err != nil {
		return fmt.Errorf("connector: hash %s audit payload: %w", eventType, err)
	}
	audit := &contracts.AuditRecord{
		RunID:       runID,
		EventType:   eventType,
		Actor:       actor,
		PayloadHash: hash,
		DecisionRef: decisionRef,
		OccurredAt:  g.clock().UTC(),
	}
	if err := g.ledger.AppendAudit(ctx, audit); err != nil {
		return fmt.Errorf("connector: append %s audit: %w", eventType, err)
	}
	return nil
}

func validateGuardRequest(req GuardRequest) (string, bool) {
	switch {
	case !contracts.HasIDPrefix(req.ConnectorID, contracts.ConnectorIDPrefix):
		return "connector_id must carry the con_ prefix", false
	case !contracts.HasIDPrefix(req.RunID, contracts.RunIDPrefix):
		return "run_id must carry the run_ prefix", false
	case !contracts.HasIDPrefix(req.BindingID, contracts.BindingIDPrefix):
		return "binding_id must carry the cnb_ prefix", false
	case !contracts.HasIDPrefix(req.WorkspaceID, contracts.WorkspaceIDPrefix):
		return "workspace_id must carry the wsp_ prefix", false
	case !contracts.HasIDPrefix(req.AgentID, contracts.AgentIDPrefix):
		return "agent_id must carry the agt_ prefix", false
	case !contracts.ValidCapability(req.Capability):
		return "capability must be a dotted identifier", false
	case req.SideEffect != contracts.SideEffectNone && req.SideEffect != contracts.SideEffectMutation:
		return "side_effect must be none or mutation", false
	case !contracts.ValidActorID(req.ActorID):
		return "actor id must be well-formed", false
	}
	return "", true
}

// sleepCtx pauses for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
