package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Built-in connector ids shipped with the control plane. The chat adapter
// echoes requests back for end-to-end exercises; the MCP gateway stub stands
// in for a real Model Context Protocol bridge.
const (
	ChatConnectorID       = "con_feishu_official"
	MCPGatewayConnectorID = "con_mcp_gateway"
)

// ChatAdapter is the reference chat-surface adapter. It performs no external
// calls; invoke and simulate return an echo of the request so the full guard
// pipeline can be exercised without a live tenant.
type ChatAdapter struct {
	clock func() time.Time
}

// NewChatAdapter creates the echo chat adapter.
func NewChatAdapter() *ChatAdapter {
	return &ChatAdapter{clock: time.Now}
}

// WithClock overrides time acquisition for deterministic tests.
func (a *ChatAdapter) WithClock(clock func() time.Time) *ChatAdapter {
	a.clock = clock
	return a
}

// Invoke echoes the request as a delivered message.
func (a *ChatAdapter) Invoke(ctx context.Context, req InvokeRequest) (json.RawMessage, error) {
	return a.respond(ctx, req, "delivered")
}

// Simulate echoes the request without claiming delivery.
func (a *ChatAdapter) Simulate(ctx context.Context, req InvokeRequest) (json.RawMessage, error) {
	return a.respond(ctx, req, "simulated")
}

func (a *ChatAdapter) respond(ctx context.Context, req InvokeRequest, status string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch req.Capability {
	case "message.send", "message.update", "chat.read", "report.generate":
	default:
		return nil, &CapabilityError{Capability: req.Capability, Msg: "not implemented by the chat adapter"}
	}
	out, err := json.Marshal(map[string]any{
		"connector_id": req.ConnectorID,
		"capability":   req.Capability,
		"status":       status,
		"echo":         req.Parameters,
		"at":           a.clock().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("connector: encode chat response: %w", err)
	}
	return out, nil
}

// MCPGatewayAdapter is the stub Model Context Protocol gateway. Tool calls
// are acknowledged, not forwarded; the allowlist in front of it is the part
// under test.
type MCPGatewayAdapter struct {
	clock func() time.Time
}

// NewMCPGatewayAdapter creates the MCP gateway stub.
func NewMCPGatewayAdapter() *MCPGatewayAdapter {
	return &MCPGatewayAdapter{clock: time.Now}
}

// WithClock overrides time acquisition for deterministic tests.
func (a *MCPGatewayAdapter) WithClock(clock func() time.Time) *MCPGatewayAdapter {
	a.clock = clock
	return a
}

// Invoke acknowledges a tool call.
func (a *MCPGatewayAdapter) Invoke(ctx context.Context, req InvokeRequest) (json.RawMessage, error) {
	return a.respond(ctx, req, "executed")
}

// Simulate acknowledges a tool call without executing it.
func (a *MCPGatewayAdapter) Simulate(ctx context.Context, req InvokeRequest) (json.RawMessage, error) {
	return a.respond(ctx, req, "simulated")
}

func (a *MCPGatewayAdapter) respond(ctx context.Context, req InvokeRequest, status string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Capability != "tool.invoke" && req.Capability != "tool.list" {
		return nil, &CapabilityError{Capability: req.Capability, Msg: "mcp gateway only brokers tool.invoke and tool.list"}
	}
	if req.Capability == "tool.invoke" && req.ToolName == "" {
		return nil, &CapabilityError{Capability: req.Capability, Msg: "tool_name required"}
	}
	out, err := json.Marshal(map[string]any{
		"connector_id": req.ConnectorID,
		"tool_name":    req.ToolName,
		"status":       status,
		"at":           a.clock().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("connector: encode mcp response: %w", err)
	}
	return out, nil
}
