// Package handler adapts the gated tool registry and the market service to
// the MCP backend surface: tools/call routes through the gating pipeline,
// discovery methods read directly.
package handler

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/pandalabs/panda-mcp/internal/domain/market"
	"github.com/pandalabs/panda-mcp/internal/gate"
	"github.com/pandalabs/panda-mcp/internal/tools"
	"github.com/pandalabs/panda-mcp/pkg/mcp"
)

// Compile-time check ensuring Backend satisfies the MCP backend interface.
var _ mcp.Backend = (*Backend)(nil)

// Backend serves the MCP surface over the gated tool registry. Rejections
// come back as isError tool results carrying the uniform error object, so
// the calling model can read the reason and react.
type Backend struct {
	pipeline *gate.Pipeline
	registry *tools.Registry
	svc      *market.Service
}

// NewBackend constructs a Backend with the required dependencies.
func NewBackend(pipeline *gate.Pipeline, registry *tools.Registry, svc *market.Service) *Backend {
	return &Backend{pipeline: pipeline, registry: registry, svc: svc}
}

// ListTools advertises every registered tool in registration order.
func (b *Backend) ListTools(ctx context.Context) []mcp.ToolDefinition {
	list := b.registry.List()
	defs := make([]mcp.ToolDefinition, len(list))
	for i, t := range list {
		defs[i] = mcp.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return defs
}

// CallTool runs one invocation through the gating pipeline and maps the
// result (or rejection) to a tool call result.
func (b *Backend) CallTool(ctx context.Context, name string, args map[string]any, caller mcp.Caller) mcp.ToolCallResult {
	res, err := b.pipeline.Handle(ctx, gate.Request{
		Tool:      name,
		Params:    args,
		APIKey:    caller.APIKey,
		RequestID: caller.RequestID,
	})
	if err != nil {
		return rejectionResult(ctx, err)
	}

	data, err := json.MarshalIndent(res.Value, "", "  ")
	if err != nil {
		zctx.From(ctx).Error("Encode tool result",
			zap.String("tool", name),
			zap.Error(err),
		)
		return mcp.ErrorResult(`{"errorKind":"execution_error","message":"result encoding failed"}`)
	}
	return mcp.ToolCallResult{Content: mcp.TextContent(string(data))}
}

// rejectionResult serializes a pipeline rejection as an isError result.
func rejectionResult(ctx context.Context, err error) mcp.ToolCallResult {
	var gerr *gate.Error
	if !errors.As(err, &gerr) {
		// Handle's contract is that every failure is a *gate.Error.
		zctx.From(ctx).Error("Non-gate error from pipeline", zap.Error(err))
		return mcp.ErrorResult(`{"errorKind":"execution_error","message":"internal error"}`)
	}
	data, merr := json.Marshal(gerr.Response())
	if merr != nil {
		return mcp.ErrorResult(gerr.Error())
	}
	return mcp.ErrorResult(string(data))
}
