// Package mcp implements a minimal MCP server speaking JSON-RPC 2.0 over
// stdio or HTTP POST. The protocol layer is generic over a Backend; tool
// semantics, gating, and resource lookup live behind that interface.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Caller carries per-request identity material extracted by the transport.
// APIKey is the raw presented credential; it is passed through to the
// backend and never logged here.
type Caller struct {
	APIKey    string
	RequestID string
}

// UnknownResourceError reports a resources/read URI the backend does not
// serve. The dispatcher surfaces it as an invalid-params error.
type UnknownResourceError struct {
	URI string
}

func (e *UnknownResourceError) Error() string {
	return fmt.Sprintf("unknown resource %q", e.URI)
}

// Backend serves the MCP surface behind the protocol layer.
type Backend interface {
	ListTools(ctx context.Context) []ToolDefinition
	// CallTool runs one tool invocation. Failures of any kind are reported
	// inside the result with IsError set, never as a transport error.
	CallTool(ctx context.Context, name string, args map[string]any, caller Caller) ToolCallResult
	ListResources(ctx context.Context) []ResourceDefinition
	ReadResource(ctx context.Context, uri string, caller Caller) ([]ResourceContent, error)
}

// Server dispatches JSON-RPC messages to a Backend.
type Server struct {
	backend Backend
	info    ServerInfo
}

// NewServer creates an MCP server over the given backend.
func NewServer(backend Backend, info ServerInfo) *Server {
	return &Server{backend: backend, info: info}
}

// Handle processes one raw JSON-RPC message and returns the response, or
// nil for notifications. A missing caller request ID is filled in so every
// invocation is correlatable downstream.
func (s *Server) Handle(ctx context.Context, data []byte, caller Caller) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse(nil, CodeParseError, "parse error")
	}
	if caller.RequestID == "" {
		caller.RequestID = uuid.New().String()
	}
	return s.dispatch(ctx, &req, caller)
}

func (s *Server) dispatch(ctx context.Context, req *Request, caller Caller) *Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(ctx, req)
	case "notifications/initialized", "notifications/cancelled":
		return nil // notification, no response
	case "ping":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}}
	case "tools/list":
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  ToolsListResult{Tools: s.backend.ListTools(ctx)},
		}
	case "tools/call":
		return s.handleToolsCall(ctx, req, caller)
	case "resources/list":
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  ResourcesListResult{Resources: s.backend.ListResources(ctx)},
		}
	case "resources/read":
		return s.handleResourcesRead(ctx, req, caller)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) handleInitialize(ctx context.Context, req *Request) *Response {
	var params InitializeParams
	if len(req.Params) > 0 {
		// Client info is diagnostic only; a malformed params object does
		// not fail the handshake.
		_ = json.Unmarshal(req.Params, &params)
	}
	zctx.From(ctx).Info("Client initialized",
		zap.String("client", params.ClientInfo.Name),
		zap.String("client_version", params.ClientInfo.Version),
	)
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      s.info,
			Capabilities: map[string]any{
				"tools":     map[string]any{},
				"resources": map[string]any{},
			},
		},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request, caller Caller) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, CodeInvalidParams, "invalid params")
	}
	args := map[string]any{}
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "arguments must be a JSON object")
		}
	}
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  s.backend.CallTool(ctx, params.Name, args, caller),
	}
}

func (s *Server) handleResourcesRead(ctx context.Context, req *Request, caller Caller) *Response {
	var params ResourceReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return errorResponse(req.ID, CodeInvalidParams, "invalid params")
	}
	contents, err := s.backend.ReadResource(ctx, params.URI, caller)
	if err != nil {
		var unknown *UnknownResourceError
		if errors.As(err, &unknown) {
			return errorResponse(req.ID, CodeInvalidParams, err.Error())
		}
		zctx.From(ctx).Error("Resource read failed",
			zap.String("uri", params.URI),
			zap.Error(err),
		)
		return errorResponse(req.ID, CodeInternalError, "resource read failed")
	}
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  ResourceReadResult{Contents: contents},
	}
}

// ServeStdio reads line-delimited JSON-RPC messages from r and writes
// responses to w, one per line. The caller identity is fixed for the whole
// session; per-message request IDs are generated. Blocks until r is closed
// or ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer, caller Caller) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// Fresh ID per message; the session key is shared.
		resp := s.Handle(ctx, line, Caller{APIKey: caller.APIKey})
		if resp == nil {
			continue
		}
		if err := writeLine(w, resp); err != nil {
			zctx.From(ctx).Error("Write response", zap.Error(err))
		}
	}
	return scanner.Err()
}

func writeLine(w io.Writer, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func errorResponse(id json.RawMessage, code int, msg string) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: msg},
	}
}
