// ABOUTME: JSON-RPC 2.0 and MCP message types plus the method dispatcher.
// ABOUTME: Shared by the stdio and Streamable HTTP transports.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
	"2025-11-25": true,
}

// latestProtocolVersion is the version we advertise when the client asks for
// one we do not know.
const latestProtocolVersion = "2025-11-25"

// Tool errors. Providers wrap these so the transport can pick the JSON-RPC
// error code.
var (
	ErrToolNotFound  = errors.New("tool not found")
	ErrInvalidParams = errors.New("invalid params")
)

// JSON-RPC 2.0 types

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *JSONRPCRequest) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// MCP-specific types

// MCPToolInfo represents an MCP tool definition.
type MCPToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// MCPListToolsResult is the result for tools/list.
type MCPListToolsResult struct {
	Tools []MCPToolInfo `json:"tools"`
}

// MCPCallToolParams are the params for tools/call.
type MCPCallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MCPCallToolResult is the result for tools/call.
type MCPCallToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// MCPContent represents content in a tool result.
type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextResult wraps text in a single-block tool result.
func TextResult(text string, isError bool) *MCPCallToolResult {
	return &MCPCallToolResult{
		Content: []MCPContent{{Type: "text", Text: text}},
		IsError: isError,
	}
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

// ToolProvider supplies the tools a server exposes.
type ToolProvider interface {
	ListTools() []MCPToolInfo

	// CallTool runs a tool. Failures the caller should see as tool output
	// are returned as a result with IsError set; a returned error fails the
	// JSON-RPC call.
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*MCPCallToolResult, error)
}

// ServerInfo identifies the server in initialize responses.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// dispatcher routes JSON-RPC methods to the tool provider.
type dispatcher struct {
	tools  ToolProvider
	info   ServerInfo
	logger *slog.Logger
}

// negotiateVersion echoes the client's version when supported.
func negotiateVersion(params json.RawMessage) string {
	var p initializeParams
	if len(params) > 0 && json.Unmarshal(params, &p) == nil && supportedProtocolVersions[p.ProtocolVersion] {
		return p.ProtocolVersion
	}
	return latestProtocolVersion
}

func (d *dispatcher) initializeResult(version string) map[string]any {
	return map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": d.info,
	}
}

// dispatch handles one non-notification request and returns its result or
// error. Callers handle initialize themselves when they need session setup.
func (d *dispatcher) dispatch(ctx context.Context, req *JSONRPCRequest) (any, *JSONRPCError) {
	switch req.Method {
	case "initialize":
		return d.initializeResult(negotiateVersion(req.Params)), nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		tools := d.tools.ListTools()
		d.logger.Debug("tools/list", "count", len(tools))
		return MCPListToolsResult{Tools: tools}, nil
	case "tools/call":
		return d.callTool(ctx, req)
	default:
		return nil, &JSONRPCError{Code: JSONRPCMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (d *dispatcher) callTool(ctx context.Context, req *JSONRPCRequest) (any, *JSONRPCError) {
	var params MCPCallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "invalid params"}
		}
	}
	if params.Name == "" {
		return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "tool name is required"}
	}

	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	start := time.Now()
	d.logger.Debug("tools/call", "tool_name", params.Name)

	result, err := d.tools.CallTool(ctx, params.Name, args)
	if err != nil {
		return nil, d.toolError(params.Name, err)
	}

	d.logger.Debug("tools/call complete",
		"tool_name", params.Name,
		"is_error", result.IsError,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// toolError maps a provider error to a JSON-RPC error.
func (d *dispatcher) toolError(toolName string, err error) *JSONRPCError {
	d.logger.Warn("tool call failed", "tool_name", toolName, "error", err)

	switch {
	case errors.Is(err, ErrToolNotFound):
		return &JSONRPCError{Code: JSONRPCInvalidParams, Message: "tool not found: " + toolName}
	case errors.Is(err, ErrInvalidParams):
		return &JSONRPCError{Code: JSONRPCInvalidParams, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &JSONRPCError{Code: JSONRPCInternalError, Message: "tool execution timed out"}
	case errors.Is(err, context.Canceled):
		return &JSONRPCError{Code: JSONRPCInternalError, Message: "request cancelled"}
	default:
		return &JSONRPCError{Code: JSONRPCInternalError, Message: "tool execution failed"}
	}
}
