// ABOUTME: Tool registry that serves the bridge tools to the MCP server.
// ABOUTME: Maps handler errors onto invalid-params failures or isError results.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/opencode-bridge/internal/asyncreq"
	"github.com/2389/opencode-bridge/internal/correlate"
	"github.com/2389/opencode-bridge/internal/history"
	"github.com/2389/opencode-bridge/internal/mcp"
	"github.com/2389/opencode-bridge/internal/opencode"
)

// ErrToolCollision is returned when registering a name twice.
var ErrToolCollision = errors.New("tool name collision")

// Handler executes one tool call. The returned value is marshaled to JSON
// and becomes the text of the tool result.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is one callable tool and its MCP definition.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

// Registry holds tools in registration order and implements mcp.ToolProvider.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register adds a tool. Returns ErrToolCollision if the name is taken.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" || t.Handler == nil {
		return errors.New("tool needs a name and a handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolCollision, t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// ListTools returns the MCP definitions in registration order.
func (r *Registry) ListTools() []mcp.MCPToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]mcp.MCPToolInfo, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		infos = append(infos, mcp.MCPToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return infos
}

// CallTool runs the named tool and wraps its output as a JSON text result.
func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.MCPCallToolResult, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", mcp.ErrToolNotFound, name)
	}

	start := time.Now()
	out, err := t.Handler(ctx, args)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		r.logger.Debug("tool call failed", "tool", name, "elapsed_ms", elapsed, "error", err)
		return r.failure(ctx, err)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding %s result: %w", name, err)
	}
	r.logger.Debug("tool call finished", "tool", name, "elapsed_ms", elapsed, "bytes", len(data))
	return mcp.TextResult(string(data), false), nil
}

// toolError is the JSON body of an isError result.
type toolError struct {
	Error      string `json:"error"`
	StatusCode int    `json:"status_code,omitempty"`
}

// failure decides how an error leaves the tool boundary. Malformed input
// fails the call; cancellation propagates; everything else, remote
// failures included, is reported as an isError result.
func (r *Registry) failure(ctx context.Context, err error) (*mcp.MCPCallToolResult, error) {
	switch {
	case errors.Is(err, mcp.ErrInvalidParams):
		return nil, err
	case errors.Is(err, asyncreq.ErrInvalidHandle),
		errors.Is(err, asyncreq.ErrInvalidCursor),
		errors.Is(err, history.ErrInvalidFields),
		errors.Is(err, correlate.ErrEmptyMessage):
		return nil, fmt.Errorf("%w: %w", mcp.ErrInvalidParams, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	body := toolError{Error: err.Error()}
	var remoteErr *opencode.RemoteError
	if errors.As(err, &remoteErr) {
		body.StatusCode = remoteErr.StatusCode
	}
	data, mErr := json.Marshal(body)
	if mErr != nil {
		return nil, mErr
	}
	return mcp.TextResult(string(data), true), nil
}
