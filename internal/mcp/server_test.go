// ABOUTME: Tests for the MCP Streamable HTTP transport.
// ABOUTME: Covers the session lifecycle, auth handling, tool dispatch, and error mapping.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opencode-bridge/internal/auth"
)

// fakeTools is a ToolProvider with one echo tool and a set of failing tools.
type fakeTools struct {
	block chan struct{}
}

func (f *fakeTools) ListTools() []MCPToolInfo {
	return []MCPToolInfo{
		{Name: "echo", Description: "Echo arguments", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "slow", Description: "Blocks until released", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}
}

func (f *fakeTools) CallTool(ctx context.Context, name string, args json.RawMessage) (*MCPCallToolResult, error) {
	switch name {
	case "echo":
		return TextResult(string(args), false), nil
	case "slow":
		select {
		case <-f.block:
			return TextResult("released", false), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case "remote_down":
		return TextResult("remote returned status 502", true), nil
	case "bad_args":
		return nil, fmt.Errorf("%w: async_request_id is required", ErrInvalidParams)
	case "boom":
		return nil, errors.New("unexpected failure")
	default:
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
}

// mockTokenVerifier implements auth.TokenVerifier for testing.
type mockTokenVerifier struct {
	valid map[string]string
}

func (m *mockTokenVerifier) Verify(token string) (string, error) {
	if p, ok := m.valid[token]; ok {
		return p, nil
	}
	return "", auth.ErrInvalidToken
}

func newTestServer(t *testing.T, cfg Config) *http.ServeMux {
	t.Helper()
	if cfg.Tools == nil {
		cfg.Tools = &fakeTools{}
	}
	server, err := NewServer(cfg)
	require.NoError(t, err)
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	return mux
}

func post(mux http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) JSONRPCResponse {
	t.Helper()
	var resp JSONRPCResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp
}

// initialize opens a session and returns its id.
func initialize(t *testing.T, mux http.Handler, headers map[string]string) string {
	t.Helper()
	rr := post(mux, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`, headers)
	require.Equal(t, http.StatusOK, rr.Code)
	sessionID := rr.Header().Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)

	resp := decodeResponse(t, rr)
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	assert.Equal(t, "2025-03-26", result["protocolVersion"])
	return sessionID
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)

	_, err = NewServer(Config{Tools: &fakeTools{}, RequireAuth: true})
	assert.Error(t, err)
}

func TestHTTP_SessionLifecycle(t *testing.T) {
	mux := newTestServer(t, Config{})
	sessionID := initialize(t, mux, nil)
	headers := map[string]string{"Mcp-Session-Id": sessionID, "Mcp-Protocol-Version": "2025-03-26"}

	t.Run("notification is accepted", func(t *testing.T) {
		rr := post(mux, "/mcp", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, headers)
		assert.Equal(t, http.StatusAccepted, rr.Code)
		assert.Empty(t, rr.Body.String())
	})

	t.Run("tools/list", func(t *testing.T) {
		rr := post(mux, "/mcp", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, headers)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp struct {
			Result MCPListToolsResult `json:"result"`
		}
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		require.Len(t, resp.Result.Tools, 2)
		assert.Equal(t, "echo", resp.Result.Tools[0].Name)
		assert.JSONEq(t, `{"type":"object"}`, string(resp.Result.Tools[0].InputSchema))
	})

	t.Run("tools/call", func(t *testing.T) {
		rr := post(mux, "/mcp", `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}`, headers)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp struct {
			ID     json.RawMessage   `json:"id"`
			Result MCPCallToolResult `json:"result"`
		}
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, "3", string(resp.ID))
		require.Len(t, resp.Result.Content, 1)
		assert.JSONEq(t, `{"x":1}`, resp.Result.Content[0].Text)
		assert.False(t, resp.Result.IsError)
	})

	t.Run("ping", func(t *testing.T) {
		rr := post(mux, "/mcp", `{"jsonrpc":"2.0","id":4,"method":"ping"}`, headers)
		resp := decodeResponse(t, rr)
		assert.Nil(t, resp.Error)
		assert.Equal(t, map[string]any{}, resp.Result)
	})

	t.Run("delete ends the session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		req.Header.Set("Mcp-Session-Id", sessionID)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNoContent, rr.Code)

		rr = post(mux, "/mcp", `{"jsonrpc":"2.0","id":5,"method":"tools/list"}`, headers)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestHTTP_RequestValidation(t *testing.T) {
	mux := newTestServer(t, Config{})
	sessionID := initialize(t, mux, nil)

	tests := []struct {
		name     string
		body     string
		headers  map[string]string
		wantHTTP int
		wantCode int
	}{
		{
			name:     "missing session",
			body:     `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
			wantHTTP: http.StatusBadRequest,
		},
		{
			name:     "unknown session",
			body:     `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
			headers:  map[string]string{"Mcp-Session-Id": "nope"},
			wantHTTP: http.StatusNotFound,
		},
		{
			name:     "unsupported protocol version",
			body:     `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
			headers:  map[string]string{"Mcp-Session-Id": sessionID, "Mcp-Protocol-Version": "1999-01-01"},
			wantHTTP: http.StatusBadRequest,
		},
		{
			name:     "invalid JSON",
			body:     `{not json`,
			wantHTTP: http.StatusOK,
			wantCode: JSONRPCParseError,
		},
		{
			name:     "wrong JSON-RPC version",
			body:     `{"jsonrpc":"1.0","id":1,"method":"tools/list"}`,
			wantHTTP: http.StatusOK,
			wantCode: JSONRPCInvalidRequest,
		},
		{
			name:     "unknown method",
			body:     `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`,
			headers:  map[string]string{"Mcp-Session-Id": sessionID},
			wantHTTP: http.StatusOK,
			wantCode: JSONRPCMethodNotFound,
		},
		{
			name:     "unknown tool",
			body:     `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope"}}`,
			headers:  map[string]string{"Mcp-Session-Id": sessionID},
			wantHTTP: http.StatusOK,
			wantCode: JSONRPCInvalidParams,
		},
		{
			name:     "missing tool name",
			body:     `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`,
			headers:  map[string]string{"Mcp-Session-Id": sessionID},
			wantHTTP: http.StatusOK,
			wantCode: JSONRPCInvalidParams,
		},
		{
			name:     "invalid tool arguments",
			body:     `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"bad_args"}}`,
			headers:  map[string]string{"Mcp-Session-Id": sessionID},
			wantHTTP: http.StatusOK,
			wantCode: JSONRPCInvalidParams,
		},
		{
			name:     "internal tool failure",
			body:     `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"boom"}}`,
			headers:  map[string]string{"Mcp-Session-Id": sessionID},
			wantHTTP: http.StatusOK,
			wantCode: JSONRPCInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := post(mux, "/mcp", tt.body, tt.headers)
			require.Equal(t, tt.wantHTTP, rr.Code)
			if tt.wantCode == 0 {
				return
			}
			resp := decodeResponse(t, rr)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}

	t.Run("tool-level error is a result", func(t *testing.T) {
		rr := post(mux, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"remote_down"}}`,
			map[string]string{"Mcp-Session-Id": sessionID})
		var resp struct {
			Result MCPCallToolResult `json:"result"`
			Error  *JSONRPCError     `json:"error"`
		}
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Nil(t, resp.Error)
		assert.True(t, resp.Result.IsError)
	})

	t.Run("invalid params message surfaces the cause", func(t *testing.T) {
		rr := post(mux, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"bad_args"}}`,
			map[string]string{"Mcp-Session-Id": sessionID})
		resp := decodeResponse(t, rr)
		require.NotNil(t, resp.Error)
		assert.Contains(t, resp.Error.Message, "async_request_id")
	})
}

func TestHTTP_BodyLimit(t *testing.T) {
	mux := newTestServer(t, Config{})
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"pad":"` + strings.Repeat("a", MaxRequestBodySize) + `"}}`

	rr := post(mux, "/mcp", body, nil)
	resp := decodeResponse(t, rr)
	require.NotNil(t, resp.Error)
	assert.Equal(t, JSONRPCInvalidRequest, resp.Error.Code)
	assert.Empty(t, rr.Header().Get("Mcp-Session-Id"))
}

func TestHTTP_Methods(t *testing.T) {
	mux := newTestServer(t, Config{})

	for _, method := range []string{http.MethodGet, http.MethodPut} {
		req := httptest.NewRequest(method, "/mcp", nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code, method)
	}

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHTTP_Auth(t *testing.T) {
	verifier := &mockTokenVerifier{valid: map[string]string{"good": "alice", "other": "bob"}}

	t.Run("required auth rejects anonymous initialize", func(t *testing.T) {
		mux := newTestServer(t, Config{TokenVerifier: verifier, RequireAuth: true})
		rr := post(mux, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
		resp := decodeResponse(t, rr)
		require.NotNil(t, resp.Error)
		assert.Contains(t, resp.Error.Message, "authentication required")
		assert.Empty(t, rr.Header().Get("Mcp-Session-Id"))
	})

	t.Run("invalid token is rejected even when auth is optional", func(t *testing.T) {
		mux := newTestServer(t, Config{TokenVerifier: verifier})
		rr := post(mux, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
			map[string]string{"Authorization": "Bearer wrong"})
		resp := decodeResponse(t, rr)
		require.NotNil(t, resp.Error)
		assert.Contains(t, resp.Error.Message, "invalid or expired token")
	})

	t.Run("bearer, query, and path tokens are accepted", func(t *testing.T) {
		mux := newTestServer(t, Config{TokenVerifier: verifier, RequireAuth: true})

		initialize(t, mux, map[string]string{"Authorization": "Bearer good"})

		for _, path := range []string{"/mcp?token=good", "/mcp/good"} {
			rr := post(mux, path, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
			assert.NotEmpty(t, rr.Header().Get("Mcp-Session-Id"), path)
		}
	})

	t.Run("only the owner may delete a session", func(t *testing.T) {
		mux := newTestServer(t, Config{TokenVerifier: verifier, RequireAuth: true})
		sessionID := initialize(t, mux, map[string]string{"Authorization": "Bearer good"})

		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		req.Header.Set("Mcp-Session-Id", sessionID)
		req.Header.Set("Authorization", "Bearer other")
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusForbidden, rr.Code)

		req.Header.Set("Authorization", "Bearer good")
		rr = httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})
}

func TestHTTP_Health(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		mux := newTestServer(t, Config{HealthCheck: func(context.Context) error { return nil }})
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"status":"ok"`)
	})

	t.Run("remote down", func(t *testing.T) {
		mux := newTestServer(t, Config{HealthCheck: func(context.Context) error { return errors.New("connection refused") }})
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Contains(t, rr.Body.String(), "connection refused")
	})
}

func TestSessionStore_Expiry(t *testing.T) {
	store := newSessionStore(time.Minute)
	now := time.Unix(1_000, 0)
	store.now = func() time.Time { return now }

	sess := store.create("2025-11-25", "alice", "")
	_, ok := store.get(sess.id)
	require.True(t, ok)

	now = now.Add(30 * time.Second)
	_, ok = store.get(sess.id)
	require.True(t, ok, "access refreshes the idle timer")

	now = now.Add(2 * time.Minute)
	_, ok = store.get(sess.id)
	assert.False(t, ok)
	assert.Equal(t, 0, store.count())
}

func TestHTTP_UnknownProtocolVersionFallsBackToLatest(t *testing.T) {
	mux := newTestServer(t, Config{})
	rr := post(mux, "/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2099-01-01"}}`, nil)
	body := bytes.Clone(rr.Body.Bytes())
	resp := decodeResponse(t, rr)
	require.Nil(t, resp.Error)
	assert.Equal(t, latestProtocolVersion, resp.Result.(map[string]any)["protocolVersion"])
	assert.True(t, bytes.Contains(body, []byte(`"opencode-bridge"`)))
}
