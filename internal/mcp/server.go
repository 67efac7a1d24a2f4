// ABOUTME: MCP Streamable HTTP transport for remote MCP clients.
// ABOUTME: Issues Mcp-Session-Id sessions on initialize and authenticates with bearer tokens.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/opencode-bridge/internal/auth"
)

// MaxRequestBodySize caps a POSTed JSON-RPC message.
const MaxRequestBodySize = 1 << 20

// DefaultSessionTTL is how long an unused MCP session stays valid.
const DefaultSessionTTL = 24 * time.Hour

// mcpSession is one initialized Streamable HTTP client.
type mcpSession struct {
	id              string
	protocolVersion string
	principal       string
	ownerToken      string // auth token used to verify session ownership on DELETE
	createdAt       time.Time
	lastSeen        time.Time
}

// sessionStore holds live sessions in memory until they idle out.
type sessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]*mcpSession
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*mcpSession),
	}
}

func (s *sessionStore) create(protocolVersion, principal, ownerToken string) *mcpSession {
	now := s.now()
	sess := &mcpSession{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		principal:       principal,
		ownerToken:      ownerToken,
		createdAt:       now,
		lastSeen:        now,
	}
	s.mu.Lock()
	s.pruneLocked(now)
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

// get returns a live session and refreshes its idle timer.
func (s *sessionStore) get(id string) (*mcpSession, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if now.Sub(sess.lastSeen) > s.ttl {
		delete(s.sessions, id)
		return nil, false
	}
	sess.lastSeen = now
	return sess, true
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

func (s *sessionStore) pruneLocked(now time.Time) {
	for id, sess := range s.sessions {
		if now.Sub(sess.lastSeen) > s.ttl {
			delete(s.sessions, id)
		}
	}
}

func (s *sessionStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Config wires a Server.
type Config struct {
	Tools         ToolProvider
	Info          ServerInfo
	Logger        *slog.Logger
	TokenVerifier auth.TokenVerifier
	RequireAuth   bool          // If true, reject requests without valid auth
	SessionTTL    time.Duration // Idle lifetime of an Mcp-Session-Id

	// HealthCheck backs GET /health when set.
	HealthCheck func(ctx context.Context) error
}

// Server implements the MCP stdio and Streamable HTTP transports over a
// ToolProvider.
type Server struct {
	dispatcher
	verifier    auth.TokenVerifier
	requireAuth bool
	healthCheck func(ctx context.Context) error
	sessions    *sessionStore
}

// NewServer validates cfg and returns a Server with an empty session store.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Tools == nil {
		return nil, errors.New("tool provider is required")
	}
	if cfg.RequireAuth && cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required when auth is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	info := cfg.Info
	if info.Name == "" {
		info.Name = "opencode-bridge"
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	return &Server{
		dispatcher: dispatcher{
			tools:  cfg.Tools,
			info:   info,
			logger: logger,
		},
		verifier:    cfg.TokenVerifier,
		requireAuth: cfg.RequireAuth,
		healthCheck: cfg.HealthCheck,
		sessions:    newSessionStore(ttl),
	}, nil
}

// RegisterRoutes registers the MCP endpoint and health check on the given
// ServeMux. Supports both /mcp (bare) and /mcp/<token> (token-in-path).
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/mcp/", s.handleMCP)
	mux.HandleFunc("/health", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	status := http.StatusOK
	body := map[string]any{"status": "ok", "sessions": s.sessions.count()}
	if s.healthCheck != nil {
		if err := s.healthCheck(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["error"] = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to encode health response", "error", err)
	}
}

// handleMCP is the single MCP endpoint supporting POST, GET, and DELETE per
// the Streamable HTTP transport.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		// No server-initiated stream: every reply rides on its POST.
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete terminates a session. Verifies the caller owns the session
// to prevent unauthorized termination.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.get(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	if sess.ownerToken != "" && extractToken(r) != sess.ownerToken {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.sessions.delete(sessionID)
	s.logger.Info("MCP session terminated", "mcp_session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePost serves one JSON-RPC message per request.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	// The method decides whether a session header is required.
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendJSONRPCError(w, nil, &JSONRPCError{Code: JSONRPCParseError, Message: "failed to read request body"})
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendJSONRPCError(w, nil, &JSONRPCError{Code: JSONRPCInvalidRequest, Message: "request body too large"})
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendJSONRPCError(w, nil, &JSONRPCError{Code: JSONRPCParseError, Message: "invalid JSON"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendJSONRPCError(w, req.ID, &JSONRPCError{Code: JSONRPCInvalidRequest, Message: "invalid JSON-RPC version"})
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := req.isNotification()

	// initialize negotiates the version; later requests must echo a known one.
	if !isInitialize && protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	var principal string
	if isInitialize {
		p, authErr := s.authenticate(r)
		switch {
		case errors.Is(authErr, errInvalidToken):
			s.sendJSONRPCError(w, req.ID, &JSONRPCError{Code: JSONRPCInvalidRequest, Message: "invalid or expired token"})
			return
		case authErr != nil && s.requireAuth:
			s.sendJSONRPCError(w, req.ID, &JSONRPCError{Code: JSONRPCInvalidRequest, Message: "authentication required"})
			return
		}
		principal = p
	} else {
		// Everything after initialize rides on an existing session.
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		sess, ok := s.sessions.get(sessionID)
		if !ok {
			// Unknown or expired: the client has to initialize again.
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		principal = sess.principal
	}

	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", isNotification,
		"mcp_session_id", sessionID,
		"principal", principal,
	)

	// Notifications get 202 and no body.
	if isNotification {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if isInitialize {
		version := negotiateVersion(req.Params)
		sess := s.sessions.create(version, principal, extractToken(r))
		s.logger.Info("MCP session created",
			"mcp_session_id", sess.id,
			"protocol_version", sess.protocolVersion,
			"principal", principal,
		)
		w.Header().Set("Mcp-Session-Id", sess.id)
		s.sendJSONRPCResult(w, req.ID, s.initializeResult(version))
		return
	}

	result, rpcErr := s.dispatch(r.Context(), &req)
	if rpcErr != nil {
		s.sendJSONRPCError(w, req.ID, rpcErr)
		return
	}
	s.sendJSONRPCResult(w, req.ID, result)
}

// errInvalidToken means a credential was presented and refused.
// This is distinct from "no auth": a provided token that fails verification
// is rejected rather than falling through to unauthenticated access.
var errInvalidToken = errors.New("invalid or expired token")

var errNoCredentials = errors.New("no authentication provided")

// authenticate verifies the request token and returns its principal.
func (s *Server) authenticate(r *http.Request) (string, error) {
	token := extractToken(r)
	if token == "" {
		return "", errNoCredentials
	}
	if s.verifier == nil {
		return "", errInvalidToken
	}
	principal, err := s.verifier.Verify(token)
	if err != nil {
		s.logger.Debug("token rejected", "error", err)
		return "", errInvalidToken
	}
	return principal, nil
}

// extractToken returns the credential from the URL path (/mcp/<token>), the
// token query parameter, or a Bearer Authorization header, in that order.
func extractToken(r *http.Request) string {
	if pathToken := strings.TrimPrefix(r.URL.Path, "/mcp/"); pathToken != "" && pathToken != r.URL.Path {
		return strings.TrimRight(pathToken, "/")
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// sendJSONRPCResult writes a 200 response carrying result.
func (s *Server) sendJSONRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	s.writeJSON(w, JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

// sendJSONRPCError writes a 200 response carrying a JSON-RPC error object.
func (s *Server) sendJSONRPCError(w http.ResponseWriter, id json.RawMessage, rpcErr *JSONRPCError) {
	s.writeJSON(w, JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcErr,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}
