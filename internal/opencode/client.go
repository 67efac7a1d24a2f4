// ABOUTME: HTTP client for the remote chat-agent service.
// ABOUTME: One method per endpoint; non-2xx responses become RemoteError and are never retried.

package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrRemoteCallFailed matches every error produced by a failed remote call.
var ErrRemoteCallFailed = errors.New("remote call failed")

// maxErrorBody bounds how much of a failed response is kept for the caller.
const maxErrorBody = 4 << 10

// RemoteError describes a failed call. Err is set when no usable response
// was received; otherwise StatusCode and Body describe the rejection.
type RemoteError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	Err        error
}

func (e *RemoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: request failed: %v", e.Method, e.Path, e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("%s %s: remote returned status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: remote returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *RemoteError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrRemoteCallFailed, e.Err}
	}
	return []error{ErrRemoteCallFailed}
}

// Permanent reports whether repeating the same call cannot succeed, such as
// a missing session. Transport failures, timeouts, throttling and server
// errors are not permanent.
func (e *RemoteError) Permanent() bool {
	switch {
	case e.Err != nil:
		return false
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return false
	default:
		return e.StatusCode >= 400 && e.StatusCode < 500
	}
}

// Config holds configuration for the client.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration

	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the remote chat-agent HTTP API.
type Client struct {
	baseURL  *url.URL
	username string
	password string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a client for the service at cfg.BaseURL.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https, got %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	username := cfg.Username
	if username == "" && cfg.Password != "" {
		username = "opencode"
	}

	return &Client{
		baseURL:  u,
		username: username,
		password: cfg.Password,
		http:     httpClient,
		logger:   logger,
	}, nil
}

// BaseURL returns the remote service address.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Health checks the remote service.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/global/health", nil, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// CreateSession creates a new session, optionally scoped to a directory.
func (c *Client) CreateSession(ctx context.Context, directory, title string) (*Session, error) {
	body := map[string]string{}
	if title != "" {
		body["title"] = title
	}
	var s Session
	if err := c.do(ctx, http.MethodPost, "/session", directoryQuery(directory), body, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, &RemoteError{Method: http.MethodPost, Path: "/session", Err: errors.New("response missing session id")}
	}
	return &s, nil
}

// ListSessions lists sessions, optionally scoped to a directory.
func (c *Client) ListSessions(ctx context.Context, directory string) ([]Session, error) {
	var sessions []Session
	if err := c.do(ctx, http.MethodGet, "/session", directoryQuery(directory), nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetSession fetches one session.
func (c *Client) GetSession(ctx context.Context, sessionID, directory string) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID), directoryQuery(directory), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

type promptRequest struct {
	MessageID string       `json:"messageID"`
	Parts     []promptPart `json:"parts"`
}

type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PostAsyncMessage submits a user message without waiting for the reply.
// The messageID becomes the parent id of the assistant reply.
func (c *Client) PostAsyncMessage(ctx context.Context, sessionID, messageID, text, directory string) error {
	body := promptRequest{
		MessageID: messageID,
		Parts:     []promptPart{{Type: "text", Text: text}},
	}
	path := "/session/" + url.PathEscape(sessionID) + "/prompt_async"
	return c.do(ctx, http.MethodPost, path, directoryQuery(directory), body, nil)
}

// ListMessages returns the newest limit messages of a session, oldest
// first. A zero limit returns the whole history.
func (c *Client) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var messages []Message
	path := "/session/" + url.PathEscape(sessionID) + "/message"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// SessionStatuses returns the known status of every active session.
func (c *Client) SessionStatuses(ctx context.Context) (map[string]SessionStatus, error) {
	statuses := map[string]SessionStatus{}
	if err := c.do(ctx, http.MethodGet, "/session/status", nil, nil, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// SessionStatus returns the status of one session, or nil when the remote
// has none on record.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	statuses, err := c.SessionStatuses(ctx)
	if err != nil {
		return nil, err
	}
	st, ok := statuses[sessionID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// ListQuestions returns pending questions across all sessions.
func (c *Client) ListQuestions(ctx context.Context) ([]PendingQuestion, error) {
	var questions []PendingQuestion
	if err := c.do(ctx, http.MethodGet, "/question", nil, nil, &questions); err != nil {
		return nil, err
	}
	return questions, nil
}

// PendingQuestions returns the pending questions of one session. An empty
// sessionID returns all of them.
func (c *Client) PendingQuestions(ctx context.Context, sessionID string) ([]PendingQuestion, error) {
	all, err := c.ListQuestions(ctx)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return all, nil
	}
	var matched []PendingQuestion
	for _, q := range all {
		if q.SessionID == sessionID {
			matched = append(matched, q)
		}
	}
	return matched, nil
}

// ReplyQuestion answers a pending question request. answers holds the
// selected labels (or free text) for each question in order.
func (c *Client) ReplyQuestion(ctx context.Context, requestID string, answers [][]string) error {
	body := map[string]any{"answers": answers}
	return c.do(ctx, http.MethodPost, "/question/"+url.PathEscape(requestID)+"/reply", nil, body, nil)
}

// RejectQuestion dismisses a pending question request.
func (c *Client) RejectQuestion(ctx context.Context, requestID string) error {
	return c.do(ctx, http.MethodPost, "/question/"+url.PathEscape(requestID)+"/reject", nil, nil, nil)
}

// ListPermissions returns outstanding permission requests across sessions.
func (c *Client) ListPermissions(ctx context.Context) ([]Permission, error) {
	var perms []Permission
	if err := c.do(ctx, http.MethodGet, "/permission", nil, nil, &perms); err != nil {
		return nil, err
	}
	return perms, nil
}

func directoryQuery(directory string) url.Values {
	if directory == "" {
		return nil
	}
	return url.Values{"directory": []string{directory}}
}

// do performs one request. A nil out discards the response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &RemoteError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("remote call",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &RemoteError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RemoteError{Method: method, Path: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}
