// ABOUTME: The opencode_* tool set: async submit/await, paged history, and agent pass-through calls.
// ABOUTME: Each handler validates arguments, calls the core or the client, and returns a JSON-ready value.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/opencode-bridge/internal/correlate"
	"github.com/2389/opencode-bridge/internal/history"
	"github.com/2389/opencode-bridge/internal/opencode"
)

// Client is the chat-agent surface used by the pass-through tools.
type Client interface {
	Health(ctx context.Context) (*opencode.Health, error)
	CreateSession(ctx context.Context, directory, title string) (*opencode.Session, error)
	ListSessions(ctx context.Context, directory string) ([]opencode.Session, error)
	GetSession(ctx context.Context, sessionID, directory string) (*opencode.Session, error)
	SessionStatuses(ctx context.Context) (map[string]opencode.SessionStatus, error)
	SessionStatus(ctx context.Context, sessionID string) (*opencode.SessionStatus, error)
	PendingQuestions(ctx context.Context, sessionID string) ([]opencode.PendingQuestion, error)
	ReplyQuestion(ctx context.Context, requestID string, answers [][]string) error
	RejectQuestion(ctx context.Context, requestID string) error
}

// Config wires the tool set to its collaborators.
type Config struct {
	Client     Client
	Correlator *correlate.Correlator
	Pager      *history.Pager
	Logger     *slog.Logger

	// Directory is used when a call does not name a project directory.
	Directory string
}

type bridge struct {
	client     Client
	correlator *correlate.Correlator
	pager      *history.Pager
	directory  string
	logger     *slog.Logger
}

// New builds a Registry holding every opencode_* tool.
func New(cfg Config) (*Registry, error) {
	if cfg.Client == nil || cfg.Correlator == nil || cfg.Pager == nil {
		return nil, errors.New("client, correlator and pager are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &bridge{
		client:     cfg.Client,
		correlator: cfg.Correlator,
		pager:      cfg.Pager,
		directory:  cfg.Directory,
		logger:     logger,
	}

	r := NewRegistry(logger)
	for _, t := range b.tools() {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (b *bridge) dir(directory string) string {
	if directory != "" {
		return directory
	}
	return b.directory
}

func (b *bridge) tools() []*Tool {
	return []*Tool{
		{
			Name: "opencode_submit",
			Description: "Send a message to an OpenCode session without waiting for the reply. " +
				"Returns an async_request_id to pass to opencode_await. Creates a session when session_id is omitted. " +
				"Refuses to submit while the session has pending questions.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{` +
				`"message":{"type":"string","description":"Text of the user message"},` +
				`"session_id":{"type":"string","description":"Existing session; omit to create one"},` +
				`"directory":{"type":"string","description":"Project directory for the session"}},` +
				`"required":["message"]}`),
			Handler: b.submit,
		},
		{
			Name: "opencode_await",
			Description: "Wait for the assistant reply to a submitted message. Outcomes: resolved, streaming " +
				"(partial reply, call again), blocked (pending questions), timeout (diagnostics included, call again).",
			InputSchema: json.RawMessage(`{"type":"object","properties":{` +
				`"async_request_id":{"type":"string","description":"Handle returned by opencode_submit"},` +
				`"timeout_seconds":{"type":"number","minimum":0,"description":"How long to wait (default 30)"},` +
				`"poll_interval_ms":{"type":"integer","minimum":0,"description":"Delay between polls (default 500, floor 300)"},` +
				`"poll_limit":{"type":"integer","minimum":0,"maximum":200,"description":"Messages fetched per poll (default 200)"}},` +
				`"required":["async_request_id"]}`),
			Handler: b.await,
		},
		{
			Name: "opencode_messages_page",
			Description: "Read a session's message history one page at a time under a token budget. " +
				"Pass next_cursor back as cursor to continue. fields selects dot paths such as info.id or parts.text.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{` +
				`"session_id":{"type":"string"},` +
				`"limit":{"type":"integer","minimum":0,"maximum":200,"description":"Messages per page (default 50)"},` +
				`"cursor":{"type":"string","description":"next_cursor from the previous page"},` +
				`"max_output_tokens":{"type":"integer","minimum":0,"maximum":20000,"description":"Token budget (default 5000)"},` +
				`"fields":{"oneOf":[{"type":"string"},{"type":"array","items":{"type":"string"}}],` +
				`"description":"Field paths to keep, comma-separated or as an array; * keeps everything"}},` +
				`"required":["session_id"]}`),
			Handler: b.messagesPage,
		},
		{
			Name:        "opencode_health",
			Description: "Check that the OpenCode server is reachable and report its version.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			Handler:     b.health,
		},
		{
			Name:        "opencode_session_create",
			Description: "Create a new OpenCode session.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{` +
				`"directory":{"type":"string"},"title":{"type":"string"}}}`),
			Handler: b.sessionCreate,
		},
		{
			Name:        "opencode_session_list",
			Description: "List OpenCode sessions, optionally for one project directory.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"directory":{"type":"string"}}}`),
			Handler:     b.sessionList,
		},
		{
			Name:        "opencode_session_get",
			Description: "Get one OpenCode session by id.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{` +
				`"session_id":{"type":"string"},"directory":{"type":"string"}},"required":["session_id"]}`),
			Handler: b.sessionGet,
		},
		{
			Name: "opencode_session_status",
			Description: "Report whether sessions are idle, busy or retrying. " +
				"With session_id, reports that session only; a null status means idle.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"session_id":{"type":"string"}}}`),
			Handler:     b.sessionStatus,
		},
		{
			Name:        "opencode_questions_list",
			Description: "List pending questions, optionally for one session.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"session_id":{"type":"string"}}}`),
			Handler:     b.questionsList,
		},
		{
			Name: "opencode_question_answer",
			Description: "Answer a pending question request. answers holds one list of selected labels " +
				"(or free text) per question, in order.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{` +
				`"request_id":{"type":"string"},` +
				`"answers":{"type":"array","items":{"type":"array","items":{"type":"string"}}}},` +
				`"required":["request_id","answers"]}`),
			Handler: b.questionAnswer,
		},
		{
			Name:        "opencode_question_reject",
			Description: "Dismiss a pending question request without answering it.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"request_id":{"type":"string"}},"required":["request_id"]}`),
			Handler:     b.questionReject,
		},
	}
}

type submitArgs struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	Directory string `json:"directory"`
}

func (b *bridge) submit(ctx context.Context, args json.RawMessage) (any, error) {
	var in submitArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if err := requireString("message", in.Message); err != nil {
		return nil, err
	}
	return b.correlator.Submit(ctx, correlate.SubmitRequest{
		Message:   in.Message,
		SessionID: in.SessionID,
		Directory: b.dir(in.Directory),
	})
}

type awaitArgs struct {
	AsyncRequestID string  `json:"async_request_id"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
	PollIntervalMs int     `json:"poll_interval_ms"`
	PollLimit      int     `json:"poll_limit"`
}

func (b *bridge) await(ctx context.Context, args json.RawMessage) (any, error) {
	var in awaitArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if err := requireString("async_request_id", in.AsyncRequestID); err != nil {
		return nil, err
	}
	for _, check := range []struct {
		name  string
		value float64
	}{
		{"timeout_seconds", in.TimeoutSeconds},
		{"poll_interval_ms", float64(in.PollIntervalMs)},
		{"poll_limit", float64(in.PollLimit)},
	} {
		if err := nonNegative(check.name, check.value); err != nil {
			return nil, err
		}
	}

	return b.correlator.Await(ctx, correlate.AwaitRequest{
		AsyncRequestID: in.AsyncRequestID,
		Timeout:        durationOf(in.TimeoutSeconds, time.Second),
		PollInterval:   durationOf(float64(in.PollIntervalMs), time.Millisecond),
		PollLimit:      in.PollLimit,
	})
}

type pageArgs struct {
	SessionID       string    `json:"session_id"`
	Limit           int       `json:"limit"`
	Cursor          string    `json:"cursor"`
	MaxOutputTokens int       `json:"max_output_tokens"`
	Fields          fieldList `json:"fields"`
}

func (b *bridge) messagesPage(ctx context.Context, args json.RawMessage) (any, error) {
	var in pageArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if err := requireString("session_id", in.SessionID); err != nil {
		return nil, err
	}
	if in.Limit < 0 || in.MaxOutputTokens < 0 {
		return nil, invalidArgs("limit and max_output_tokens must not be negative")
	}
	return b.pager.GetPage(ctx, history.PageRequest{
		SessionID:       in.SessionID,
		Limit:           in.Limit,
		Cursor:          in.Cursor,
		MaxOutputTokens: in.MaxOutputTokens,
		Fields:          in.Fields,
	})
}

func (b *bridge) health(ctx context.Context, _ json.RawMessage) (any, error) {
	return b.client.Health(ctx)
}

type sessionArgs struct {
	SessionID string `json:"session_id"`
	Directory string `json:"directory"`
	Title     string `json:"title"`
}

func (b *bridge) sessionCreate(ctx context.Context, args json.RawMessage) (any, error) {
	var in sessionArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	session, err := b.client.CreateSession(ctx, b.dir(in.Directory), in.Title)
	if err != nil {
		return nil, err
	}
	b.logger.Info("session created", "session_id", session.ID)
	return session, nil
}

func (b *bridge) sessionList(ctx context.Context, args json.RawMessage) (any, error) {
	var in sessionArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	sessions, err := b.client.ListSessions(ctx, b.dir(in.Directory))
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []opencode.Session{}
	}
	return map[string]any{"sessions": sessions, "count": len(sessions)}, nil
}

func (b *bridge) sessionGet(ctx context.Context, args json.RawMessage) (any, error) {
	var in sessionArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if err := requireString("session_id", in.SessionID); err != nil {
		return nil, err
	}
	return b.client.GetSession(ctx, in.SessionID, b.dir(in.Directory))
}

func (b *bridge) sessionStatus(ctx context.Context, args json.RawMessage) (any, error) {
	var in sessionArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.SessionID == "" {
		statuses, err := b.client.SessionStatuses(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"statuses": statuses}, nil
	}

	status, err := b.client.SessionStatus(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id": in.SessionID,
		"status":     status,
		"active":     status.Active(),
	}, nil
}

type questionArgs struct {
	SessionID string     `json:"session_id"`
	RequestID string     `json:"request_id"`
	Answers   [][]string `json:"answers"`
}

func (b *bridge) questionsList(ctx context.Context, args json.RawMessage) (any, error) {
	var in questionArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	questions, err := b.client.PendingQuestions(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	if questions == nil {
		questions = []opencode.PendingQuestion{}
	}
	return map[string]any{"questions": questions, "count": len(questions)}, nil
}

func (b *bridge) questionAnswer(ctx context.Context, args json.RawMessage) (any, error) {
	var in questionArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if err := requireString("request_id", in.RequestID); err != nil {
		return nil, err
	}
	if len(in.Answers) == 0 {
		return nil, invalidArgs("answers must hold one entry per question")
	}
	if err := b.client.ReplyQuestion(ctx, in.RequestID, in.Answers); err != nil {
		return nil, err
	}
	b.logger.Info("question answered", "request_id", in.RequestID)
	return map[string]string{"request_id": in.RequestID, "status": "answered"}, nil
}

func (b *bridge) questionReject(ctx context.Context, args json.RawMessage) (any, error) {
	var in questionArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if err := requireString("request_id", in.RequestID); err != nil {
		return nil, err
	}
	if err := b.client.RejectQuestion(ctx, in.RequestID); err != nil {
		return nil, err
	}
	b.logger.Info("question rejected", "request_id", in.RequestID)
	return map[string]string{"request_id": in.RequestID, "status": "rejected"}, nil
}
