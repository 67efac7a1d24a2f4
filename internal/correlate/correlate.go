// ABOUTME: Non-blocking message submission that hands back a self-describing async handle.
// ABOUTME: Refuses to submit into a session gated by pending questions.

package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/opencode-bridge/internal/asyncreq"
	"github.com/2389/opencode-bridge/internal/opencode"
)

// Poll loop limits.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	MinPollInterval     = 300 * time.Millisecond
	DefaultPollLimit    = 200
	MaxPollLimit        = 200
)

// ErrEmptyMessage is returned when submitting blank text.
var ErrEmptyMessage = errors.New("message is required")

// Remote is the subset of the chat-agent client used here.
type Remote interface {
	CreateSession(ctx context.Context, directory, title string) (*opencode.Session, error)
	PostAsyncMessage(ctx context.Context, sessionID, messageID, text, directory string) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]opencode.Message, error)
	SessionStatus(ctx context.Context, sessionID string) (*opencode.SessionStatus, error)
	PendingQuestions(ctx context.Context, sessionID string) ([]opencode.PendingQuestion, error)
	ListPermissions(ctx context.Context) ([]opencode.Permission, error)
}

// Config holds configuration for a Correlator.
type Config struct {
	Remote Remote
	Clock  Clock
	Logger *slog.Logger

	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	PollInterval   time.Duration
	PollLimit      int

	// NewMessageID overrides message id generation.
	NewMessageID func(now time.Time) string
}

// Correlator submits messages and resolves async handles to replies. It
// holds no per-request state; every call is independent.
type Correlator struct {
	remote         Remote
	clock          Clock
	logger         *slog.Logger
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	pollInterval   time.Duration
	pollLimit      int
	newMessageID   func(now time.Time) string
}

// New creates a Correlator. Zero-valued limits take the package defaults.
func New(cfg Config) (*Correlator, error) {
	if cfg.Remote == nil {
		return nil, errors.New("remote is required")
	}

	c := &Correlator{
		remote:         cfg.Remote,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
		pollInterval:   cfg.PollInterval,
		pollLimit:      cfg.PollLimit,
		newMessageID:   cfg.NewMessageID,
	}
	if c.clock == nil {
		c.clock = RealClock()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.defaultTimeout <= 0 {
		c.defaultTimeout = DefaultTimeout
	}
	if c.maxTimeout > 0 && c.defaultTimeout > c.maxTimeout {
		c.defaultTimeout = c.maxTimeout
	}
	c.pollInterval = clampInterval(c.pollInterval, DefaultPollInterval)
	c.pollLimit = clampLimit(c.pollLimit, DefaultPollLimit)
	if c.newMessageID == nil {
		c.newMessageID = NewMessageID
	}
	return c, nil
}

// NewMessageID returns a client-generated message id: the submission time
// plus a random suffix, e.g. "msg_async_1700000000000_3f2a9c1e".
func NewMessageID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return fmt.Sprintf("msg_async_%d_%s", now.UnixMilli(), suffix)
}

// SubmitRequest is a message to post without waiting for the reply.
type SubmitRequest struct {
	Message   string
	SessionID string
	Directory string
}

// SubmitStatus is the outcome of a submission.
type SubmitStatus string

const (
	SubmitAccepted SubmitStatus = "submitted"
	SubmitBlocked  SubmitStatus = "blocked"
)

// SubmitResult is returned to the caller of opencode_submit.
type SubmitResult struct {
	Status         SubmitStatus `json:"status"`
	SessionID      string       `json:"session_id"`
	SessionCreated bool         `json:"session_created,omitempty"`
	MessageID      string       `json:"message_id,omitempty"`
	SubmittedAtMs  int64        `json:"submitted_at_ms,omitempty"`
	AsyncRequestID string       `json:"async_request_id,omitempty"`

	PendingQuestions []QuestionSummary `json:"pending_questions,omitempty"`
	Hint             string            `json:"hint,omitempty"`
}

// QuestionSummary describes one pending question request gating a session.
type QuestionSummary struct {
	RequestID     string   `json:"request_id"`
	QuestionCount int      `json:"question_count"`
	Headers       []string `json:"headers,omitempty"`
}

const blockedHint = "The session is waiting on pending questions. Answer them with opencode_question_answer " +
	"or dismiss them with opencode_question_reject, then retry."

// Submit posts a message asynchronously and returns a handle that
// opencode_await resolves later. Without a session id a new session is
// created first. A session gated by pending questions is not submitted to.
func (c *Correlator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	sessionID := req.SessionID
	created := false
	if sessionID == "" {
		sess, err := c.remote.CreateSession(ctx, req.Directory, "")
		if err != nil {
			return nil, fmt.Errorf("creating session: %w", err)
		}
		sessionID = sess.ID
		created = true
		c.logger.Info("created session for submission", "session_id", sessionID)
	} else {
		questions, err := c.remote.PendingQuestions(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("checking pending questions: %w", err)
		}
		if len(questions) > 0 {
			c.logger.Info("submission refused, session blocked",
				"session_id", sessionID,
				"pending_questions", len(questions),
			)
			return &SubmitResult{
				Status:           SubmitBlocked,
				SessionID:        sessionID,
				PendingQuestions: summarizeQuestions(questions),
				Hint:             blockedHint,
			}, nil
		}
	}

	now := c.clock.Now()
	messageID := c.newMessageID(now)
	if err := c.remote.PostAsyncMessage(ctx, sessionID, messageID, req.Message, req.Directory); err != nil {
		return nil, fmt.Errorf("posting message: %w", err)
	}

	submittedAt := now.UnixMilli()
	handle := asyncreq.EncodeHandle(asyncreq.Handle{
		SessionID:     sessionID,
		MessageID:     messageID,
		SubmittedAtMs: submittedAt,
	})

	c.logger.Debug("message submitted",
		"session_id", sessionID,
		"message_id", messageID,
	)

	return &SubmitResult{
		Status:         SubmitAccepted,
		SessionID:      sessionID,
		SessionCreated: created,
		MessageID:      messageID,
		SubmittedAtMs:  submittedAt,
		AsyncRequestID: handle,
	}, nil
}

func summarizeQuestions(questions []opencode.PendingQuestion) []QuestionSummary {
	out := make([]QuestionSummary, 0, len(questions))
	for _, q := range questions {
		s := QuestionSummary{RequestID: q.ID, QuestionCount: len(q.Questions)}
		for _, item := range q.Questions {
			if item.Header != "" {
				s.Headers = append(s.Headers, item.Header)
			}
		}
		out = append(out, s)
	}
	return out
}

func clampInterval(d, def time.Duration) time.Duration {
	if d <= 0 {
		d = def
	}
	if d < MinPollInterval {
		d = MinPollInterval
	}
	return d
}

func clampLimit(n, def int) int {
	if n <= 0 {
		n = def
	}
	if n > MaxPollLimit {
		n = MaxPollLimit
	}
	return n
}
