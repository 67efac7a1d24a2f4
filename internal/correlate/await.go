// ABOUTME: Poll loop resolving an async handle to its assistant reply.
// ABOUTME: Terminates as resolved, streaming, blocked on pending questions, or timed out with diagnostics.

package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/2389/opencode-bridge/internal/asyncreq"
	"github.com/2389/opencode-bridge/internal/opencode"
)

// Outcome is the terminal state of one Await call.
type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeStreaming Outcome = "streaming"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeTimedOut  Outcome = "timeout"
)

const previewRunes = 280

const (
	streamingHint = "The reply is still being generated. Call opencode_await again with the same async_request_id for later output."
	awaitBlockedHint = "The session is waiting on pending questions. Answer them with opencode_question_answer " +
		"or dismiss them with opencode_question_reject, then call opencode_await again with the same async_request_id."
)

// AwaitRequest asks for the reply to a previously submitted message. Zero
// values take the correlator defaults.
type AwaitRequest struct {
	AsyncRequestID string
	Timeout        time.Duration
	PollInterval   time.Duration
	PollLimit      int
}

// AwaitResult is returned to the caller of opencode_await.
type AwaitResult struct {
	Outcome        Outcome `json:"outcome"`
	SessionID      string  `json:"session_id"`
	MessageID      string  `json:"message_id"`
	AsyncRequestID string  `json:"async_request_id"`

	ReplyMessageID string                  `json:"reply_message_id,omitempty"`
	Streaming      bool                    `json:"streaming"`
	Reply          *opencode.Message       `json:"reply"`
	ReplyText      string                  `json:"reply_text,omitempty"`
	Status         *opencode.SessionStatus `json:"status,omitempty"`

	ElapsedMs int64 `json:"elapsed_ms"`
	TimeoutMs int64 `json:"timeout_ms"`
	Polls     int   `json:"polls"`

	PendingQuestions []QuestionSummary `json:"pending_questions,omitempty"`
	Diagnostics      *Diagnostics      `json:"diagnostics,omitempty"`
	DiagnosticsError string            `json:"diagnostics_error,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
	Hint             string            `json:"hint,omitempty"`
}

// Diagnostics is collected on timeout so a caller can tell "nothing yet"
// apart from "activity unrelated to this message" and "waiting on a gate".
type Diagnostics struct {
	AssistantMessages      int    `json:"assistant_messages"`
	MatchingParent         int    `json:"matching_parent"`
	LatestAssistantID      string `json:"latest_assistant_id,omitempty"`
	LatestAssistantPreview string `json:"latest_assistant_preview,omitempty"`
	PendingPermissions     int    `json:"pending_permissions"`
	PendingQuestions       int    `json:"pending_questions"`
}

// Await polls the handle's session until the reply appears, the session
// blocks on pending questions, or the timeout elapses. Only a malformed
// handle, a permanent remote rejection, or context cancellation produce an
// error; transient fetch failures are retried on the next interval.
func (c *Correlator) Await(ctx context.Context, req AwaitRequest) (*AwaitResult, error) {
	h, err := asyncreq.DecodeHandle(req.AsyncRequestID)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	if c.maxTimeout > 0 && timeout > c.maxTimeout {
		timeout = c.maxTimeout
	}
	interval := clampInterval(req.PollInterval, c.pollInterval)

	w := &waiter{
		remote:  c.remote,
		clock:   c.clock,
		handle:  h,
		token:   req.AsyncRequestID,
		limit:   clampLimit(req.PollLimit, c.pollLimit),
		timeout: timeout,
		start:   c.clock.Now(),
		logger:  c.logger.With("session_id", h.SessionID, "message_id", h.MessageID),
	}
	deadline := w.start.Add(timeout)

	for {
		w.polls++
		res, err := w.poll(ctx)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var remoteErr *opencode.RemoteError
			if errors.As(err, &remoteErr) && remoteErr.Permanent() {
				return nil, err
			}
			w.lastErr = err
			w.logger.Warn("poll failed, will retry", "poll", w.polls, "error", err)
		case res != nil:
			w.logger.Debug("await finished", "outcome", res.Outcome, "polls", w.polls)
			return w.finish(res), nil
		}

		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			break
		}
		if err := c.clock.Sleep(ctx, min(interval, remaining)); err != nil {
			return nil, err
		}
	}

	w.logger.Info("await timed out", "polls", w.polls, "timeout_ms", timeout.Milliseconds())
	return w.finish(w.timedOut(ctx)), nil
}

// waiter carries the bookkeeping of one Await call.
type waiter struct {
	remote  Remote
	clock   Clock
	handle  asyncreq.Handle
	token   string
	limit   int
	timeout time.Duration
	start   time.Time
	logger  *slog.Logger

	polls     int
	window    []opencode.Message
	candidate *opencode.Message
	lastErr   error
}

// poll runs one iteration. A nil result with a nil error means keep waiting.
func (w *waiter) poll(ctx context.Context) (*AwaitResult, error) {
	msgs, err := w.remote.ListMessages(ctx, w.handle.SessionID, w.limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	w.window = msgs

	reply := latestReply(msgs, w.handle.MessageID)
	if reply == nil {
		// Questions only block while nothing has answered this message yet;
		// a question raised for a later turn must not hide a finished reply.
		questions, err := w.remote.PendingQuestions(ctx, w.handle.SessionID)
		if err != nil {
			return nil, fmt.Errorf("checking pending questions: %w", err)
		}
		if len(questions) > 0 {
			res := w.result(OutcomeBlocked)
			res.PendingQuestions = summarizeQuestions(questions)
			res.Hint = awaitBlockedHint
			return res, nil
		}
		return nil, nil
	}
	w.candidate = reply

	status, err := w.remote.SessionStatus(ctx, w.handle.SessionID)
	if err != nil {
		return nil, fmt.Errorf("reading session status: %w", err)
	}

	if !status.Active() {
		// The reply may have grown between the first fetch and the status
		// read; a second look picks up the completed version. Questions are
		// not re-checked after it.
		fresh, err := w.remote.ListMessages(ctx, w.handle.SessionID, w.limit)
		if err != nil {
			w.logger.Debug("refetch after idle status failed, using first window", "error", err)
		} else {
			w.window = fresh
			if r := latestReply(fresh, w.handle.MessageID); r != nil {
				reply = r
			}
		}
	}

	outcome := OutcomeResolved
	if status.Active() {
		outcome = OutcomeStreaming
	}
	res := w.result(outcome)
	res.Streaming = status.Active()
	res.Status = status
	res.Reply = reply
	res.ReplyMessageID = reply.Info.ID
	res.ReplyText = reply.Text()
	if res.Streaming {
		res.Hint = streamingHint
	}
	return res, nil
}

// timedOut builds the timeout report. Diagnostics are best effort: any
// failed sub-fetch leaves a minimal report instead of an error.
func (w *waiter) timedOut(ctx context.Context) *AwaitResult {
	res := w.result(OutcomeTimedOut)
	res.Reply = w.candidate
	if w.candidate != nil {
		res.ReplyMessageID = w.candidate.Info.ID
		res.ReplyText = w.candidate.Text()
	}
	if w.lastErr != nil {
		res.LastError = w.lastErr.Error()
	}

	status, err := w.remote.SessionStatus(ctx, w.handle.SessionID)
	if err != nil {
		res.DiagnosticsError = fmt.Sprintf("reading session status: %v", err)
		res.Hint = hintFor(nil)
		return res
	}
	res.Status = status
	// Streaming describes a reply; a busy session with none is not one.
	res.Streaming = w.candidate != nil && status.Active()

	diag, err := w.diagnose(ctx)
	if err != nil {
		w.logger.Debug("timeout diagnostics unavailable", "error", err)
		res.DiagnosticsError = err.Error()
		res.Hint = hintFor(nil)
		return res
	}
	res.Diagnostics = diag
	res.Hint = hintFor(diag)
	return res
}

func (w *waiter) diagnose(ctx context.Context) (*Diagnostics, error) {
	window := w.window
	if window == nil {
		msgs, err := w.remote.ListMessages(ctx, w.handle.SessionID, w.limit)
		if err != nil {
			return nil, fmt.Errorf("listing messages: %w", err)
		}
		window = msgs
	}

	var d Diagnostics
	for i := range window {
		m := &window[i]
		if m.Info.Role != opencode.RoleAssistant {
			continue
		}
		d.AssistantMessages++
		if m.Info.ParentID == w.handle.MessageID {
			d.MatchingParent++
		}
		d.LatestAssistantID = m.Info.ID
		d.LatestAssistantPreview = preview(m.Text())
	}

	perms, err := w.remote.ListPermissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing permissions: %w", err)
	}
	for _, p := range perms {
		if p.SessionID == w.handle.SessionID {
			d.PendingPermissions++
		}
	}

	questions, err := w.remote.PendingQuestions(ctx, w.handle.SessionID)
	if err != nil {
		return nil, fmt.Errorf("checking pending questions: %w", err)
	}
	d.PendingQuestions = len(questions)

	return &d, nil
}

func (w *waiter) result(outcome Outcome) *AwaitResult {
	return &AwaitResult{
		Outcome:        outcome,
		SessionID:      w.handle.SessionID,
		MessageID:      w.handle.MessageID,
		AsyncRequestID: w.token,
	}
}

func (w *waiter) finish(res *AwaitResult) *AwaitResult {
	res.ElapsedMs = w.clock.Now().Sub(w.start).Milliseconds()
	res.TimeoutMs = w.timeout.Milliseconds()
	res.Polls = w.polls
	return res
}

// latestReply returns the newest assistant message whose parent is
// messageID. Messages arrive oldest first.
func latestReply(msgs []opencode.Message, messageID string) *opencode.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := &msgs[i]
		if m.Info.Role == opencode.RoleAssistant && m.Info.ParentID == messageID {
			return m
		}
	}
	return nil
}

func hintFor(d *Diagnostics) string {
	const retry = " Call opencode_await again with the same async_request_id to keep waiting."
	switch {
	case d == nil:
		return "No reply yet." + retry
	case d.MatchingParent > 0:
		return "A reply exists but is not finished." + retry
	case d.PendingQuestions > 0:
		return "The session is waiting on pending questions; answer or reject them first." + retry
	case d.PendingPermissions > 0:
		return "The session is waiting on a permission request that must be resolved in the agent." + retry
	case d.AssistantMessages > 0:
		return "The agent is active but has not replied to this message yet." + retry
	default:
		return "No reply yet." + retry
	}
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewRunes]) + "…"
}
