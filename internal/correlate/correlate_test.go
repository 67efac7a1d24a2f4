// ABOUTME: Tests for submission and the reply poll loop.
// ABOUTME: Drives a scripted fake remote with a clock that advances instantly on Sleep.

package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opencode-bridge/internal/asyncreq"
	"github.com/2389/opencode-bridge/internal/opencode"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

type postedMessage struct {
	sessionID, messageID, text, directory string
}

// fakeRemote answers each call from a script keyed by the 1-based call number.
type fakeRemote struct {
	mu sync.Mutex

	messages    func(call int) ([]opencode.Message, error)
	status      func(call int) (*opencode.SessionStatus, error)
	questions   func(call int) ([]opencode.PendingQuestion, error)
	permissions []opencode.Permission
	permErr     error
	createErr   error

	listCalls     int
	statusCalls   int
	questionCalls int
	createCalls   int
	limits        []int
	posted        []postedMessage
}

func (f *fakeRemote) CreateSession(_ context.Context, directory, _ string) (*opencode.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &opencode.Session{ID: "ses_new", Directory: directory}, nil
}

func (f *fakeRemote) PostAsyncMessage(_ context.Context, sessionID, messageID, text, directory string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, postedMessage{sessionID, messageID, text, directory})
	return nil
}

func (f *fakeRemote) ListMessages(_ context.Context, _ string, limit int) ([]opencode.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	f.limits = append(f.limits, limit)
	if f.messages == nil {
		return nil, nil
	}
	return f.messages(f.listCalls)
}

func (f *fakeRemote) SessionStatus(_ context.Context, _ string) (*opencode.SessionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.status == nil {
		return nil, nil
	}
	return f.status(f.statusCalls)
}

func (f *fakeRemote) PendingQuestions(_ context.Context, _ string) ([]opencode.PendingQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questionCalls++
	if f.questions == nil {
		return nil, nil
	}
	return f.questions(f.questionCalls)
}

func (f *fakeRemote) ListPermissions(context.Context) ([]opencode.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permissions, f.permErr
}

func msg(id string, role opencode.Role, parent, text string) opencode.Message {
	m := opencode.Message{Info: opencode.MessageInfo{ID: id, Role: role, ParentID: parent}}
	if text != "" {
		m.Parts = []opencode.Part{{Type: "text", Text: text}}
	}
	return m
}

func always[T any](v T) func(int) (T, error) {
	return func(int) (T, error) { return v, nil }
}

func idle() func(int) (*opencode.SessionStatus, error) {
	return always(&opencode.SessionStatus{Type: opencode.StatusIdle})
}

func newTestCorrelator(t *testing.T, remote *fakeRemote, clock *fakeClock) *Correlator {
	t.Helper()
	c, err := New(Config{
		Remote:       remote,
		Clock:        clock,
		NewMessageID: func(time.Time) string { return "msg_async_1000_abc" },
	})
	require.NoError(t, err)
	return c
}

func testHandle(sessionID, messageID string) string {
	return asyncreq.EncodeHandle(asyncreq.Handle{SessionID: sessionID, MessageID: messageID, SubmittedAtMs: 1000})
}

func TestNew_RequiresRemote(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestSubmitThenAwait_Resolved(t *testing.T) {
	clock := newFakeClock()
	remote := &fakeRemote{
		messages: func(call int) ([]opencode.Message, error) {
			user := msg("msg_async_1000_abc", opencode.RoleUser, "", "ping")
			if call == 1 {
				return []opencode.Message{user}, nil
			}
			return []opencode.Message{user, msg("m2", opencode.RoleAssistant, "msg_async_1000_abc", "pong")}, nil
		},
		status: idle(),
	}
	c := newTestCorrelator(t, remote, clock)

	sub, err := c.Submit(context.Background(), SubmitRequest{Message: "ping", SessionID: "ses_1"})
	require.NoError(t, err)
	assert.Equal(t, SubmitAccepted, sub.Status)
	assert.Equal(t, "ses_1", sub.SessionID)
	assert.Equal(t, "msg_async_1000_abc", sub.MessageID)
	assert.Equal(t, int64(1000), sub.SubmittedAtMs)
	require.Len(t, remote.posted, 1)
	assert.Equal(t, postedMessage{"ses_1", "msg_async_1000_abc", "ping", ""}, remote.posted[0])

	h, err := asyncreq.DecodeHandle(sub.AsyncRequestID)
	require.NoError(t, err)
	assert.Equal(t, asyncreq.Handle{SessionID: "ses_1", MessageID: "msg_async_1000_abc", SubmittedAtMs: 1000}, h)

	res, err := c.Await(context.Background(), AwaitRequest{AsyncRequestID: sub.AsyncRequestID})
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, res.Outcome)
	assert.Equal(t, "m2", res.ReplyMessageID)
	assert.False(t, res.Streaming)
	assert.Equal(t, "pong", res.ReplyText)
	assert.Equal(t, 2, res.Polls)
	assert.Equal(t, int64(500), res.ElapsedMs)
	assert.Equal(t, int64(30_000), res.TimeoutMs)
	require.NotNil(t, res.Status)
	assert.Equal(t, opencode.StatusIdle, res.Status.Type)
}

func TestAwait_PicksLatestMatchingReply(t *testing.T) {
	remote := &fakeRemote{
		messages: always([]opencode.Message{
			msg("u1", opencode.RoleUser, "", "ping"),
			msg("m2", opencode.RoleAssistant, "u1", "first"),
			msg("m3", opencode.RoleAssistant, "u1", "second"),
			msg("u4", opencode.RoleUser, "", "other"),
			msg("m5", opencode.RoleAssistant, "u4", "unrelated"),
		}),
		status: idle(),
	}
	c := newTestCorrelator(t, remote, newFakeClock())

	res, err := c.Await(context.Background(), AwaitRequest{AsyncRequestID: testHandle("ses_1", "u1")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, res.Outcome)
	assert.Equal(t, "m3", res.ReplyMessageID)
	assert.Equal(t, "second", res.ReplyText)
}

func TestAwait_IdleRefetchPrefersFreshReply(t *testing.T) {
	remote := &fakeRemote{
		messages: func(call int) ([]opencode.Message, error) {
			if call == 1 {
				return []opencode.Message{msg("m2", opencode.RoleAssistant, "u1", "po")}, nil
			}
			return []opencode.Message{msg("m2", opencode.RoleAssistant, "u1", "pong")}, nil
		},
		status: idle(),
	}
	c := newTestCorrelator(t, remote, newFakeClock())

	res, err := c.Await(context.Background(), AwaitRequest{AsyncRequestID: testHandle("ses_1", "u1")})
	require.NoError(t, err)
	assert.Equal(t, "pong", res.ReplyText)
	assert.Equal(t, 2, remote.listCalls)
	assert.Equal(t, 1, res.Polls)
}

func TestAwait_AbsentStatusTreatedAsSettled(t *testing.T) {
	remote := &fakeRemote{
		messages: always([]opencode.Message{msg("m2", opencode.RoleAssistant, "u1", "done")}),
	}
	c := newTestCorrelator(t, remote, newFakeClock())

	res, err := c.Await(context.Background(), AwaitRequest{AsyncRequestID: testHandle("ses_1", "u1")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, res.Outcome)
	assert.False(t, res.Streaming)
	assert.Nil(t, res.Status)
}

func TestAwait_Streaming(t *testing.T) {
	for _, st := range []opencode.StatusType{opencode.StatusBusy, opencode.StatusRetry} {
		t.Run(string(st), func(t *testing.T) {
			remote := &fakeRemote{
				messages: always([]opencode.Message{msg("m2", opencode.RoleAssistant, "u1", "partial")}),
				status:   always(&opencode.SessionStatus{Type: st}),
			}
			c := newTestCorrelator(t, remote, newFakeClock())

			res, err := c.Await(context.Background(), AwaitRequest{AsyncRequestID: testHandle("ses_1", "u1")})
			require.NoError(t, err)
			assert.Equal(t, OutcomeStreaming, res.Outcome)
			assert.True(t, res.Streaming)
			assert.Equal(t, "partial", res.ReplyText)
			assert.NotEmpty(t, res.Hint)
			assert.Equal(t, 1, remote.listCalls, "no refetch while the session is active")
		})
	}
}

func TestAwait_BlockedOnFirstPoll(t *testing.T) {
	clock := newFakeClock()
	remote := &fakeRemote{
		messages: always([]opencode.Message{msg("u1", opencode.RoleUser, "", "ping")}),
		questions: always([]opencode.PendingQuestion{{
			ID:        "que_1",
			SessionID: "ses_1",
			Questions: []opencode.Question{{Question: "Deploy now?", Header: "Deploy"}, {Question: "Which env?"}},
		}}),
	}
	c := newTestCorrelator(t, remote, clock)

	res, err := c.Await(context.Background(), AwaitRequest{AsyncRequestID: testHandle("ses_1", "u1")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, 1, res.Polls)
	assert.Empty(t, clock.sleeps)
	assert.Nil(t, res.Reply)
	require.Len(t, res.PendingQuestions, 1)
	assert.Equal(t, QuestionSummary{RequestID: "que_1", QuestionCount: 2, Headers: []string{"Deploy"}}, res.PendingQuestions[0])
}

func TestAwait_QuestionDoesNotMaskReply(t *testing.T) {
	remote := &fakeRemote{
		messages:  always([]opencode.Message{msg("m2", opencode.RoleAssistant, "u1", "pong")}),
		status:    idle(),
		questions: always([]opencode.PendingQuestion{{ID: "que_later", SessionID: "ses_1"}}),
	}
	c := newTestCorrelator(t, remote, newFakeClock())

	res, err := c.Await(context.Background(), AwaitRequest{AsyncRequestID: testHandle("ses_1", "u1")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, res.Outcome)
	assert.Equal(t, 0, remote.questionCalls)
}

func TestAwait_TimeoutWithDiagnostics(t *testing.T) {
	clock := newFakeClock()
	remote := &fakeRemote{
		messages: always([]opencode.Message{
			msg("u1", opencode.RoleUser, "", "ping"),
			msg("m9", opencode.RoleAssistant, "u0", strings.Repeat("x", 400)),
		}),
		status: always(&opencode.SessionStatus{Type: opencode.StatusBusy}),
		permissions: []opencode.Permission{
			{ID: "per_1", SessionID: "ses_1"},
			{ID: "per_2", SessionID: "ses_other"},
		},
	}
	c := newTestCorrelator(t, remote, clock)

	res, err := c.Await(context.Background(), AwaitRequest{
		AsyncRequestID: testHandle("ses_1", "u1"),
		Timeout:        2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.Equal(t, 5, res.Polls)
	assert.Equal(t, int64(2000), res.ElapsedMs)
	assert.Nil(t, res.Reply)
	assert.False(t, res.Streaming, "busy session without a reply")
	require.NotNil(t, res.Status)
	assert.Equal(t, opencode.StatusBusy, res.Status.Type)

	require.NotNil(t, res.Diagnostics)
	assert.Equal(t, 1, res.Diagnostics.AssistantMessages)
	assert.Equal(t, 0, res.Diagnostics.MatchingParent)
	assert.Equal(t, "m9", res.Diagnostics.LatestAssistantID)
	assert.True(t, strings.HasSuffix(res.Diagnostics.LatestAssistantPreview, "…"))
	assert.Equal(t, 1, res.Diagnostics.PendingPermissions)
	assert.Equal(t, 0, res.Diagnostics.PendingQuestions)
	assert.Contains(t, res.Hint, "permission")

	for _, d := range clock.sleeps {
		assert.Equal(t, 500*time.Millisecond, d)
	}
}

func TestAwait_TimeoutWithCandidateReportsStreaming(t *testing.T) {
	unavailable := &opencode.RemoteError{Method: http.MethodGet, Path: "/session/status", StatusCode: http.StatusServiceUnavailable}
	remote := &fakeRemote{
		messages: always([]opencode.Message{
			msg("u1", opencode.RoleUser, "", "ping"),
			msg("m2", opencode.RoleAssistant, "u1", "po"),
		}),
		// Status reads fail while polling and recover for the timeout report.
		status: func(n int) (*opencode.SessionStatus, error) {
			if n <= 5 {
				return nil, unavailable
			}
			return &opencode.SessionStatus{Type: opencode.StatusBusy}, nil
		},
	}
	c := newTestCorrelator(t, remote, newFakeClock())

	res, err := c.Await(context.Background(), AwaitRequest{
		AsyncRequestID: testHandle("ses_1", "u1"),
		Timeout:        2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	require.NotNil(t, res.Reply)
	assert.Equal(t, "m2", res.ReplyMessageID)
	assert.True(t, res.Streaming)
	assert.NotEmpty(t, res.LastError)
}

func TestAwait_TimeoutDiagnosticsDegrade(t *testing.T) {
	remote := &fakeRemote{
		messages: always([]opencode.Message(nil)),
		permErr:  &opencode.RemoteError{Method: http.MethodGet, Path: "/permission", StatusCode: http.StatusInternalServerError},
	}
	c := newTestCorrelator(t, remote, newFakeClock())

	res, err := c.Await(context.Background(), AwaitRequest{
		AsyncRequestID: testHandle("ses_1", "u1"),
		Timeout:        time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.Nil(t, res.Diagnostics)
	assert.Contains(t, res.DiagnosticsError, "permissions")
	assert.NotEmpty(t, res.Hint)
}

func TestAwait_TransientErrorsAreRetried(t *testing.T) {
	remote := &fakeRemote{
		messages: func(call int) ([]opencode.Message, error) {
			if call == 1 {
				return nil, &opencode.RemoteError{Method: http.MethodGet, Path: "/session/ses_1/message", StatusCode: http.StatusBadGateway}
			}
			return []opencode.Message{msg("m2", opencode.RoleAssistant, "u1", "pong")}, nil
		},
		status: idle(),
	}
	c := newTestCorrelator(t, remote, newFakeClock())

	res, err := c.Await(context.Background(), AwaitRequest{AsyncRequestID: testHandle("ses_1", "u1")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, res.Outcome)
	assert.Equal(t, 2, res.Polls)
}

func TestAwait_TimeoutReportsLastError(t *testing.T) {
	remote := &fakeRemote{
		messages: func(int) ([]opencode.Message, error) {
			return nil, &opencode.RemoteError{Method: http.MethodGet, Path: "/session/ses_1/message", Err: errors.New("connection refused")}
		},
	}
	c := newTestCorrelator(t, remote, newFakeClock())

	res, err := c.Await(context.Background(), AwaitRequest{
		AsyncRequestID: testHandle("ses_1", "u1"),
		Timeout:        time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.Contains(t, res.LastError, "connection refused")
	assert.NotEmpty(t, res.DiagnosticsError)
}

func TestAwait_PermanentErrorFails(t *testing.T) {
	remote := &fakeRemote{
		messages: func(int) ([]opencode.Message, error) {
			return nil, &opencode.RemoteError{Method: http.MethodGet, Path: "/session/ses_gone/message", StatusCode: http.StatusNotFound}
		},
	}
	c := newTestCorrelator(t, remote, newFakeClock())

	_, err := c.Await(context.Background(), AwaitRequest{AsyncRequestID: testHandle("ses_gone", "u1")})
	require.Error(t, err)
	assert.ErrorIs(t, err, opencode.ErrRemoteCallFailed)
	assert.Equal(t, 1, remote.listCalls)
}

func TestAwait_InvalidHandleFailsBeforeNetwork(t *testing.T) {
	remote := &fakeRemote{}
	c := newTestCorrelator(t, remote, newFakeClock())

	_, err := c.Await(context.Background(), AwaitRequest{AsyncRequestID: "definitely-not-a-handle"})
	require.Error(t, err)
	assert.ErrorIs(t, err, asyncreq.ErrInvalidHandle)
	assert.Equal(t, 0, remote.listCalls)
}

func TestAwait_ClampsIntervalAndLimit(t *testing.T) {
	clock := newFakeClock()
	remote := &fakeRemote{messages: always([]opencode.Message(nil))}
	c := newTestCorrelator(t, remote, clock)

	_, err := c.Await(context.Background(), AwaitRequest{
		AsyncRequestID: testHandle("ses_1", "u1"),
		Timeout:        time.Second,
		PollInterval:   10 * time.Millisecond,
		PollLimit:      1000,
	})
	require.NoError(t, err)

	require.NotEmpty(t, clock.sleeps)
	assert.Equal(t, MinPollInterval, clock.sleeps[0])
	for _, limit := range remote.limits {
		assert.Equal(t, MaxPollLimit, limit)
	}
}

func TestAwait_MaxTimeoutCaps(t *testing.T) {
	clock := newFakeClock()
	remote := &fakeRemote{messages: always([]opencode.Message(nil))}
	c, err := New(Config{Remote: remote, Clock: clock, MaxTimeout: time.Second})
	require.NoError(t, err)

	res, err := c.Await(context.Background(), AwaitRequest{
		AsyncRequestID: testHandle("ses_1", "u1"),
		Timeout:        time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.TimeoutMs)
}

func TestAwait_ResultSerializesNullReply(t *testing.T) {
	remote := &fakeRemote{
		messages:  always([]opencode.Message(nil)),
		questions: always([]opencode.PendingQuestion{{ID: "q", SessionID: "ses_1"}}),
	}
	c := newTestCorrelator(t, remote, newFakeClock())

	res, err := c.Await(context.Background(), AwaitRequest{AsyncRequestID: testHandle("ses_1", "u1")})
	require.NoError(t, err)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"reply":null`)
	assert.Contains(t, string(data), `"outcome":"blocked"`)
}

func TestSubmit_BlockedSessionIsNotSubmitted(t *testing.T) {
	remote := &fakeRemote{
		questions: always([]opencode.PendingQuestion{{ID: "que_1", SessionID: "ses_1", Questions: []opencode.Question{{Header: "Confirm"}}}}),
	}
	c := newTestCorrelator(t, remote, newFakeClock())

	res, err := c.Submit(context.Background(), SubmitRequest{Message: "ping", SessionID: "ses_1"})
	require.NoError(t, err)
	assert.Equal(t, SubmitBlocked, res.Status)
	assert.Empty(t, res.AsyncRequestID)
	assert.Empty(t, remote.posted)
	require.Len(t, res.PendingQuestions, 1)
	assert.Equal(t, "que_1", res.PendingQuestions[0].RequestID)
}

func TestSubmit_CreatesSessionWhenMissing(t *testing.T) {
	remote := &fakeRemote{}
	c := newTestCorrelator(t, remote, newFakeClock())

	res, err := c.Submit(context.Background(), SubmitRequest{Message: "hello", Directory: "/repo"})
	require.NoError(t, err)
	assert.Equal(t, SubmitAccepted, res.Status)
	assert.True(t, res.SessionCreated)
	assert.Equal(t, "ses_new", res.SessionID)
	assert.Equal(t, 1, remote.createCalls)
	assert.Equal(t, 0, remote.questionCalls)
	require.Len(t, remote.posted, 1)
	assert.Equal(t, "/repo", remote.posted[0].directory)
}

func TestSubmit_Errors(t *testing.T) {
	c := newTestCorrelator(t, &fakeRemote{}, newFakeClock())
	_, err := c.Submit(context.Background(), SubmitRequest{Message: "   ", SessionID: "ses_1"})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	failing := &fakeRemote{createErr: &opencode.RemoteError{Method: http.MethodPost, Path: "/session", StatusCode: http.StatusInternalServerError}}
	c = newTestCorrelator(t, failing, newFakeClock())
	_, err = c.Submit(context.Background(), SubmitRequest{Message: "hi"})
	assert.ErrorIs(t, err, opencode.ErrRemoteCallFailed)
	assert.Empty(t, failing.posted)
}

func TestNewMessageID(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	a := NewMessageID(now)
	b := NewMessageID(now)

	assert.True(t, strings.HasPrefix(a, "msg_async_1700000000000_"), a)
	assert.NotEqual(t, a, b)
}
