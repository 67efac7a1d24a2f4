// ABOUTME: In-memory OpenCode server for tests and local end-to-end runs.
// ABOUTME: Answers every prompt with an echo reply, optionally streamed over a delay.

package opencodetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/2389/opencode-bridge/internal/opencode"
)

// Server fakes the subset of the OpenCode HTTP API the bridge uses.
type Server struct {
	// Password enables basic auth checking when set.
	Password string
	// ReplyDelay keeps a reply streaming (session busy, partial text) for
	// this long before it completes. Zero replies instantly.
	ReplyDelay time.Duration
	// Reply builds the assistant text for a prompt.
	Reply func(prompt string) string
	// Version is reported by the health endpoint.
	Version string

	mu        sync.Mutex
	sessions  []opencode.Session
	messages  map[string][]map[string]any
	statuses  map[string]opencode.SessionStatus
	questions []opencode.PendingQuestion
	replied   []string
	rejected  []string
	silent    bool
	nextID    int
}

// New returns an empty fake.
func New() *Server {
	return &Server{
		Reply:    func(prompt string) string { return "echo: " + prompt },
		Version:  "0.0.0-fake",
		messages: make(map[string][]map[string]any),
		statuses: make(map[string]opencode.SessionStatus),
	}
}

func (s *Server) idLocked(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s_%d", prefix, s.nextID)
}

// AddSession creates a session and returns its id.
func (s *Server) AddSession(directory string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addSessionLocked(directory, "").ID
}

func (s *Server) addSessionLocked(directory, title string) opencode.Session {
	id := s.idLocked("ses")
	if title == "" {
		title = "session " + id
	}
	sess := opencode.Session{ID: id, Title: title, Directory: directory}
	s.sessions = append(s.sessions, sess)
	return sess
}

// Sessions returns a copy of every session.
func (s *Server) Sessions() []opencode.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]opencode.Session(nil), s.sessions...)
}

// AddQuestion gates a session with a one-question request and returns the
// request id.
func (s *Server) AddQuestion(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.idLocked("que")
	s.questions = append(s.questions, opencode.PendingQuestion{
		ID:        id,
		SessionID: sessionID,
		Questions: []opencode.Question{{
			Question: "Proceed?",
			Header:   "Confirm",
			Options:  []opencode.QuestionOption{{Label: "Yes"}, {Label: "No"}},
		}},
	})
	return id
}

// SetStatus records a session status; StatusIdle removes the entry, as
// the real service does.
func (s *Server) SetStatus(sessionID string, status opencode.StatusType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == opencode.StatusIdle {
		delete(s.statuses, sessionID)
		return
	}
	s.statuses[sessionID] = opencode.SessionStatus{Type: status}
}

// SetSilent stops (or resumes) replying to prompts.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// Replied returns the ids of answered question requests.
func (s *Server) Replied() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.replied...)
}

// Rejected returns the ids of rejected question requests.
func (s *Server) Rejected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rejected...)
}

func (s *Server) removeQuestionLocked(id string) bool {
	for i, q := range s.questions {
		if q.ID == id {
			s.questions = append(s.questions[:i], s.questions[i+1:]...)
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /global/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, opencode.Health{Healthy: true, Version: s.Version})
	})
	mux.HandleFunc("POST /session", s.handleCreateSession)
	mux.HandleFunc("GET /session", func(w http.ResponseWriter, r *http.Request) {
		dir := r.URL.Query().Get("directory")
		s.mu.Lock()
		defer s.mu.Unlock()
		out := []opencode.Session{}
		for _, sess := range s.sessions {
			if dir == "" || sess.Directory == dir {
				out = append(out, sess)
			}
		}
		writeJSON(w, out)
	})
	mux.HandleFunc("GET /session/status", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		writeJSON(w, s.statuses)
	})
	mux.HandleFunc("GET /session/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, sess := range s.sessions {
			if sess.ID == r.PathValue("id") {
				writeJSON(w, sess)
				return
			}
		}
		http.Error(w, "session not found", http.StatusNotFound)
	})
	mux.HandleFunc("POST /session/{id}/prompt_async", s.handlePrompt)
	mux.HandleFunc("GET /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		msgs := s.messages[r.PathValue("id")]
		// Like the real service: the newest limit messages, oldest first.
		if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && limit < len(msgs) {
			msgs = msgs[len(msgs)-limit:]
		}
		if msgs == nil {
			msgs = []map[string]any{}
		}
		writeJSON(w, msgs)
	})
	mux.HandleFunc("GET /question", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := append([]opencode.PendingQuestion{}, s.questions...)
		writeJSON(w, out)
	})
	mux.HandleFunc("POST /question/{id}/reply", func(w http.ResponseWriter, r *http.Request) {
		s.resolveQuestion(w, r.PathValue("id"), &s.replied)
	})
	mux.HandleFunc("POST /question/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
		s.resolveQuestion(w, r.PathValue("id"), &s.rejected)
	})
	mux.HandleFunc("GET /permission", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []opencode.Permission{})
	})

	return s.withAuth(mux)
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Password != "" {
			_, pass, ok := r.BasicAuth()
			if !ok || pass != s.Password {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, s.addSessionLocked(r.URL.Query().Get("directory"), body.Title))
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageID string `json:"messageID"`
		Parts     []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"parts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Parts) == 0 {
		http.Error(w, "invalid prompt", http.StatusBadRequest)
		return
	}
	sid := r.PathValue("id")
	prompt := body.Parts[0].Text

	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[sid] = append(s.messages[sid], map[string]any{
		"info":  map[string]any{"id": body.MessageID, "sessionID": sid, "role": "user"},
		"parts": []map[string]any{{"type": "text", "text": prompt}},
	})
	if s.silent {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	text := s.Reply(prompt)
	replyID := s.idLocked("msg")
	created := time.Now().UnixMilli()
	reply := func(text string, done bool) map[string]any {
		msgTime := map[string]any{"created": created}
		if done {
			msgTime["completed"] = time.Now().UnixMilli()
		}
		return map[string]any{
			"info": map[string]any{
				"id":        replyID,
				"sessionID": sid,
				"role":      "assistant",
				"parentID":  body.MessageID,
				"time":      msgTime,
			},
			"parts": []map[string]any{
				{"type": "step-start"},
				{"type": "text", "text": text},
			},
		}
	}

	if s.ReplyDelay <= 0 {
		s.messages[sid] = append(s.messages[sid], reply(text, true))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Stream: half the text now with the session busy, the rest later.
	idx := len(s.messages[sid])
	s.messages[sid] = append(s.messages[sid], reply(partial(text), false))
	s.statuses[sid] = opencode.SessionStatus{Type: opencode.StatusBusy}
	time.AfterFunc(s.ReplyDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.messages[sid][idx] = reply(text, true)
		delete(s.statuses, sid)
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resolveQuestion(w http.ResponseWriter, id string, into *[]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeQuestionLocked(id) {
		http.Error(w, "unknown question", http.StatusNotFound)
		return
	}
	*into = append(*into, id)
	writeJSON(w, true)
}

// partial returns the first half of text, split on a rune boundary.
func partial(text string) string {
	runes := []rune(text)
	return string(runes[:len(runes)/2])
}
