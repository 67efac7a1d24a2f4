// ABOUTME: Wire types for the remote chat-agent HTTP API.
// ABOUTME: Messages keep their raw JSON so field projection sees every remote field.

package opencode

import (
	"encoding/json"
	"strings"
)

// Session is a remote conversational context.
type Session struct {
	ID        string       `json:"id"`
	Title     string       `json:"title,omitempty"`
	Directory string       `json:"directory,omitempty"`
	ProjectID string       `json:"projectID,omitempty"`
	ParentID  string       `json:"parentID,omitempty"`
	Version   string       `json:"version,omitempty"`
	Time      *SessionTime `json:"time,omitempty"`
}

// SessionTime holds epoch-millisecond timestamps.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageInfo is the metadata block of a message.
type MessageInfo struct {
	ID        string       `json:"id"`
	SessionID string       `json:"sessionID,omitempty"`
	Role      Role         `json:"role"`
	ParentID  string       `json:"parentID,omitempty"`
	Time      *MessageTime `json:"time,omitempty"`
}

// MessageTime holds epoch-millisecond timestamps. Completed is zero while
// the message is still being generated.
type MessageTime struct {
	Created   int64 `json:"created"`
	Completed int64 `json:"completed,omitempty"`
}

// Part is one element of a message body. Only the fields the bridge reads
// are typed; everything else survives in Message.Raw.
type Part struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Message is a snapshot of a remote message.
type Message struct {
	Info  MessageInfo
	Parts []Part

	// Raw is the message exactly as the remote sent it.
	Raw json.RawMessage
}

type messageWire struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// UnmarshalJSON decodes the typed view and retains the original bytes.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Info = w.Info
	m.Parts = w.Parts
	m.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON emits the original bytes when available so no remote field is
// lost on the way back out.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	return json.Marshal(messageWire{Info: m.Info, Parts: m.Parts})
}

// Text joins the text parts of the message.
func (m *Message) Text() string {
	var texts []string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// StatusType is the activity state of a session.
type StatusType string

const (
	StatusIdle  StatusType = "idle"
	StatusBusy  StatusType = "busy"
	StatusRetry StatusType = "retry"
)

// SessionStatus is a transient hint about what a session is doing.
type SessionStatus struct {
	Type    StatusType `json:"type"`
	Attempt int        `json:"attempt,omitempty"`
	Message string     `json:"message,omitempty"`
	Next    int64      `json:"next,omitempty"`
}

// Active reports whether the session is still generating or recovering.
func (s *SessionStatus) Active() bool {
	if s == nil {
		return false
	}
	return s.Type == StatusBusy || s.Type == StatusRetry
}

// QuestionOption is one selectable answer of a pending question.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is a single prompt within a pending question request.
type Question struct {
	Question string           `json:"question"`
	Header   string           `json:"header"`
	Options  []QuestionOption `json:"options,omitempty"`
	Multiple bool             `json:"multiple,omitempty"`
}

// PendingQuestion is a human-in-the-loop gate. While any exist for a
// session, the agent makes no further progress in it.
type PendingQuestion struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionID"`
	Questions []Question `json:"questions"`
}

// Permission is an outstanding tool-permission request.
type Permission struct {
	ID         string `json:"id"`
	SessionID  string `json:"sessionID"`
	Permission string `json:"permission,omitempty"`
}

// Health is the remote service health report.
type Health struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version,omitempty"`
}
