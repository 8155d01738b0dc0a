package domain

import (
	"encoding/json"
	"time"
)

// EventType tags one message in a session's conversation log.
type EventType string

const (
	// EventUser is a prompt from the user, or an envelope the agent
	// emits carrying tool results back into the conversation.
	EventUser EventType = "user"

	// EventSystem is a protocol frame from the agent. The init frame
	// carries the agent's session id.
	EventSystem EventType = "system"

	// EventAssistant is a model turn: text, tool calls, or thinking.
	EventAssistant EventType = "assistant"

	// EventResult is the terminal frame of a run with usage stats.
	EventResult EventType = "result"
)

// Event is one atomic message in a session's log. Events are
// append-only and form a parent chain per session.
type Event struct {
	UUID string `json:"uuid"`

	// MemvaSessionID is the owning session.
	MemvaSessionID string `json:"memva_session_id"`

	// SessionID is the agent's own session id at the time the event was
	// produced. Empty for user events appended before the agent has
	// assigned one. A session may accumulate several across resumes;
	// the latest non-empty value is the resume id.
	SessionID string `json:"session_id,omitempty"`

	EventType EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`

	// ParentUUID links to the previously stored event in the same
	// session. Nil only for a session's first event.
	ParentUUID *string `json:"parent_uuid"`

	IsSidechain bool   `json:"is_sidechain"`
	CWD         string `json:"cwd,omitempty"`
	ProjectName string `json:"project_name,omitempty"`

	// Data is the raw payload: the agent's frame verbatim, or a
	// synthesized user message. Opaque except for the fields the
	// pipeline inspects (type, subtype, session_id, content parts).
	Data json.RawMessage `json:"data"`

	// Visible filters protocol noise from UI reads. Init frames and
	// bare tool-result envelopes are stored invisible.
	Visible bool `json:"visible"`

	// SyncedAt is assigned by the store at append time.
	SyncedAt time.Time `json:"synced_at"`
}

// UserEventContent is the synthesized payload stored for prompts
// submitted over HTTP.
type UserEventContent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// NewUserEventData builds the data blob for a user prompt.
func NewUserEventData(prompt string) (json.RawMessage, error) {
	return json.Marshal(UserEventContent{Type: "user", Content: prompt})
}
