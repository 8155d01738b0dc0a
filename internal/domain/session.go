// Package domain defines the entities shared by the store, queue, agent
// runner, and HTTP layers. It contains only data types, enumerations,
// and error kinds; persistence and transport live elsewhere.
package domain

import "time"

// SessionStatus is the user-facing lifecycle of a session.
type SessionStatus string

const (
	// SessionActive means the session appears in normal listings and
	// accepts new prompts.
	SessionActive SessionStatus = "active"

	// SessionArchived means the session is hidden from listings but
	// retained for auditing. Archived sessions reject new prompts.
	SessionArchived SessionStatus = "archived"
)

// IsValid returns true if the status is a recognized session status.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionActive, SessionArchived:
		return true
	default:
		return false
	}
}

// ClaudeStatus tracks whether an agent run is in progress for a
// session. It is the single source of truth for "is the agent busy".
type ClaudeStatus string

const (
	// ClaudeNotStarted means no run has ever been executed.
	ClaudeNotStarted ClaudeStatus = "not_started"

	// ClaudeProcessing means a run is actively streaming messages.
	ClaudeProcessing ClaudeStatus = "processing"

	// ClaudeWaitingForInput means the run is blocked on a pending
	// permission decision.
	ClaudeWaitingForInput ClaudeStatus = "waiting_for_input"

	// ClaudeCompleted means the most recent run finished normally or
	// was aborted by the user.
	ClaudeCompleted ClaudeStatus = "completed"

	// ClaudeError means the most recent run timed out or failed.
	ClaudeError ClaudeStatus = "error"
)

// IsValid returns true if the status is a recognized agent status.
func (s ClaudeStatus) IsValid() bool {
	switch s {
	case ClaudeNotStarted, ClaudeProcessing, ClaudeWaitingForInput, ClaudeCompleted, ClaudeError:
		return true
	default:
		return false
	}
}

// PermissionMode controls how the agent's tool calls are gated.
type PermissionMode string

const (
	PermissionModeDefault     PermissionMode = "default"
	PermissionModeAcceptEdits PermissionMode = "acceptEdits"
	PermissionModeBypass      PermissionMode = "bypassPermissions"
	PermissionModePlan        PermissionMode = "plan"
)

// IsValid returns true if the mode is one the agent understands.
func (m PermissionMode) IsValid() bool {
	switch m {
	case PermissionModeDefault, PermissionModeAcceptEdits, PermissionModeBypass, PermissionModePlan:
		return true
	default:
		return false
	}
}

// SessionSettings holds per-session overrides of the global settings.
// Nil pointer fields mean "inherit the global value".
type SessionSettings struct {
	MaxTurns       *int            `json:"max_turns,omitempty"`
	PermissionMode *PermissionMode `json:"permission_mode,omitempty"`
}

// Validate checks that any present override is within range.
func (s *SessionSettings) Validate() error {
	if s == nil {
		return nil
	}
	if s.MaxTurns != nil && *s.MaxTurns < 1 {
		return NewValidation("max_turns", "must be at least 1")
	}
	if s.PermissionMode != nil && !s.PermissionMode.IsValid() {
		return NewValidation("permission_mode", "unknown mode")
	}
	return nil
}

// Session is the unit of user work: one conversation with the agent
// rooted at a project directory.
type Session struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	ProjectPath  string        `json:"project_path"`
	Status       SessionStatus `json:"status"`
	ClaudeStatus ClaudeStatus  `json:"claude_status"`

	// LatestClaudeSessionID is the agent's own session id from the most
	// recent run, used to resume. Empty until the agent's first init
	// frame arrives.
	LatestClaudeSessionID string `json:"latest_claude_session_id,omitempty"`

	// Settings overrides the global settings for this session only.
	Settings *SessionSettings `json:"settings,omitempty"`

	// Metadata is free-form JSON maintained by the session-sync job
	// (event counts, last activity, rollup stats).
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunInProgress reports whether an agent run currently owns the session.
func (s *Session) RunInProgress() bool {
	return s.ClaudeStatus == ClaudeProcessing || s.ClaudeStatus == ClaudeWaitingForInput
}

// GlobalSettings is the singleton row of daemon-wide agent defaults.
// Per-session settings override fields individually.
type GlobalSettings struct {
	MaxTurns         int            `json:"max_turns"`
	PermissionMode   PermissionMode `json:"permission_mode"`
	DefaultDirectory string         `json:"default_directory"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Validate checks the singleton's fields.
func (g *GlobalSettings) Validate() error {
	if g.MaxTurns < 1 {
		return NewValidation("max_turns", "must be at least 1")
	}
	if !g.PermissionMode.IsValid() {
		return NewValidation("permission_mode", "unknown mode")
	}
	return nil
}

// EffectiveSettings resolves the settings for one run: session
// overrides where present, globals otherwise.
func EffectiveSettings(global GlobalSettings, override *SessionSettings) GlobalSettings {
	out := global
	if override == nil {
		return out
	}
	if override.MaxTurns != nil {
		out.MaxTurns = *override.MaxTurns
	}
	if override.PermissionMode != nil {
		out.PermissionMode = *override.PermissionMode
	}
	return out
}
