package domain

import (
	"encoding/json"
	"time"
)

// PermissionStatus is the lifecycle of a tool-permission request.
// Transitions happen only out of pending.
type PermissionStatus string

const (
	PermissionPending    PermissionStatus = "pending"
	PermissionApproved   PermissionStatus = "approved"
	PermissionDenied     PermissionStatus = "denied"
	PermissionTimeout    PermissionStatus = "timeout"
	PermissionExpired    PermissionStatus = "expired"
	PermissionSuperseded PermissionStatus = "superseded"
	PermissionCancelled  PermissionStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s PermissionStatus) IsTerminal() bool {
	return s != PermissionPending
}

// IsValid returns true if the status is recognized.
func (s PermissionStatus) IsValid() bool {
	switch s {
	case PermissionPending, PermissionApproved, PermissionDenied, PermissionTimeout,
		PermissionExpired, PermissionSuperseded, PermissionCancelled:
		return true
	default:
		return false
	}
}

// Decision is the user's answer to a permission request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// IsValid returns true if the decision is allow or deny.
func (d Decision) IsValid() bool {
	return d == DecisionAllow || d == DecisionDeny
}

// PermissionTTL is how long a request stays answerable before the
// maintenance job expires it.
const PermissionTTL = 24 * time.Hour

// PermissionRequest is the agent asking to run a non-allowlisted tool.
// The MCP sidecar creates one and blocks on it; the decision endpoint
// resolves it. At most one pending request exists per session.
type PermissionRequest struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	ToolName  string `json:"tool_name"`

	// ToolUseID pairs the request with the agent's tool-call event.
	ToolUseID string `json:"tool_use_id,omitempty"`

	// Input is the tool's arguments verbatim.
	Input json.RawMessage `json:"input,omitempty"`

	Status   PermissionStatus `json:"status"`
	Decision *Decision        `json:"decision,omitempty"`

	DecidedAt *time.Time `json:"decided_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// IsExpired reports whether the request's answer window has passed.
func (p *PermissionRequest) IsExpired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}
