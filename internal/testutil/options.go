package testutil

import (
	"encoding/json"
	"time"

	"github.com/memva/memva/internal/domain"
)

// sessionData holds all data for a session row to be inserted.
type sessionData struct {
	id                    string
	title                 string
	projectPath           string
	status                domain.SessionStatus
	claudeStatus          domain.ClaudeStatus
	latestClaudeSessionID string
	settings              *domain.SessionSettings
	metadata              map[string]any
	createdAt             time.Time
	updatedAt             time.Time
}

// defaultSession returns a sessionData with sensible defaults.
func defaultSession(id string) sessionData {
	now := time.Now()
	return sessionData{
		id:           id,
		title:        id, // Default title is the ID
		projectPath:  "/tmp/" + id,
		status:       domain.SessionActive,
		claudeStatus: domain.ClaudeNotStarted,
		createdAt:    now,
		updatedAt:    now,
	}
}

// SessionOption configures a session during builder setup.
type SessionOption func(*sessionData)

// Title sets the session title.
func Title(title string) SessionOption {
	return func(s *sessionData) { s.title = title }
}

// ProjectPath sets the session working directory.
func ProjectPath(path string) SessionOption {
	return func(s *sessionData) { s.projectPath = path }
}

// Archived marks the session archived.
func Archived() SessionOption {
	return func(s *sessionData) { s.status = domain.SessionArchived }
}

// ClaudeStatus sets the session's agent status.
func ClaudeStatus(status domain.ClaudeStatus) SessionOption {
	return func(s *sessionData) { s.claudeStatus = status }
}

// LatestClaudeSessionID sets the cached agent session id.
func LatestClaudeSessionID(id string) SessionOption {
	return func(s *sessionData) { s.latestClaudeSessionID = id }
}

// Settings sets the per-session overrides.
func Settings(settings *domain.SessionSettings) SessionOption {
	return func(s *sessionData) { s.settings = settings }
}

// Metadata sets the session rollup metadata.
func Metadata(metadata map[string]any) SessionOption {
	return func(s *sessionData) { s.metadata = metadata }
}

// SessionCreatedAt sets the session creation time.
func SessionCreatedAt(t time.Time) SessionOption {
	return func(s *sessionData) { s.createdAt = t; s.updatedAt = t }
}

// eventData holds all data for an event row to be inserted.
type eventData struct {
	uuid           string
	memvaSessionID string
	sessionID      string
	eventType      domain.EventType
	timestamp      time.Time
	parentUUID     *string
	isSidechain    bool
	cwd            string
	projectName    string
	data           json.RawMessage
	visible        bool
}

// defaultEvent returns an eventData with sensible defaults.
func defaultEvent(uuid, memvaSessionID string) eventData {
	return eventData{
		uuid:           uuid,
		memvaSessionID: memvaSessionID,
		eventType:      domain.EventUser,
		timestamp:      time.Now(),
		data:           json.RawMessage(`{"type":"user","content":"hello"}`),
		visible:        true,
	}
}

// EventOption configures an event during builder setup.
type EventOption func(*eventData)

// EventType sets the event type.
func EventType(eventType domain.EventType) EventOption {
	return func(e *eventData) { e.eventType = eventType }
}

// Timestamp sets the event timestamp.
func Timestamp(t time.Time) EventOption {
	return func(e *eventData) { e.timestamp = t }
}

// AgentSessionID sets the agent-side session id recorded on the event.
func AgentSessionID(id string) EventOption {
	return func(e *eventData) { e.sessionID = id }
}

// ParentUUID links the event to its parent.
func ParentUUID(uuid string) EventOption {
	return func(e *eventData) { e.parentUUID = &uuid }
}

// EventData sets the payload.
func EventData(data string) EventOption {
	return func(e *eventData) { e.data = json.RawMessage(data) }
}

// Invisible hides the event from UI reads.
func Invisible() EventOption {
	return func(e *eventData) { e.visible = false }
}

// Sidechain marks the event as belonging to a sidechain.
func Sidechain() EventOption {
	return func(e *eventData) { e.isSidechain = true }
}

// jobData holds all data for a job row to be inserted.
type jobData struct {
	id          string
	jobType     string
	data        json.RawMessage
	status      domain.JobStatus
	priority    int
	attempts    int
	maxAttempts int
	err         string
	result      json.RawMessage
	scheduledAt *time.Time
	startedAt   *time.Time
	completedAt *time.Time
	createdAt   time.Time
}

// defaultJob returns a jobData with sensible defaults.
func defaultJob(id, jobType string) jobData {
	return jobData{
		id:          id,
		jobType:     jobType,
		status:      domain.JobPending,
		priority:    domain.PriorityForType(jobType),
		maxAttempts: 3,
		createdAt:   time.Now(),
	}
}

// JobOption configures a job during builder setup.
type JobOption func(*jobData)

// JobStatus sets the job status.
func JobStatus(status domain.JobStatus) JobOption {
	return func(j *jobData) { j.status = status }
}

// Priority sets the job priority.
func Priority(priority int) JobOption {
	return func(j *jobData) { j.priority = priority }
}

// JobData sets the job payload.
func JobData(data string) JobOption {
	return func(j *jobData) { j.data = json.RawMessage(data) }
}

// RunPayload sets a session-runner payload for the given session.
func RunPayload(sessionID, prompt string) JobOption {
	return func(j *jobData) {
		data, _ := json.Marshal(domain.SessionRunPayload{SessionID: sessionID, Prompt: prompt})
		j.data = data
	}
}

// Attempts sets the attempt counter.
func Attempts(n int) JobOption {
	return func(j *jobData) { j.attempts = n }
}

// MaxAttempts sets the attempt ceiling.
func MaxAttempts(n int) JobOption {
	return func(j *jobData) { j.maxAttempts = n }
}

// JobError sets the recorded error message.
func JobError(msg string) JobOption {
	return func(j *jobData) { j.err = msg }
}

// ScheduledAt defers the job until the given time.
func ScheduledAt(t time.Time) JobOption {
	return func(j *jobData) { j.scheduledAt = &t }
}

// StartedAt sets the claim time.
func StartedAt(t time.Time) JobOption {
	return func(j *jobData) { j.startedAt = &t }
}

// CompletedAt sets the terminal time.
func CompletedAt(t time.Time) JobOption {
	return func(j *jobData) { j.completedAt = &t }
}

// JobCreatedAt sets the enqueue time, which breaks priority ties.
func JobCreatedAt(t time.Time) JobOption {
	return func(j *jobData) { j.createdAt = t }
}

// permissionData holds all data for a permission request row.
type permissionData struct {
	id        string
	sessionID string
	toolName  string
	toolUseID string
	input     json.RawMessage
	status    domain.PermissionStatus
	decision  *domain.Decision
	decidedAt *time.Time
	createdAt time.Time
	expiresAt time.Time
}

// defaultPermission returns a permissionData with sensible defaults.
func defaultPermission(id, sessionID, toolName string) permissionData {
	now := time.Now()
	return permissionData{
		id:        id,
		sessionID: sessionID,
		toolName:  toolName,
		status:    domain.PermissionPending,
		createdAt: now,
		expiresAt: now.Add(domain.PermissionTTL),
	}
}

// PermissionOption configures a permission request during builder setup.
type PermissionOption func(*permissionData)

// PermissionStatus sets the request status.
func PermissionStatus(status domain.PermissionStatus) PermissionOption {
	return func(p *permissionData) { p.status = status }
}

// Input sets the tool input payload.
func Input(input string) PermissionOption {
	return func(p *permissionData) { p.input = json.RawMessage(input) }
}

// ToolUseID sets the agent's tool use id.
func ToolUseID(id string) PermissionOption {
	return func(p *permissionData) { p.toolUseID = id }
}

// Decided records a decision and timestamp, setting the matching status.
func Decided(decision domain.Decision, at time.Time) PermissionOption {
	return func(p *permissionData) {
		p.decision = &decision
		p.decidedAt = &at
		if decision == domain.DecisionAllow {
			p.status = domain.PermissionApproved
		} else {
			p.status = domain.PermissionDenied
		}
	}
}

// PermissionCreatedAt sets the request creation time.
func PermissionCreatedAt(t time.Time) PermissionOption {
	return func(p *permissionData) { p.createdAt = t }
}

// ExpiresAt sets the request expiry.
func ExpiresAt(t time.Time) PermissionOption {
	return func(p *permissionData) { p.expiresAt = t }
}
