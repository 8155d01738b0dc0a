package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/memva/memva/internal/infrastructure/sqlite"
)

// Builder accumulates test data and inserts it in the correct order.
// Rows are written directly so fixtures can pin timestamps and terminal
// statuses that the repositories assign themselves.
type Builder struct {
	t        *testing.T
	db       *sqlite.DB
	sessions []sessionData
	events   []eventData
	jobs     []jobData
	perms    []permissionData
}

// NewBuilder creates a builder for the given test database.
func NewBuilder(t *testing.T, db *sqlite.DB) *Builder {
	t.Helper()
	return &Builder{t: t, db: db}
}

// WithSession adds a session with optional configuration.
func (b *Builder) WithSession(id string, opts ...SessionOption) *Builder {
	session := defaultSession(id)
	for _, opt := range opts {
		opt(&session)
	}
	b.sessions = append(b.sessions, session)
	return b
}

// WithEvent adds an event belonging to the given session.
func (b *Builder) WithEvent(uuid, memvaSessionID string, opts ...EventOption) *Builder {
	event := defaultEvent(uuid, memvaSessionID)
	for _, opt := range opts {
		opt(&event)
	}
	b.events = append(b.events, event)
	return b
}

// WithJob adds a job with optional configuration.
func (b *Builder) WithJob(id, jobType string, opts ...JobOption) *Builder {
	job := defaultJob(id, jobType)
	for _, opt := range opts {
		opt(&job)
	}
	b.jobs = append(b.jobs, job)
	return b
}

// WithPermission adds a permission request for the given session.
func (b *Builder) WithPermission(id, sessionID, toolName string, opts ...PermissionOption) *Builder {
	perm := defaultPermission(id, sessionID, toolName)
	for _, opt := range opts {
		opt(&perm)
	}
	b.perms = append(b.perms, perm)
	return b
}

// Build inserts all accumulated data into the database.
func (b *Builder) Build() {
	b.t.Helper()
	// Insert in reference order: sessions first, then their dependents.
	for _, session := range b.sessions {
		b.insertSession(session)
	}
	for _, event := range b.events {
		b.insertEvent(event)
	}
	for _, job := range b.jobs {
		b.insertJob(job)
	}
	for _, perm := range b.perms {
		b.insertPermission(perm)
	}
}

func (b *Builder) insertSession(s sessionData) {
	b.t.Helper()
	_, err := b.db.Writer().Exec(
		`INSERT INTO sessions (id, title, project_path, status, claude_status, latest_claude_session_id,
			settings, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.id, s.title, s.projectPath, s.status, s.claudeStatus, s.latestClaudeSessionID,
		jsonText(b.t, s.settings), jsonText(b.t, s.metadata), timeText(s.createdAt), timeText(s.updatedAt),
	)
	require.NoError(b.t, err)
}

func (b *Builder) insertEvent(e eventData) {
	b.t.Helper()
	_, err := b.db.Writer().Exec(
		`INSERT INTO events (uuid, memva_session_id, session_id, event_type, timestamp, parent_uuid,
			is_sidechain, cwd, project_name, data, visible, synced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.uuid, e.memvaSessionID, e.sessionID, e.eventType, timeText(e.timestamp), e.parentUUID,
		e.isSidechain, e.cwd, e.projectName, string(e.data), e.visible, timeText(e.timestamp),
	)
	require.NoError(b.t, err)
}

func (b *Builder) insertJob(j jobData) {
	b.t.Helper()
	_, err := b.db.Writer().Exec(
		`INSERT INTO jobs (id, type, data, status, priority, attempts, max_attempts, error, result,
			scheduled_at, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.id, j.jobType, rawText(j.data), j.status, j.priority, j.attempts, j.maxAttempts, j.err, rawText(j.result),
		timeTextPtr(j.scheduledAt), timeTextPtr(j.startedAt), timeTextPtr(j.completedAt),
		timeText(j.createdAt), timeText(j.createdAt),
	)
	require.NoError(b.t, err)
}

func (b *Builder) insertPermission(p permissionData) {
	b.t.Helper()
	_, err := b.db.Writer().Exec(
		`INSERT INTO permission_requests (id, session_id, tool_name, tool_use_id, input, status,
			decision, decided_at, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.id, p.sessionID, p.toolName, p.toolUseID, rawText(p.input), p.status,
		p.decision, timeTextPtr(p.decidedAt), timeText(p.createdAt), timeText(p.expiresAt),
	)
	require.NoError(b.t, err)
}

func timeText(t time.Time) string {
	return t.UTC().Format(sqlite.TimeLayout)
}

func timeTextPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timeText(*t)
	return &s
}

func rawText(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

func jsonText(t *testing.T, v any) *string {
	t.Helper()
	switch value := v.(type) {
	case nil:
		return nil
	case map[string]any:
		if len(value) == 0 {
			return nil
		}
	}
	data, err := json.Marshal(v)
	require.NoError(t, err)
	if string(data) == "null" {
		return nil
	}
	s := string(data)
	return &s
}
