package testutil

import (
	"time"

	"github.com/memva/memva/internal/domain"
)

// WithActiveRun adds a session mid-run: one user event, a processing
// agent status, and a running session-runner job. The common fixture
// for permission answerability tests.
func (b *Builder) WithActiveRun(sessionID string) *Builder {
	now := time.Now()
	return b.
		WithSession(sessionID, ClaudeStatus(domain.ClaudeProcessing)).
		WithEvent(sessionID+"-user", sessionID,
			EventType(domain.EventUser), Timestamp(now.Add(-2*time.Second))).
		WithJob(sessionID+"-job", domain.JobTypeSessionRunner,
			JobStatus(domain.JobRunning), RunPayload(sessionID, "hello"),
			Attempts(1), StartedAt(now.Add(-time.Second)))
}

// WithCompletedRun adds a session after a finished run: the full
// user, system, assistant, and result chain plus a completed job. The
// agent session id is recorded on every agent-side event.
func (b *Builder) WithCompletedRun(sessionID, agentSessionID string) *Builder {
	base := time.Now().Add(-time.Minute)
	user := sessionID + "-user"
	system := sessionID + "-system"
	assistant := sessionID + "-assistant"
	result := sessionID + "-result"
	completed := base.Add(4 * time.Second)

	return b.
		WithSession(sessionID,
			ClaudeStatus(domain.ClaudeCompleted), LatestClaudeSessionID(agentSessionID)).
		WithEvent(user, sessionID,
			EventType(domain.EventUser), Timestamp(base)).
		WithEvent(system, sessionID,
			EventType(domain.EventSystem), Timestamp(base.Add(time.Second)),
			ParentUUID(user), AgentSessionID(agentSessionID),
			EventData(`{"type":"system","subtype":"init"}`), Invisible()).
		WithEvent(assistant, sessionID,
			EventType(domain.EventAssistant), Timestamp(base.Add(2*time.Second)),
			ParentUUID(system), AgentSessionID(agentSessionID),
			EventData(`{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}`)).
		WithEvent(result, sessionID,
			EventType(domain.EventResult), Timestamp(base.Add(3*time.Second)),
			ParentUUID(assistant), AgentSessionID(agentSessionID),
			EventData(`{"type":"result","subtype":"success"}`)).
		WithJob(sessionID+"-job", domain.JobTypeSessionRunner,
			JobStatus(domain.JobCompleted), RunPayload(sessionID, "hello"),
			Attempts(1), StartedAt(base), CompletedAt(completed), JobCreatedAt(base))
}
