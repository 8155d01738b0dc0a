package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/git"
	"github.com/memva/memva/internal/infrastructure/sqlite"
	"github.com/memva/memva/internal/log"
	"github.com/memva/memva/internal/queue"
)

// Metadata keys maintained by the session-sync rollup.
const (
	metaEventCount  = "event_count"
	metaLastEventAt = "last_event_at"
	metaGitBranch   = "git_branch"
	metaGitDirty    = "git_dirty"
)

// SessionSync refreshes per-session rollup metadata so listings can
// show activity without counting events per request. Archived sessions
// keep their last rollup frozen.
type SessionSync struct {
	sessions *sqlite.SessionRepository
	events   *sqlite.EventRepository
	queue    *queue.Manager
	git      git.Executor
	interval time.Duration
}

// NewSessionSync creates the session-sync handler. A nil git executor
// disables repository probing.
func NewSessionSync(db *sqlite.DB, q *queue.Manager, gitExec git.Executor, interval time.Duration) *SessionSync {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SessionSync{
		sessions: db.SessionRepository(),
		events:   db.EventRepository(),
		queue:    q,
		git:      gitExec,
		interval: interval,
	}
}

type sessionSyncSummary struct {
	Synced int `json:"synced"`
}

// rollup is the desired metadata state for one session.
type rollup struct {
	count  int
	lastAt string
	branch string
	dirty  bool
	hasGit bool
}

// Execute rolls up active sessions and reschedules itself.
func (h *SessionSync) Execute(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	sessions, err := h.sessions.List(ctx, sqlite.SessionFilter{Status: domain.SessionActive})
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	counts, err := h.events.CountBySession(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}

	synced := 0
	for _, s := range sessions {
		desired := rollup{count: counts[s.ID]}

		latest, err := h.events.LatestEvent(ctx, s.ID)
		switch {
		case err == nil:
			desired.lastAt = latest.Timestamp.UTC().Format(time.RFC3339Nano)
		case !domain.IsNotFound(err):
			return nil, err
		}

		h.probeGit(ctx, s, &desired)

		if rollupCurrent(s.Metadata, desired) {
			continue
		}

		meta := s.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		meta[metaEventCount] = desired.count
		if desired.lastAt != "" {
			meta[metaLastEventAt] = desired.lastAt
		}
		if desired.hasGit {
			meta[metaGitBranch] = desired.branch
			meta[metaGitDirty] = desired.dirty
		}
		if err := h.sessions.UpdateMetadata(ctx, s.ID, meta); err != nil {
			return nil, err
		}
		synced++
	}

	if _, err := h.queue.EnsureScheduled(ctx, domain.JobTypeSessionSync, time.Now().Add(h.interval)); err != nil {
		return nil, fmt.Errorf("rescheduling session-sync: %w", err)
	}
	return json.Marshal(sessionSyncSummary{Synced: synced})
}

// probeGit records the session checkout's branch and dirty state. A
// broken or missing repository never fails the rollup.
func (h *SessionSync) probeGit(ctx context.Context, s *domain.Session, desired *rollup) {
	if h.git == nil || s.ProjectPath == "" {
		return
	}
	if !h.git.IsRepo(ctx, s.ProjectPath) {
		return
	}
	branch, err := h.git.CurrentBranch(ctx, s.ProjectPath)
	if err != nil {
		log.Debug(log.CatJobs, "git branch probe failed", "session_id", s.ID, "error", err)
		return
	}
	dirty, err := h.git.HasUncommittedChanges(ctx, s.ProjectPath)
	if err != nil {
		log.Debug(log.CatJobs, "git status probe failed", "session_id", s.ID, "error", err)
		return
	}
	desired.branch = branch
	desired.dirty = dirty
	desired.hasGit = true
}

// rollupCurrent reports whether the stored metadata already matches.
// Counts arrive as float64 after a JSON round-trip.
func rollupCurrent(meta map[string]any, desired rollup) bool {
	if meta == nil {
		return desired.count == 0 && desired.lastAt == "" && !desired.hasGit
	}
	switch v := meta[metaEventCount].(type) {
	case float64:
		if int(v) != desired.count {
			return false
		}
	case int:
		if v != desired.count {
			return false
		}
	default:
		return false
	}
	if got, _ := meta[metaLastEventAt].(string); got != desired.lastAt {
		return false
	}
	if desired.hasGit {
		branch, _ := meta[metaGitBranch].(string)
		dirty, _ := meta[metaGitDirty].(bool)
		if branch != desired.branch || dirty != desired.dirty {
			return false
		}
	}
	return true
}
