// Package events is the read/write surface over the append-only event
// log: prompt appends, incremental reads, batched homepage rollups, and
// the live SSE stream.
package events

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memva/memva/internal/cachemanager"
	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/infrastructure/sqlite"
)

// DefaultPageLimit caps incremental reads when the caller sets none.
const DefaultPageLimit = 200

// Hot reads are cached briefly; appends invalidate, so the TTL only
// bounds staleness for writes that bypass the pipeline.
const (
	cacheTTL             = 2 * time.Second
	cacheCleanupInterval = 30 * time.Second
)

// Pipeline owns event reads and writes for the HTTP layer and the agent
// streamer. Full-history and homepage reads go through short-TTL caches
// that appends invalidate.
type Pipeline struct {
	events   *sqlite.EventRepository
	sessions *sqlite.SessionRepository

	listStore *cachemanager.InMemoryCacheManager[string, []*domain.Event]
	listCache *cachemanager.ReadThroughCache[string, []*domain.Event, string]
	snippets  *cachemanager.InMemoryCacheManager[string, *domain.Event]

	pollInterval   time.Duration
	keepaliveAfter time.Duration
}

// NewPipeline creates the pipeline over the given store.
func NewPipeline(db *sqlite.DB) *Pipeline {
	p := &Pipeline{
		events:         db.EventRepository(),
		sessions:       db.SessionRepository(),
		listStore:      cachemanager.NewInMemoryCacheManager[string, []*domain.Event]("session-events", cacheTTL, cacheCleanupInterval),
		snippets:       cachemanager.NewInMemoryCacheManager[string, *domain.Event]("latest-assistant", cacheTTL, cacheCleanupInterval),
		pollInterval:   PollInterval,
		keepaliveAfter: KeepaliveInterval,
	}
	p.listCache = cachemanager.NewReadThroughCache[string, []*domain.Event, string](
		p.listStore,
		func(ctx context.Context, sessionID string) ([]*domain.Event, error) {
			return p.events.ListBySession(ctx, sessionID, sqlite.EventFilter{})
		},
		false,
	)
	return p
}

// WithStreamIntervals overrides the SSE poll and keepalive intervals.
// Tests use short intervals to keep stream assertions fast.
func (p *Pipeline) WithStreamIntervals(poll, keepalive time.Duration) *Pipeline {
	if poll > 0 {
		p.pollInterval = poll
	}
	if keepalive > 0 {
		p.keepaliveAfter = keepalive
	}
	return p
}

// ListOptions narrow an incremental read. The zero value returns the
// session's full visible history.
type ListOptions struct {
	// SinceTimestamp returns only events strictly newer than the instant.
	SinceTimestamp *time.Time

	// SinceEventUUID returns only events appended after the named event.
	// Takes precedence over SinceTimestamp.
	SinceEventUUID string

	// IncludeAll also returns hidden protocol frames.
	IncludeAll bool

	// Limit caps the page size; DefaultPageLimit when zero.
	Limit int
}

// Page is one read result with the cursors a poller needs to continue.
type Page struct {
	Events          []*domain.Event     `json:"events"`
	SessionStatus   domain.ClaudeStatus `json:"session_status"`
	HasMore         bool                `json:"has_more"`
	LatestEventID   string              `json:"latest_event_id,omitempty"`
	LatestTimestamp *time.Time          `json:"latest_timestamp,omitempty"`
}

// Append stores one event and invalidates the session's cached reads.
// The agent streamer appends through here so pollers never observe a
// stale page after a committed write.
func (p *Pipeline) Append(ctx context.Context, e *domain.Event) error {
	if err := p.events.Append(ctx, e); err != nil {
		return err
	}
	p.invalidate(ctx, e.MemvaSessionID)
	return nil
}

// AppendUserEvent synthesizes and stores a user prompt event, chained
// onto the session's latest event. User prompts are always visible.
func (p *Pipeline) AppendUserEvent(ctx context.Context, sessionID, prompt string) (*domain.Event, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, domain.NewValidation("prompt", "must not be empty")
	}
	session, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	data, err := domain.NewUserEventData(prompt)
	if err != nil {
		return nil, fmt.Errorf("encoding prompt: %w", err)
	}

	var parent *string
	latest, err := p.events.LatestEvent(ctx, sessionID)
	switch {
	case err == nil:
		parent = &latest.UUID
	case !domain.IsNotFound(err):
		return nil, err
	}

	projectName := ""
	if session.ProjectPath != "" {
		projectName = filepath.Base(session.ProjectPath)
	}

	event := &domain.Event{
		UUID:           uuid.NewString(),
		MemvaSessionID: sessionID,
		EventType:      domain.EventUser,
		Timestamp:      time.Now().UTC(),
		ParentUUID:     parent,
		CWD:            session.ProjectPath,
		ProjectName:    projectName,
		Data:           data,
		Visible:        true,
	}
	if err := p.Append(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// ListForSession reads one page of events plus the session's current
// status. Unfiltered visible-history reads are served from the cache;
// incremental and hidden-inclusive reads always hit the store.
func (p *Pipeline) ListForSession(ctx context.Context, sessionID string, opts ListOptions) (*Page, error) {
	session, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	page := &Page{SessionStatus: session.ClaudeStatus}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}

	incremental := opts.SinceEventUUID != "" || opts.SinceTimestamp != nil
	if !incremental && !opts.IncludeAll && opts.Limit <= 0 {
		events, err := p.listCache.Get(ctx, listKey(sessionID), sessionID, cacheTTL)
		if err != nil {
			return nil, err
		}
		page.Events = events
	} else {
		events, err := p.events.ListBySession(ctx, sessionID, sqlite.EventFilter{
			IncludeHidden:  opts.IncludeAll,
			SinceTimestamp: opts.SinceTimestamp,
			SinceEventUUID: opts.SinceEventUUID,
			Limit:          limit + 1,
		})
		if err != nil {
			return nil, err
		}
		if len(events) > limit {
			events = events[:limit]
			page.HasMore = true
		}
		page.Events = events
	}

	if n := len(page.Events); n > 0 {
		last := page.Events[n-1]
		page.LatestEventID = last.UUID
		ts := last.Timestamp
		page.LatestTimestamp = &ts
	}
	return page, nil
}

// LatestAssistantPerSession loads the newest visible assistant event
// for each session, serving cache hits and batching the misses into one
// query. Sessions without an assistant event are absent.
func (p *Pipeline) LatestAssistantPerSession(ctx context.Context, sessionIDs []string) (map[string]*domain.Event, error) {
	if len(sessionIDs) == 0 {
		return map[string]*domain.Event{}, nil
	}

	keys := make([]string, len(sessionIDs))
	for i, id := range sessionIDs {
		keys[i] = snippetKey(id)
	}
	cached, _ := p.snippets.GetMultiple(ctx, keys)

	result := make(map[string]*domain.Event, len(sessionIDs))
	var missing []string
	for _, id := range sessionIDs {
		if ev, ok := cached[snippetKey(id)]; ok {
			result[id] = ev
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}

	loaded, err := p.events.LatestAssistantEventPerSession(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, ev := range loaded {
		result[id] = ev
		p.snippets.Set(ctx, snippetKey(id), ev, cacheTTL)
	}
	return result, nil
}

// CountsPerSession returns event counts for the given sessions. The
// session-sync job reads these fresh, so no cache sits in front.
func (p *Pipeline) CountsPerSession(ctx context.Context, sessionIDs []string) (map[string]int, error) {
	return p.events.CountBySession(ctx, sessionIDs)
}

// LatestEvent returns the session's most recent event regardless of
// visibility, or not found when none exists yet.
func (p *Pipeline) LatestEvent(ctx context.Context, sessionID string) (*domain.Event, error) {
	return p.events.LatestEvent(ctx, sessionID)
}

func (p *Pipeline) invalidate(ctx context.Context, sessionID string) {
	_ = p.listStore.Delete(ctx, listKey(sessionID))
	_ = p.snippets.Delete(ctx, snippetKey(sessionID))
}

func listKey(sessionID string) string    { return "events:" + sessionID }
func snippetKey(sessionID string) string { return "assistant:" + sessionID }
