// Package permissions brokers tool-permission requests between the
// agent subprocess and the user. The MCP sidecar creates a request and
// blocks on WaitForDecision; the HTTP API answers it through Decide.
// Both sides talk only to the store, so they work across processes.
package permissions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/infrastructure/sqlite"
	"github.com/memva/memva/internal/log"
)

// DefaultPollInterval bounds how long a waiting sidecar takes to notice
// a decision.
const DefaultPollInterval = 200 * time.Millisecond

// Broker coordinates the permission request lifecycle.
type Broker struct {
	perms    *sqlite.PermissionRepository
	sessions *sqlite.SessionRepository
	events   *sqlite.EventRepository
	jobs     *sqlite.JobRepository

	pollInterval time.Duration
}

// NewBroker creates a broker over the given store.
func NewBroker(db *sqlite.DB) *Broker {
	return &Broker{
		perms:        db.PermissionRepository(),
		sessions:     db.SessionRepository(),
		events:       db.EventRepository(),
		jobs:         db.JobRepository(),
		pollInterval: DefaultPollInterval,
	}
}

// WithPollInterval overrides the wait loop's poll interval. Tests use
// short intervals to keep wait assertions fast.
func (b *Broker) WithPollInterval(d time.Duration) *Broker {
	if d > 0 {
		b.pollInterval = d
	}
	return b
}

// CreateRequest persists a new pending request, superseding any older
// pending one for the session, and flips the session to
// waiting_for_input so the UI surfaces it.
func (b *Broker) CreateRequest(ctx context.Context, sessionID, toolName, toolUseID string, input json.RawMessage) (*domain.PermissionRequest, error) {
	req := &domain.PermissionRequest{
		SessionID: sessionID,
		ToolName:  toolName,
		ToolUseID: toolUseID,
		Input:     input,
	}
	if err := b.perms.Create(ctx, req); err != nil {
		return nil, err
	}
	if err := b.sessions.UpdateClaudeStatus(ctx, sessionID, domain.ClaudeWaitingForInput); err != nil {
		log.ErrorErr(log.CatPerm, "failed to mark session waiting for input", err,
			"session_id", sessionID, "request_id", req.ID)
	}
	log.Info(log.CatPerm, "permission request created",
		"request_id", req.ID, "session_id", sessionID, "tool", toolName)
	return req, nil
}

// Decide resolves a pending request with the user's answer. The answer
// only lands while it can still reach the agent: the request must be
// pending and unexpired, the session must have an active run, and no
// newer user message may have arrived since the request was raised.
// Stale answers reject with a validation error; racing a concurrent
// decider reports a conflict.
func (b *Broker) Decide(ctx context.Context, id string, decision domain.Decision) (*domain.PermissionRequest, error) {
	if !decision.IsValid() {
		return nil, domain.NewValidation("decision", "must be allow or deny")
	}

	req, err := b.perms.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.PermissionPending {
		return nil, domain.NewConflict("permission request", "already "+string(req.Status))
	}
	if req.IsExpired(time.Now().UTC()) {
		return nil, domain.NewValidation("decision", "request has expired")
	}

	active, err := b.jobs.ActiveSessionRunJob(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, domain.NewValidation("decision", "session has no active run")
	}

	newer, err := b.events.HasUserEventAfter(ctx, req.SessionID, req.CreatedAt)
	if err != nil {
		return nil, err
	}
	if newer {
		return nil, domain.NewValidation("decision", "a newer user message supersedes this request")
	}

	decided, err := b.perms.Decide(ctx, id, decision)
	if err != nil {
		return nil, err
	}

	// The agent resumes work once its sidecar sees the answer.
	if err := b.sessions.UpdateClaudeStatus(ctx, req.SessionID, domain.ClaudeProcessing); err != nil {
		log.ErrorErr(log.CatPerm, "failed to restore processing status", err,
			"session_id", req.SessionID, "request_id", id)
	}
	log.Info(log.CatPerm, "permission request decided",
		"request_id", id, "session_id", req.SessionID, "decision", decision)
	return decided, nil
}

// Get returns a single request by id.
func (b *Broker) Get(ctx context.Context, id string) (*domain.PermissionRequest, error) {
	return b.perms.Get(ctx, id)
}

// List returns requests newest-first, optionally filtered.
func (b *Broker) List(ctx context.Context, filter sqlite.PermissionFilter) ([]*domain.PermissionRequest, error) {
	return b.perms.List(ctx, filter)
}

// ListDecorated returns requests with diff previews attached for the
// tools whose inputs render as file changes.
func (b *Broker) ListDecorated(ctx context.Context, filter sqlite.PermissionFilter) ([]*DecoratedRequest, error) {
	requests, err := b.perms.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	decorated := make([]*DecoratedRequest, len(requests))
	for i, req := range requests {
		decorated[i] = &DecoratedRequest{
			PermissionRequest: req,
			Preview:           BuildPreview(req.ToolName, req.Input),
		}
	}
	return decorated, nil
}

// PendingCounts reports the pending request count per session id in a
// single query. Sessions without pending requests are absent.
func (b *Broker) PendingCounts(ctx context.Context, sessionIDs []string) (map[string]int, error) {
	return b.perms.PendingCountsPerSession(ctx, sessionIDs)
}

// ExpireAfterUserMessage supersedes pending requests raised at or
// before the new user message. Prompts from the previous turn can no
// longer be answered once the conversation has moved on.
func (b *Broker) ExpireAfterUserMessage(ctx context.Context, sessionID string, userEventTime time.Time) (int, error) {
	n, err := b.perms.SupersedePendingBefore(ctx, sessionID, userEventTime)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info(log.CatPerm, "superseded pending requests after user message",
			"session_id", sessionID, "count", n)
	}
	return n, nil
}

// CancelForSession cancels every pending request for a session. Called
// when the session's run aborts so no sidecar waits on a dead run.
func (b *Broker) CancelForSession(ctx context.Context, sessionID string) (int, error) {
	n, err := b.perms.CancelPendingForSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info(log.CatPerm, "cancelled pending requests", "session_id", sessionID, "count", n)
	}
	return n, nil
}

// ExpireOverdue flips pending requests past their expires_at to
// expired. The maintenance job calls this on its sweep.
func (b *Broker) ExpireOverdue(ctx context.Context) (int, error) {
	return b.perms.ExpireOverdue(ctx, time.Now().UTC())
}

// WaitForDecision blocks until the request leaves pending, expires, or
// ctx ends, and returns the request in its terminal state. The sidecar
// calls this after CreateRequest; polling the store keeps the wait
// working across processes.
func (b *Broker) WaitForDecision(ctx context.Context, id string) (*domain.PermissionRequest, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		req, err := b.perms.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Status != domain.PermissionPending {
			return req, nil
		}
		if req.IsExpired(time.Now().UTC()) {
			// Record the outcome rather than waiting for the sweep. A
			// concurrent decider may win the guard; re-read either way.
			if err := b.perms.TransitionPending(ctx, id, domain.PermissionExpired); err != nil && !domain.IsConflict(err) {
				return nil, err
			}
			return b.perms.Get(ctx, id)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
