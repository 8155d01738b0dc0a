package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/infrastructure/sqlite"
	"github.com/memva/memva/internal/log"
	"github.com/memva/memva/internal/permissions"
	"github.com/memva/memva/internal/queue"
)

// DefaultStaleAfter is how long a job may sit running before the sweep
// declares its worker lost. Longer than the default run timeout, so a
// legitimate run always finishes or times out first.
const DefaultStaleAfter = 35 * time.Minute

// Maintenance sweeps the store: overdue pending permissions expire,
// jobs abandoned by lost workers fail, and sessions a crash left
// mid-run are reset. Reschedules itself on success.
type Maintenance struct {
	broker     *permissions.Broker
	jobs       *sqlite.JobRepository
	sessions   *sqlite.SessionRepository
	queue      *queue.Manager
	interval   time.Duration
	staleAfter time.Duration
}

// NewMaintenance creates the maintenance handler.
func NewMaintenance(db *sqlite.DB, broker *permissions.Broker, q *queue.Manager, interval, staleAfter time.Duration) *Maintenance {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Maintenance{
		broker:     broker,
		jobs:       db.JobRepository(),
		sessions:   db.SessionRepository(),
		queue:      q,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

type maintenanceSummary struct {
	ExpiredPermissions int `json:"expired_permissions"`
	StaleJobs          int `json:"stale_jobs"`
	OrphanedSessions   int `json:"orphaned_sessions"`
}

// Execute performs one sweep.
func (h *Maintenance) Execute(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	var summary maintenanceSummary

	expired, err := h.broker.ExpireOverdue(ctx)
	if err != nil {
		return nil, fmt.Errorf("expiring permissions: %w", err)
	}
	summary.ExpiredPermissions = expired

	stale, err := h.jobs.FailStaleRunning(ctx, time.Now().Add(-h.staleAfter), "worker lost")
	if err != nil {
		return nil, fmt.Errorf("sweeping stale jobs: %w", err)
	}
	summary.StaleJobs = stale

	orphaned, err := h.resetOrphanedSessions(ctx)
	if err != nil {
		return nil, err
	}
	summary.OrphanedSessions = orphaned

	if _, err := h.queue.EnsureScheduled(ctx, domain.JobTypeMaintenance, time.Now().Add(h.interval)); err != nil {
		return nil, fmt.Errorf("rescheduling maintenance: %w", err)
	}

	if expired+stale+orphaned > 0 {
		log.Info(log.CatJobs, "maintenance swept",
			"expired_permissions", expired, "stale_jobs", stale, "orphaned_sessions", orphaned)
	}
	return json.Marshal(summary)
}

// resetOrphanedSessions errors out sessions that claim a run in flight
// when no session-runner job backs the claim. Only a crash between a
// status write and the job outcome produces these.
func (h *Maintenance) resetOrphanedSessions(ctx context.Context) (int, error) {
	sessions, err := h.sessions.List(ctx, sqlite.SessionFilter{
		ClaudeStatuses: []domain.ClaudeStatus{domain.ClaudeProcessing, domain.ClaudeWaitingForInput},
	})
	if err != nil {
		return 0, fmt.Errorf("listing mid-run sessions: %w", err)
	}

	n := 0
	for _, s := range sessions {
		active, err := h.jobs.ActiveSessionRunJob(ctx, s.ID)
		if err != nil {
			return n, err
		}
		if active != nil {
			continue
		}
		if err := h.sessions.UpdateClaudeStatus(ctx, s.ID, domain.ClaudeError); err != nil {
			return n, err
		}
		log.Warn(log.CatJobs, "reset orphaned session", "session_id", s.ID, "was", string(s.ClaudeStatus))
		n++
	}
	return n, nil
}
