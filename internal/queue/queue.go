// Package queue layers job-queue semantics over the jobs repository:
// payload encoding, the one-active-run-per-session rule, startup
// recovery of abandoned jobs, and periodic job scheduling.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/infrastructure/sqlite"
	"github.com/memva/memva/internal/log"
)

// Manager coordinates enqueueing and claiming of background jobs.
type Manager struct {
	jobs *sqlite.JobRepository
}

// NewManager creates a queue manager over the given repository.
func NewManager(jobs *sqlite.JobRepository) *Manager {
	return &Manager{jobs: jobs}
}

// Enqueue adds a job of the given type. The payload is JSON-encoded;
// nil means no payload.
func (m *Manager) Enqueue(ctx context.Context, jobType string, payload any) (*domain.Job, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	job := &domain.Job{Type: jobType, Data: data}
	if err := m.jobs.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	log.Debug(log.CatQueue, "enqueued job", "job_id", job.ID, "type", jobType, "priority", job.Priority)
	return job, nil
}

// EnqueueSessionRun adds a session-runner job. A session with a run
// already pending or running reports a conflict: prompts queue up as
// user events, not as competing jobs.
func (m *Manager) EnqueueSessionRun(ctx context.Context, payload domain.SessionRunPayload) (*domain.Job, error) {
	active, err := m.jobs.ActiveSessionRunJob(ctx, payload.SessionID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, domain.NewConflict("session", fmt.Sprintf("run %s is already %s", active.ID, active.Status))
	}
	return m.Enqueue(ctx, domain.JobTypeSessionRunner, payload)
}

// EnsureScheduled enqueues a job of the given type to run at runAt
// unless a pending job of that type already exists. Periodic jobs use
// this both for startup seeding and for rescheduling themselves, so a
// retried handler cannot double-book the next occurrence.
func (m *Manager) EnsureScheduled(ctx context.Context, jobType string, runAt time.Time) (*domain.Job, error) {
	pending, err := m.jobs.List(ctx, sqlite.JobFilter{Type: jobType, Status: domain.JobPending, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return nil, nil
	}
	job := &domain.Job{Type: jobType, ScheduledAt: &runAt}
	if err := m.jobs.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	log.Debug(log.CatQueue, "scheduled job", "job_id", job.ID, "type", jobType, "run_at", runAt.Format(time.RFC3339))
	return job, nil
}

// RecoverAbandoned fails every job still marked running. Called once at
// startup, before workers start: any running job at that point was
// abandoned by a previous process.
func (m *Manager) RecoverAbandoned(ctx context.Context) (int, error) {
	n, err := m.jobs.FailStaleRunning(ctx, time.Now().Add(time.Second), "worker lost")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Warn(log.CatQueue, "recovered abandoned jobs", "count", n)
	}
	return n, nil
}

// ClaimNextDue claims the next due job, or nil when the queue is idle.
func (m *Manager) ClaimNextDue(ctx context.Context) (*domain.Job, error) {
	return m.jobs.ClaimNextDue(ctx)
}

// Complete marks a running job completed.
func (m *Manager) Complete(ctx context.Context, id string, result json.RawMessage) error {
	return m.jobs.Complete(ctx, id, result)
}

// Fail records a failed run, requeueing with backoff while attempts
// remain.
func (m *Manager) Fail(ctx context.Context, id, jobErr string) error {
	return m.jobs.Fail(ctx, id, jobErr)
}

// Cancel cancels a pending job.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	return m.jobs.Cancel(ctx, id)
}

// Get retrieves a job by id.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Job, error) {
	return m.jobs.Get(ctx, id)
}

// ActiveSessionRunJob returns the pending or running session-runner job
// for a session, or nil.
func (m *Manager) ActiveSessionRunJob(ctx context.Context, sessionID string) (*domain.Job, error) {
	return m.jobs.ActiveSessionRunJob(ctx, sessionID)
}

// Stats returns queue counts grouped by status and type.
func (m *Manager) Stats(ctx context.Context) (*domain.JobStats, error) {
	return m.jobs.Stats(ctx)
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding job payload: %w", err)
	}
	return data, nil
}
