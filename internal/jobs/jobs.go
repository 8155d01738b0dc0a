// Package jobs implements the worker-pool handlers: the session runner
// that drives one agent turn, and the periodic maintenance, session-sync,
// vacuum, and backup sweeps. Periodic handlers reschedule themselves
// through the queue so exactly one of each is ever pending.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/memva/memva/internal/config"
	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/pool"
	"github.com/memva/memva/internal/queue"
)

// Handlers bundles every job handler for registration.
type Handlers struct {
	SessionRunner *SessionRunner
	Maintenance   *Maintenance
	SessionSync   *SessionSync
	Vacuum        *DatabaseVacuum
	Backup        *DatabaseBackup
}

// RegisterAll binds each handler to its job type.
func RegisterAll(p *pool.WorkerPool, h Handlers) error {
	bindings := []struct {
		jobType string
		handler pool.Handler
	}{
		{domain.JobTypeSessionRunner, h.SessionRunner},
		{domain.JobTypeMaintenance, h.Maintenance},
		{domain.JobTypeSessionSync, h.SessionSync},
		{domain.JobTypeDatabaseVacuum, h.Vacuum},
		{domain.JobTypeDatabaseBackup, h.Backup},
	}
	for _, b := range bindings {
		if err := p.Register(b.jobType, b.handler); err != nil {
			return fmt.Errorf("registering %s handler: %w", b.jobType, err)
		}
	}
	return nil
}

// SeedPeriodic schedules the recurring jobs at startup. Sweeps run
// immediately so a restart cannot extend the window in which stale
// state goes unnoticed; vacuum and backup wait out one full interval.
func SeedPeriodic(ctx context.Context, q *queue.Manager, cfg config.JobsConfig) error {
	now := time.Now()
	seeds := []struct {
		jobType string
		runAt   time.Time
	}{
		{domain.JobTypeMaintenance, now},
		{domain.JobTypeSessionSync, now},
		{domain.JobTypeDatabaseVacuum, now.Add(cfg.VacuumInterval)},
		{domain.JobTypeDatabaseBackup, now.Add(cfg.BackupInterval)},
	}
	for _, s := range seeds {
		if _, err := q.EnsureScheduled(ctx, s.jobType, s.runAt); err != nil {
			return fmt.Errorf("seeding %s: %w", s.jobType, err)
		}
	}
	return nil
}
