package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/memva/memva/internal/domain"
)

// jobColumns is the list of columns to select for job queries.
const jobColumns = `id, type, data, status, priority, attempts, max_attempts, error, result,
	scheduled_at, started_at, completed_at, created_at, updated_at`

// JobRepository reads and writes the jobs table. Claiming runs on the
// single writer connection, so at most one worker can claim a given job
// even when several poll at once.
type JobRepository struct {
	db *DB
}

// JobFilter narrows List results.
type JobFilter struct {
	Status domain.JobStatus
	Type   string
	Limit  int
}

func scanJob(scanner interface{ Scan(...any) error }) (*domain.Job, error) {
	var (
		j                                   domain.Job
		data, result                        *string
		scheduledAt, startedAt, completedAt *string
		createdAt, updatedAt                string
	)
	err := scanner.Scan(
		&j.ID, &j.Type, &data, &j.Status, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.Error, &result,
		&scheduledAt, &startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Data = rawOrNil(data)
	j.Result = rawOrNil(result)
	if j.ScheduledAt, err = parseTimePtr(scheduledAt); err != nil {
		return nil, err
	}
	if j.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

// Enqueue inserts a new pending job. A missing id, priority, or
// max_attempts gets a sensible default.
func (r *JobRepository) Enqueue(ctx context.Context, j *domain.Job) error {
	if j.Type == "" {
		return domain.NewValidation("type", "must not be empty")
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	if j.Priority == 0 {
		j.Priority = domain.PriorityForType(j.Type)
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 3
	}

	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	_, err := r.db.writer.ExecContext(ctx,
		`INSERT INTO jobs (id, type, data, status, priority, attempts, max_attempts, error, result,
			scheduled_at, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Type, textOrNil(j.Data), j.Status, j.Priority, j.Attempts, j.MaxAttempts, j.Error, textOrNil(j.Result),
		formatTimePtr(j.ScheduledAt), formatTimePtr(j.StartedAt), formatTimePtr(j.CompletedAt),
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
	)
	if isConstraint(err) {
		return domain.NewConflict("job", fmt.Sprintf("id %s already exists", j.ID))
	}
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

// Get retrieves a job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	return retryRead(ctx, func() (*domain.Job, error) {
		row := r.db.reader.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFound("job", id)
		}
		if err != nil {
			return nil, fmt.Errorf("loading job: %w", err)
		}
		return j, nil
	})
}

// ClaimNextDue atomically claims the highest-priority due job: the job
// moves to running, started_at is stamped, and attempts is incremented,
// all in one transaction. A due job whose incremented attempts would
// exceed max_attempts is marked failed instead and the scan continues.
// Returns nil when no job is due.
func (r *JobRepository) ClaimNextDue(ctx context.Context) (*domain.Job, error) {
	tx, err := r.db.writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for {
		row := tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs
			 WHERE status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)
			 ORDER BY priority DESC, created_at, id
			 LIMIT 1`,
			domain.JobPending, formatTime(now))
		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("committing claim transaction: %w", err)
			}
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("selecting due job: %w", err)
		}

		j.Attempts++
		if j.Attempts > j.MaxAttempts {
			_, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, attempts = ?, error = ?, completed_at = ?, updated_at = ?
				 WHERE id = ?`,
				domain.JobFailed, j.Attempts, "max attempts exceeded", formatTime(now), formatTime(now), j.ID)
			if err != nil {
				return nil, fmt.Errorf("failing exhausted job: %w", err)
			}
			continue
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, attempts = ?, started_at = ?, updated_at = ?
			 WHERE id = ?`,
			domain.JobRunning, j.Attempts, formatTime(now), formatTime(now), j.ID)
		if err != nil {
			return nil, fmt.Errorf("claiming job: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing claim transaction: %w", err)
		}

		j.Status = domain.JobRunning
		j.StartedAt = &now
		j.UpdatedAt = now
		return j, nil
	}
}

// Complete marks a running job completed with an optional result.
// Completing a job in any other status reports a conflict, so terminal
// jobs stay frozen.
func (r *JobRepository) Complete(ctx context.Context, id string, result json.RawMessage) error {
	now := formatTime(time.Now())
	res, err := r.db.writer.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.JobCompleted, textOrNil(result), now, now, id, domain.JobRunning)
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	return r.explainGuardMiss(ctx, res, id, "complete")
}

// Fail records a failed run. Jobs with attempts remaining go back to
// pending with an exponential-backoff scheduled_at; exhausted jobs go
// to failed. Failing a job that is not running reports a conflict.
func (r *JobRepository) Fail(ctx context.Context, id, jobErr string) error {
	tx, err := r.db.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting fail transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewNotFound("job", id)
	}
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}
	if j.Status != domain.JobRunning {
		return domain.NewConflict("job", fmt.Sprintf("cannot fail job in status %s", j.Status))
	}

	now := time.Now().UTC()
	if j.Attempts < j.MaxAttempts {
		retryAt := now.Add(domain.RetryBackoff(j.Attempts))
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error = ?, scheduled_at = ?, updated_at = ?
			 WHERE id = ?`,
			domain.JobPending, jobErr, formatTime(retryAt), formatTime(now), id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error = ?, completed_at = ?, updated_at = ?
			 WHERE id = ?`,
			domain.JobFailed, jobErr, formatTime(now), formatTime(now), id)
	}
	if err != nil {
		return fmt.Errorf("failing job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing fail transaction: %w", err)
	}
	return nil
}

// Cancel marks a pending job cancelled. Running and terminal jobs
// report a conflict.
func (r *JobRepository) Cancel(ctx context.Context, id string) error {
	now := formatTime(time.Now())
	res, err := r.db.writer.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.JobCancelled, now, now, id, domain.JobPending)
	if err != nil {
		return fmt.Errorf("cancelling job: %w", err)
	}
	return r.explainGuardMiss(ctx, res, id, "cancel")
}

// explainGuardMiss turns a zero-row guarded update into the right
// error: not found when the job does not exist, conflict when it does
// but sits in a status the guard excludes.
func (r *JobRepository) explainGuardMiss(ctx context.Context, res sql.Result, id, verb string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status domain.JobStatus
	err = r.db.writer.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewNotFound("job", id)
	}
	if err != nil {
		return fmt.Errorf("loading job status: %w", err)
	}
	return domain.NewConflict("job", fmt.Sprintf("cannot %s job in status %s", verb, status))
}

// List retrieves jobs newest-first, optionally filtered.
func (r *JobRepository) List(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	return retryRead(ctx, func() ([]*domain.Job, error) {
		query := `SELECT ` + jobColumns + ` FROM jobs`
		var (
			conds []string
			args  []any
		)
		if filter.Status != "" {
			conds = append(conds, `status = ?`)
			args = append(args, filter.Status)
		}
		if filter.Type != "" {
			conds = append(conds, `type = ?`)
			args = append(args, filter.Type)
		}
		for i, cond := range conds {
			if i == 0 {
				query += ` WHERE ` + cond
			} else {
				query += ` AND ` + cond
			}
		}
		query += ` ORDER BY created_at DESC, id`
		if filter.Limit > 0 {
			query += ` LIMIT ?`
			args = append(args, filter.Limit)
		}

		rows, err := r.db.reader.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("listing jobs: %w", err)
		}
		defer func() { _ = rows.Close() }()

		var jobs []*domain.Job
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return nil, fmt.Errorf("scanning job row: %w", err)
			}
			jobs = append(jobs, j)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating job rows: %w", err)
		}
		return jobs, nil
	})
}

// ActiveSessionRunJob returns the pending or running session-runner job
// for a session, or nil when the session has none.
func (r *JobRepository) ActiveSessionRunJob(ctx context.Context, sessionID string) (*domain.Job, error) {
	return retryRead(ctx, func() (*domain.Job, error) {
		row := r.db.reader.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs
			 WHERE type = ? AND status IN (?, ?) AND json_extract(data, '$.session_id') = ?
			 ORDER BY created_at DESC, id DESC
			 LIMIT 1`,
			domain.JobTypeSessionRunner, domain.JobPending, domain.JobRunning, sessionID)
		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("loading active session run: %w", err)
		}
		return j, nil
	})
}

// FailStaleRunning fails running jobs whose started_at predates the
// cutoff. Run at startup with a now cutoff to recover jobs abandoned by
// a crashed process, and periodically by maintenance with a generous
// cutoff to catch lost workers.
func (r *JobRepository) FailStaleRunning(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	now := formatTime(time.Now())
	res, err := r.db.writer.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, completed_at = ?, updated_at = ?
		 WHERE status = ? AND started_at < ?`,
		domain.JobFailed, reason, now, now, domain.JobRunning, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failing stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return int(n), nil
}

// Stats returns job counts grouped by status and by type.
func (r *JobRepository) Stats(ctx context.Context) (*domain.JobStats, error) {
	return retryRead(ctx, func() (*domain.JobStats, error) {
		stats := &domain.JobStats{
			ByStatus: map[domain.JobStatus]int{},
			ByType:   map[string]int{},
		}

		rows, err := r.db.reader.QueryContext(ctx,
			`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
		if err != nil {
			return nil, fmt.Errorf("counting jobs by status: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				status domain.JobStatus
				n      int
			)
			if err := rows.Scan(&status, &n); err != nil {
				return nil, fmt.Errorf("scanning status count: %w", err)
			}
			stats.ByStatus[status] = n
			stats.Total += n
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating status counts: %w", err)
		}

		typeRows, err := r.db.reader.QueryContext(ctx,
			`SELECT type, COUNT(*) FROM jobs GROUP BY type`)
		if err != nil {
			return nil, fmt.Errorf("counting jobs by type: %w", err)
		}
		defer func() { _ = typeRows.Close() }()
		for typeRows.Next() {
			var (
				jobType string
				n       int
			)
			if err := typeRows.Scan(&jobType, &n); err != nil {
				return nil, fmt.Errorf("scanning type count: %w", err)
			}
			stats.ByType[jobType] = n
		}
		if err := typeRows.Err(); err != nil {
			return nil, fmt.Errorf("iterating type counts: %w", err)
		}
		return stats, nil
	})
}
