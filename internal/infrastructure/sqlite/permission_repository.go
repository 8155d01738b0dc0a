package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/memva/memva/internal/domain"
)

// permissionColumns is the list of columns to select for permission queries.
const permissionColumns = `id, session_id, tool_name, tool_use_id, input, status, decision,
	decided_at, created_at, expires_at`

// PermissionRepository reads and writes the permission_requests table.
type PermissionRepository struct {
	db *DB
}

// PermissionFilter narrows List results.
type PermissionFilter struct {
	SessionID string
	Status    domain.PermissionStatus
	Limit     int
}

func scanPermission(scanner interface{ Scan(...any) error }) (*domain.PermissionRequest, error) {
	var (
		p                    domain.PermissionRequest
		input                *string
		decidedAt            *string
		createdAt, expiresAt string
	)
	err := scanner.Scan(
		&p.ID, &p.SessionID, &p.ToolName, &p.ToolUseID, &input, &p.Status, &p.Decision,
		&decidedAt, &createdAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}
	p.Input = rawOrNil(input)
	if p.DecidedAt, err = parseTimePtr(decidedAt); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a new pending request and, in the same transaction,
// marks any still-pending request for the session superseded. A session
// therefore never holds more than one pending request.
func (r *PermissionRepository) Create(ctx context.Context, p *domain.PermissionRequest) error {
	if p.SessionID == "" {
		return domain.NewValidation("session_id", "must not be empty")
	}
	if p.ToolName == "" {
		return domain.NewValidation("tool_name", "must not be empty")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Status = domain.PermissionPending

	now := time.Now().UTC()
	p.CreatedAt = now
	if p.ExpiresAt.IsZero() {
		p.ExpiresAt = now.Add(domain.PermissionTTL)
	}

	tx, err := r.db.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting create transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`UPDATE permission_requests SET status = ? WHERE session_id = ? AND status = ?`,
		domain.PermissionSuperseded, p.SessionID, domain.PermissionPending)
	if err != nil {
		return fmt.Errorf("superseding pending requests: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO permission_requests (id, session_id, tool_name, tool_use_id, input, status,
			decision, decided_at, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)`,
		p.ID, p.SessionID, p.ToolName, p.ToolUseID, textOrNil(p.Input), p.Status,
		formatTime(p.CreatedAt), formatTime(p.ExpiresAt))
	if isForeignKey(err) {
		return domain.NewNotFound("session", p.SessionID)
	}
	if isConstraint(err) {
		return domain.NewConflict("permission request", fmt.Sprintf("id %s already exists", p.ID))
	}
	if err != nil {
		return fmt.Errorf("inserting permission request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing create transaction: %w", err)
	}
	return nil
}

// Get retrieves a permission request by id.
func (r *PermissionRepository) Get(ctx context.Context, id string) (*domain.PermissionRequest, error) {
	return retryRead(ctx, func() (*domain.PermissionRequest, error) {
		row := r.db.reader.QueryRowContext(ctx,
			`SELECT `+permissionColumns+` FROM permission_requests WHERE id = ?`, id)
		p, err := scanPermission(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFound("permission request", id)
		}
		if err != nil {
			return nil, fmt.Errorf("loading permission request: %w", err)
		}
		return p, nil
	})
}

// List retrieves permission requests newest-first, optionally filtered.
func (r *PermissionRepository) List(ctx context.Context, filter PermissionFilter) ([]*domain.PermissionRequest, error) {
	return retryRead(ctx, func() ([]*domain.PermissionRequest, error) {
		query := `SELECT ` + permissionColumns + ` FROM permission_requests`
		var (
			conds []string
			args  []any
		)
		if filter.SessionID != "" {
			conds = append(conds, `session_id = ?`)
			args = append(args, filter.SessionID)
		}
		if filter.Status != "" {
			conds = append(conds, `status = ?`)
			args = append(args, filter.Status)
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
			return nil, fmt.Errorf("listing permission requests: %w", err)
		}
		defer func() { _ = rows.Close() }()

		var requests []*domain.PermissionRequest
		for rows.Next() {
			p, err := scanPermission(rows)
			if err != nil {
				return nil, fmt.Errorf("scanning permission row: %w", err)
			}
			requests = append(requests, p)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating permission rows: %w", err)
		}
		return requests, nil
	})
}

// Decide resolves a pending request to approved or denied and stamps
// decided_at. The update is guarded on status = pending: losing a race
// against another decider or an expiry sweep reports a conflict.
func (r *PermissionRepository) Decide(ctx context.Context, id string, decision domain.Decision) (*domain.PermissionRequest, error) {
	status := domain.PermissionDenied
	if decision == domain.DecisionAllow {
		status = domain.PermissionApproved
	}
	now := time.Now().UTC()

	res, err := r.db.writer.ExecContext(ctx,
		`UPDATE permission_requests SET status = ?, decision = ?, decided_at = ?
		 WHERE id = ? AND status = ?`,
		status, decision, formatTime(now), id, domain.PermissionPending)
	if err != nil {
		return nil, fmt.Errorf("deciding permission request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		var current domain.PermissionStatus
		err := r.db.writer.QueryRowContext(ctx,
			`SELECT status FROM permission_requests WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFound("permission request", id)
		}
		if err != nil {
			return nil, fmt.Errorf("loading permission status: %w", err)
		}
		return nil, domain.NewConflict("permission request", fmt.Sprintf("already %s", current))
	}
	return r.Get(ctx, id)
}

// TransitionPending moves a single pending request to a terminal status
// without recording a decision. Used for timeout and cancellation.
func (r *PermissionRepository) TransitionPending(ctx context.Context, id string, to domain.PermissionStatus) error {
	res, err := r.db.writer.ExecContext(ctx,
		`UPDATE permission_requests SET status = ? WHERE id = ? AND status = ?`,
		to, id, domain.PermissionPending)
	if err != nil {
		return fmt.Errorf("transitioning permission request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return domain.NewConflict("permission request", "no longer pending")
	}
	return nil
}

// ExpireOverdue flips pending requests whose expires_at has passed to
// expired. Returns the number flipped.
func (r *PermissionRepository) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.writer.ExecContext(ctx,
		`UPDATE permission_requests SET status = ?
		 WHERE status = ? AND expires_at <= ?`,
		domain.PermissionExpired, domain.PermissionPending, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("expiring permission requests: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return int(n), nil
}

// SupersedePendingBefore marks pending requests created at or before
// the given instant superseded. Called when a new user message arrives:
// prompts raised for the previous turn can no longer be answered.
func (r *PermissionRepository) SupersedePendingBefore(ctx context.Context, sessionID string, before time.Time) (int, error) {
	res, err := r.db.writer.ExecContext(ctx,
		`UPDATE permission_requests SET status = ?
		 WHERE session_id = ? AND status = ? AND created_at <= ?`,
		domain.PermissionSuperseded, sessionID, domain.PermissionPending, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("superseding permission requests: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return int(n), nil
}

// CancelPendingForSession marks every pending request for a session
// cancelled. Called when the session's run is aborted.
func (r *PermissionRepository) CancelPendingForSession(ctx context.Context, sessionID string) (int, error) {
	res, err := r.db.writer.ExecContext(ctx,
		`UPDATE permission_requests SET status = ?
		 WHERE session_id = ? AND status = ?`,
		domain.PermissionCancelled, sessionID, domain.PermissionPending)
	if err != nil {
		return 0, fmt.Errorf("cancelling permission requests: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return int(n), nil
}

// PendingCountsPerSession returns the pending request count for each of
// the given sessions in one query. Sessions without pending requests
// are absent from the result.
func (r *PermissionRepository) PendingCountsPerSession(ctx context.Context, sessionIDs []string) (map[string]int, error) {
	if len(sessionIDs) == 0 {
		return map[string]int{}, nil
	}
	return retryRead(ctx, func() (map[string]int, error) {
		placeholders := ""
		args := make([]any, 0, len(sessionIDs)+1)
		args = append(args, domain.PermissionPending)
		for i, id := range sessionIDs {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, id)
		}

		rows, err := r.db.reader.QueryContext(ctx,
			`SELECT session_id, COUNT(*) FROM permission_requests
			 WHERE status = ? AND session_id IN (`+placeholders+`)
			 GROUP BY session_id`, args...)
		if err != nil {
			return nil, fmt.Errorf("counting pending requests: %w", err)
		}
		defer func() { _ = rows.Close() }()

		counts := make(map[string]int, len(sessionIDs))
		for rows.Next() {
			var (
				id string
				n  int
			)
			if err := rows.Scan(&id, &n); err != nil {
				return nil, fmt.Errorf("scanning count row: %w", err)
			}
			counts[id] = n
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating count rows: %w", err)
		}
		return counts, nil
	})
}
