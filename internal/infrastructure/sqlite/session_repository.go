package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/memva/memva/internal/domain"
)

// sessionColumns is the list of columns to select for session queries.
const sessionColumns = `id, title, project_path, status, claude_status, latest_claude_session_id,
	settings, metadata, created_at, updated_at`

// SessionRepository reads and writes the sessions table.
type SessionRepository struct {
	db *DB
}

// SessionFilter narrows List results.
type SessionFilter struct {
	// Status restricts to one lifecycle status when set.
	Status domain.SessionStatus

	// ClaudeStatuses restricts to sessions whose agent status is one of
	// the given values.
	ClaudeStatuses []domain.ClaudeStatus

	// Limit caps the result count when positive.
	Limit int
}

// scanSession scans a row into a domain Session.
func scanSession(scanner interface{ Scan(...any) error }) (*domain.Session, error) {
	var (
		s                  domain.Session
		settings, metadata *string
		createdAt          string
		updatedAt          string
	)
	err := scanner.Scan(
		&s.ID, &s.Title, &s.ProjectPath, &s.Status, &s.ClaudeStatus, &s.LatestClaudeSessionID,
		&settings, &metadata, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if settings != nil {
		var parsed domain.SessionSettings
		if err := json.Unmarshal([]byte(*settings), &parsed); err != nil {
			return nil, fmt.Errorf("decoding session settings: %w", err)
		}
		s.Settings = &parsed
	}
	if metadata != nil {
		if err := json.Unmarshal([]byte(*metadata), &s.Metadata); err != nil {
			return nil, fmt.Errorf("decoding session metadata: %w", err)
		}
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a new session. CreatedAt and UpdatedAt are assigned
// here; the caller provides the id.
func (r *SessionRepository) Create(ctx context.Context, s *domain.Session) error {
	if s.ID == "" {
		return domain.NewValidation("id", "must not be empty")
	}
	if s.ProjectPath == "" {
		return domain.NewValidation("project_path", "must not be empty")
	}
	if s.Status == "" {
		s.Status = domain.SessionActive
	}
	if s.ClaudeStatus == "" {
		s.ClaudeStatus = domain.ClaudeNotStarted
	}

	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	settings, err := marshalJSON(s.Settings)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(s.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.writer.ExecContext(ctx,
		`INSERT INTO sessions (id, title, project_path, status, claude_status, latest_claude_session_id,
			settings, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Title, s.ProjectPath, s.Status, s.ClaudeStatus, s.LatestClaudeSessionID,
		settings, metadata, formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if isConstraint(err) {
		return domain.NewConflict("session", fmt.Sprintf("id %s already exists", s.ID))
	}
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// Get retrieves a session by id.
func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	return retryRead(ctx, func() (*domain.Session, error) {
		row := r.db.reader.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
		s, err := scanSession(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFound("session", id)
		}
		if err != nil {
			return nil, fmt.Errorf("loading session: %w", err)
		}
		return s, nil
	})
}

// List retrieves sessions newest-first, optionally filtered.
func (r *SessionRepository) List(ctx context.Context, filter SessionFilter) ([]*domain.Session, error) {
	return retryRead(ctx, func() ([]*domain.Session, error) {
		query := `SELECT ` + sessionColumns + ` FROM sessions`
		var (
			conds []string
			args  []any
		)
		if filter.Status != "" {
			conds = append(conds, `status = ?`)
			args = append(args, filter.Status)
		}
		if len(filter.ClaudeStatuses) > 0 {
			placeholders := ""
			for i, cs := range filter.ClaudeStatuses {
				if i > 0 {
					placeholders += ", "
				}
				placeholders += "?"
				args = append(args, cs)
			}
			conds = append(conds, `claude_status IN (`+placeholders+`)`)
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
			return nil, fmt.Errorf("listing sessions: %w", err)
		}
		defer func() { _ = rows.Close() }()

		var sessions []*domain.Session
		for rows.Next() {
			s, err := scanSession(rows)
			if err != nil {
				return nil, fmt.Errorf("scanning session row: %w", err)
			}
			sessions = append(sessions, s)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating session rows: %w", err)
		}
		return sessions, nil
	})
}

// Update rewrites the mutable session fields.
func (r *SessionRepository) Update(ctx context.Context, s *domain.Session) error {
	settings, err := marshalJSON(s.Settings)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(s.Metadata)
	if err != nil {
		return err
	}
	s.UpdatedAt = time.Now().UTC()

	result, err := r.db.writer.ExecContext(ctx,
		`UPDATE sessions SET title = ?, project_path = ?, status = ?, claude_status = ?,
			latest_claude_session_id = ?, settings = ?, metadata = ?, updated_at = ?
		 WHERE id = ?`,
		s.Title, s.ProjectPath, s.Status, s.ClaudeStatus,
		s.LatestClaudeSessionID, settings, metadata, formatTime(s.UpdatedAt),
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return requireRowAffected(result, "session", s.ID)
}

// UpdateClaudeStatus transitions the agent status for a session.
func (r *SessionRepository) UpdateClaudeStatus(ctx context.Context, id string, status domain.ClaudeStatus) error {
	result, err := r.db.writer.ExecContext(ctx,
		`UPDATE sessions SET claude_status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating claude status: %w", err)
	}
	return requireRowAffected(result, "session", id)
}

// UpdateClaudeSessionID records the agent's own session id. Called the
// moment the id first appears or rotates so a crash never strands an
// unresumable session.
func (r *SessionRepository) UpdateClaudeSessionID(ctx context.Context, id, claudeSessionID string) error {
	result, err := r.db.writer.ExecContext(ctx,
		`UPDATE sessions SET latest_claude_session_id = ?, updated_at = ? WHERE id = ?`,
		claudeSessionID, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating claude session id: %w", err)
	}
	return requireRowAffected(result, "session", id)
}

// UpdateSettings replaces the per-session overrides.
func (r *SessionRepository) UpdateSettings(ctx context.Context, id string, settings *domain.SessionSettings) error {
	encoded, err := marshalJSON(settings)
	if err != nil {
		return err
	}
	result, err := r.db.writer.ExecContext(ctx,
		`UPDATE sessions SET settings = ?, updated_at = ? WHERE id = ?`,
		encoded, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating session settings: %w", err)
	}
	return requireRowAffected(result, "session", id)
}

// UpdateMetadata replaces the rollup metadata maintained by session-sync.
func (r *SessionRepository) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	encoded, err := marshalJSON(metadata)
	if err != nil {
		return err
	}
	result, err := r.db.writer.ExecContext(ctx,
		`UPDATE sessions SET metadata = ?, updated_at = ? WHERE id = ?`,
		encoded, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating session metadata: %w", err)
	}
	return requireRowAffected(result, "session", id)
}

// requireRowAffected converts a zero-row update into a not-found error.
func requireRowAffected(result sql.Result, entity, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return domain.NewNotFound(entity, id)
	}
	return nil
}
