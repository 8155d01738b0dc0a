package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/memva/memva/internal/domain"
)

// eventColumns is the list of columns to select for event queries.
const eventColumns = `uuid, memva_session_id, session_id, event_type, timestamp, parent_uuid,
	is_sidechain, cwd, project_name, data, visible, synced_at`

// EventRepository reads and writes the append-only events table.
type EventRepository struct {
	db *DB
}

// EventFilter narrows ListBySession results. The zero value returns
// every visible event for the session, oldest first.
type EventFilter struct {
	// IncludeHidden also returns events stored with visible = false,
	// such as init frames and bare tool-result envelopes.
	IncludeHidden bool

	// SinceTimestamp returns only events strictly newer than the given
	// instant when set.
	SinceTimestamp *time.Time

	// SinceEventUUID returns only events appended after the named
	// event. Takes precedence over SinceTimestamp when both are set.
	SinceEventUUID string

	// Limit caps the result count when positive.
	Limit int
}

func scanEvent(scanner interface{ Scan(...any) error }) (*domain.Event, error) {
	var (
		e         domain.Event
		data      *string
		timestamp string
		syncedAt  string
	)
	err := scanner.Scan(
		&e.UUID, &e.MemvaSessionID, &e.SessionID, &e.EventType, &timestamp, &e.ParentUUID,
		&e.IsSidechain, &e.CWD, &e.ProjectName, &data, &e.Visible, &syncedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Data = rawOrNil(data)
	if e.Timestamp, err = parseTime(timestamp); err != nil {
		return nil, err
	}
	if e.SyncedAt, err = parseTime(syncedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// Append stores one event. SyncedAt is assigned here; everything else
// comes from the caller. Appending to an unknown session reports not
// found, a duplicate uuid reports a conflict.
func (r *EventRepository) Append(ctx context.Context, e *domain.Event) error {
	if e.UUID == "" {
		return domain.NewValidation("uuid", "must not be empty")
	}
	if e.MemvaSessionID == "" {
		return domain.NewValidation("memva_session_id", "must not be empty")
	}
	if e.EventType == "" {
		return domain.NewValidation("event_type", "must not be empty")
	}
	if e.Timestamp.IsZero() {
		return domain.NewValidation("timestamp", "must not be zero")
	}
	if len(e.Data) == 0 {
		return domain.NewValidation("data", "must not be empty")
	}

	e.SyncedAt = time.Now().UTC()

	_, err := r.db.writer.ExecContext(ctx,
		`INSERT INTO events (uuid, memva_session_id, session_id, event_type, timestamp, parent_uuid,
			is_sidechain, cwd, project_name, data, visible, synced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UUID, e.MemvaSessionID, e.SessionID, e.EventType, formatTime(e.Timestamp), e.ParentUUID,
		e.IsSidechain, e.CWD, e.ProjectName, string(e.Data), e.Visible, formatTime(e.SyncedAt),
	)
	if isForeignKey(err) {
		return domain.NewNotFound("session", e.MemvaSessionID)
	}
	if isConstraint(err) {
		return domain.NewConflict("event", fmt.Sprintf("uuid %s already exists", e.UUID))
	}
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// ListBySession retrieves events for one session oldest-first.
func (r *EventRepository) ListBySession(ctx context.Context, sessionID string, filter EventFilter) ([]*domain.Event, error) {
	return retryRead(ctx, func() ([]*domain.Event, error) {
		query := `SELECT ` + eventColumns + ` FROM events WHERE memva_session_id = ?`
		args := []any{sessionID}

		if !filter.IncludeHidden {
			query += ` AND visible = 1`
		}
		if filter.SinceEventUUID != "" {
			query += ` AND rowid > (SELECT rowid FROM events WHERE uuid = ?)`
			args = append(args, filter.SinceEventUUID)
		} else if filter.SinceTimestamp != nil {
			query += ` AND timestamp > ?`
			args = append(args, formatTime(*filter.SinceTimestamp))
		}
		query += ` ORDER BY timestamp, rowid`
		if filter.Limit > 0 {
			query += ` LIMIT ?`
			args = append(args, filter.Limit)
		}

		rows, err := r.db.reader.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("listing events: %w", err)
		}
		defer func() { _ = rows.Close() }()
		return collectEvents(rows)
	})
}

// ListSince retrieves visible events strictly newer than the given
// instant, newest first. The event stream poller reverses the page
// before sending so clients still observe chronological order.
func (r *EventRepository) ListSince(ctx context.Context, sessionID string, since time.Time, limit int) ([]*domain.Event, error) {
	return retryRead(ctx, func() ([]*domain.Event, error) {
		query := `SELECT ` + eventColumns + ` FROM events
			WHERE memva_session_id = ? AND visible = 1 AND timestamp > ?
			ORDER BY timestamp DESC, rowid DESC`
		args := []any{sessionID, formatTime(since)}
		if limit > 0 {
			query += ` LIMIT ?`
			args = append(args, limit)
		}

		rows, err := r.db.reader.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("listing events since: %w", err)
		}
		defer func() { _ = rows.Close() }()
		return collectEvents(rows)
	})
}

// LatestEvent returns the most recent event for a session regardless of
// visibility, or not found when the session has no events yet.
func (r *EventRepository) LatestEvent(ctx context.Context, sessionID string) (*domain.Event, error) {
	return retryRead(ctx, func() (*domain.Event, error) {
		row := r.db.reader.QueryRowContext(ctx,
			`SELECT `+eventColumns+` FROM events
			 WHERE memva_session_id = ?
			 ORDER BY timestamp DESC, rowid DESC LIMIT 1`, sessionID)
		e, err := scanEvent(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFound("event", sessionID)
		}
		if err != nil {
			return nil, fmt.Errorf("loading latest event: %w", err)
		}
		return e, nil
	})
}

// LatestClaudeSessionID derives the resume id for a session: the
// session_id of the most recent event that carries one. Returns empty
// when no event has recorded an agent session id yet.
func (r *EventRepository) LatestClaudeSessionID(ctx context.Context, sessionID string) (string, error) {
	return retryRead(ctx, func() (string, error) {
		var id string
		err := r.db.reader.QueryRowContext(ctx,
			`SELECT session_id FROM events
			 WHERE memva_session_id = ? AND session_id != ''
			 ORDER BY timestamp DESC, rowid DESC LIMIT 1`, sessionID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("loading latest claude session id: %w", err)
		}
		return id, nil
	})
}

// HasUserEventAfter reports whether the session received a user event
// strictly after the given instant. Permission decisions consult this
// to reject answers to prompts the conversation has moved past.
func (r *EventRepository) HasUserEventAfter(ctx context.Context, sessionID string, after time.Time) (bool, error) {
	return retryRead(ctx, func() (bool, error) {
		var n int
		err := r.db.reader.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM events
			 WHERE memva_session_id = ? AND event_type = ? AND timestamp > ?`,
			sessionID, domain.EventUser, formatTime(after)).Scan(&n)
		if err != nil {
			return false, fmt.Errorf("counting user events: %w", err)
		}
		return n > 0, nil
	})
}

// LatestAssistantEventPerSession loads the newest visible assistant
// event for each of the given sessions in one query. Sessions without
// an assistant event are absent from the result.
func (r *EventRepository) LatestAssistantEventPerSession(ctx context.Context, sessionIDs []string) (map[string]*domain.Event, error) {
	if len(sessionIDs) == 0 {
		return map[string]*domain.Event{}, nil
	}
	return retryRead(ctx, func() (map[string]*domain.Event, error) {
		placeholders := ""
		args := make([]any, 0, len(sessionIDs)+1)
		args = append(args, domain.EventAssistant)
		for i, id := range sessionIDs {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, id)
		}

		rows, err := r.db.reader.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM events
			 WHERE rowid IN (
				SELECT MAX(rowid) FROM events
				WHERE event_type = ? AND visible = 1 AND memva_session_id IN (`+placeholders+`)
				GROUP BY memva_session_id
			 )`, args...)
		if err != nil {
			return nil, fmt.Errorf("loading latest assistant events: %w", err)
		}
		defer func() { _ = rows.Close() }()

		result := make(map[string]*domain.Event, len(sessionIDs))
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				return nil, fmt.Errorf("scanning event row: %w", err)
			}
			result[e.MemvaSessionID] = e
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating event rows: %w", err)
		}
		return result, nil
	})
}

// CountBySession returns event counts for the given sessions in one
// query, keyed by session id. Sessions without events are absent.
func (r *EventRepository) CountBySession(ctx context.Context, sessionIDs []string) (map[string]int, error) {
	if len(sessionIDs) == 0 {
		return map[string]int{}, nil
	}
	return retryRead(ctx, func() (map[string]int, error) {
		placeholders := ""
		args := make([]any, 0, len(sessionIDs))
		for i, id := range sessionIDs {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, id)
		}

		rows, err := r.db.reader.QueryContext(ctx,
			`SELECT memva_session_id, COUNT(*) FROM events
			 WHERE memva_session_id IN (`+placeholders+`)
			 GROUP BY memva_session_id`, args...)
		if err != nil {
			return nil, fmt.Errorf("counting events: %w", err)
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

func collectEvents(rows *sql.Rows) ([]*domain.Event, error) {
	var events []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return events, nil
}
