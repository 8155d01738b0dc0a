package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/memva/memva/internal/domain"
)

// SettingsRepository reads and writes the global settings singleton.
// The row is seeded when the database is created, so Get never misses.
type SettingsRepository struct {
	db *DB
}

// Get retrieves the global settings.
func (r *SettingsRepository) Get(ctx context.Context) (*domain.GlobalSettings, error) {
	return retryRead(ctx, func() (*domain.GlobalSettings, error) {
		var (
			s         domain.GlobalSettings
			updatedAt string
		)
		err := r.db.reader.QueryRowContext(ctx,
			`SELECT max_turns, permission_mode, default_directory, updated_at
			 FROM settings WHERE id = 1`).
			Scan(&s.MaxTurns, &s.PermissionMode, &s.DefaultDirectory, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("loading settings: %w", err)
		}
		if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		return &s, nil
	})
}

// Update replaces the global settings.
func (r *SettingsRepository) Update(ctx context.Context, s *domain.GlobalSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.UpdatedAt = time.Now().UTC()

	_, err := r.db.writer.ExecContext(ctx,
		`UPDATE settings SET max_turns = ?, permission_mode = ?, default_directory = ?, updated_at = ?
		 WHERE id = 1`,
		s.MaxTurns, s.PermissionMode, s.DefaultDirectory, formatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("updating settings: %w", err)
	}
	return nil
}
