// Package sqlite is the persistence layer. One writer connection
// serializes all mutations; a small read-only pool serves concurrent
// reads through WAL snapshots. All timestamps are stored as fixed-width
// UTC text so lexicographic order equals chronological order.
package sqlite

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/memva/memva/internal/log"
)

const (
	busyTimeoutMs = 5000

	// readerConns is the number of concurrent read connections. WAL
	// mode allows many readers alongside the single writer.
	readerConns = 4
)

// DB owns the database connections and hands out repositories.
type DB struct {
	writer *sql.DB
	reader *sql.DB
	path   string
}

// NewDB opens (creating if needed) the database at path, applies
// pending migrations, and seeds the settings singleton. A .bak copy of
// the existing file is taken before any migration runs.
func NewDB(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Snapshot the old file before touching it so a bad migration is
	// recoverable.
	if err := backupFile(path); err != nil {
		return nil, fmt.Errorf("pre-migration backup: %w", err)
	}

	writer, err := sql.Open("sqlite3", writerDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	if err := writer.Ping(); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := migrate(writer); err != nil {
		_ = writer.Close()
		return nil, err
	}
	if err := seedSettings(writer); err != nil {
		_ = writer.Close()
		return nil, err
	}

	reader, err := sql.Open("sqlite3", readerDSN(path))
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("opening read pool: %w", err)
	}
	reader.SetMaxOpenConns(readerConns)
	reader.SetMaxIdleConns(readerConns)

	if err := reader.Ping(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("connecting read pool: %w", err)
	}

	log.Info(log.CatStore, "database ready", "path", path)
	return &DB{writer: writer, reader: reader, path: path}, nil
}

// writerDSN configures the mutating connection: WAL journaling,
// foreign keys, a busy timeout, and relaxed synchronous mode.
func writerDSN(path string) string {
	return fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=synchronous(normal)",
		path, busyTimeoutMs,
	)
}

// readerDSN opens read-only connections. Journal mode is a database
// property already set by the writer.
func readerDSN(path string) string {
	return fmt.Sprintf(
		"file:%s?mode=ro&_pragma=busy_timeout(%d)",
		path, busyTimeoutMs,
	)
}

// backupFile copies path to path.bak if path exists.
func backupFile(path string) error {
	src, err := os.Open(path) //nolint:gosec // G304: path is the configured database file
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(path+".bak", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec // G304: derived from the database file
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

// Close shuts down both connection pools.
func (db *DB) Close() error {
	rErr := db.reader.Close()
	wErr := db.writer.Close()
	if wErr != nil {
		return wErr
	}
	return rErr
}

// Path returns the database file location.
func (db *DB) Path() string { return db.path }

// Writer exposes the mutating connection for operations that have no
// repository home, such as VACUUM in the database-vacuum job.
func (db *DB) Writer() *sql.DB { return db.writer }

// SessionRepository returns the sessions table accessor.
func (db *DB) SessionRepository() *SessionRepository {
	return &SessionRepository{db: db}
}

// EventRepository returns the events table accessor.
func (db *DB) EventRepository() *EventRepository {
	return &EventRepository{db: db}
}

// JobRepository returns the jobs table accessor.
func (db *DB) JobRepository() *JobRepository {
	return &JobRepository{db: db}
}

// PermissionRepository returns the permission_requests table accessor.
func (db *DB) PermissionRepository() *PermissionRepository {
	return &PermissionRepository{db: db}
}

// SettingsRepository returns the settings singleton accessor.
func (db *DB) SettingsRepository() *SettingsRepository {
	return &SettingsRepository{db: db}
}

// seedSettings inserts the settings singleton on first run.
func seedSettings(conn *sql.DB) error {
	_, err := conn.Exec(
		`INSERT OR IGNORE INTO settings (id, max_turns, permission_mode, default_directory, updated_at)
		 VALUES (1, ?, ?, '', ?)`,
		defaultMaxTurns, "default", formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("seeding settings: %w", err)
	}
	return nil
}

// defaultMaxTurns bounds agent runs that never specify a limit.
const defaultMaxTurns = 50
