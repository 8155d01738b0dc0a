package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/infrastructure/sqlite"
	"github.com/memva/memva/internal/log"
	"github.com/memva/memva/internal/queue"
)

// backupStamp is a fixed-width UTC timestamp: lexicographic filename
// order equals chronological order, which the pruner relies on.
const backupStamp = "20060102-150405.000000000"

// DatabaseVacuum checkpoints the WAL and compacts the database file.
type DatabaseVacuum struct {
	db       *sqlite.DB
	queue    *queue.Manager
	interval time.Duration
}

// NewDatabaseVacuum creates the vacuum handler.
func NewDatabaseVacuum(db *sqlite.DB, q *queue.Manager, interval time.Duration) *DatabaseVacuum {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &DatabaseVacuum{db: db, queue: q, interval: interval}
}

type vacuumSummary struct {
	Compacted bool `json:"compacted"`
}

// Execute compacts the database and reschedules itself.
func (h *DatabaseVacuum) Execute(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	if _, err := h.db.Writer().ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return nil, fmt.Errorf("checkpointing wal: %w", err)
	}
	if _, err := h.db.Writer().ExecContext(ctx, `VACUUM`); err != nil {
		return nil, fmt.Errorf("vacuuming database: %w", err)
	}

	if _, err := h.queue.EnsureScheduled(ctx, domain.JobTypeDatabaseVacuum, time.Now().Add(h.interval)); err != nil {
		return nil, fmt.Errorf("rescheduling vacuum: %w", err)
	}
	log.Debug(log.CatJobs, "database compacted")
	return json.Marshal(vacuumSummary{Compacted: true})
}

// DatabaseBackup writes an online snapshot via VACUUM INTO and prunes
// old snapshots down to the retention count.
type DatabaseBackup struct {
	db        *sqlite.DB
	queue     *queue.Manager
	dir       string
	prefix    string
	retention int
	interval  time.Duration
}

// NewDatabaseBackup creates the backup handler. Snapshots are named
// <prefix><stamp>.db where prefix embeds the environment.
func NewDatabaseBackup(db *sqlite.DB, q *queue.Manager, dir, env string, retention int, interval time.Duration) *DatabaseBackup {
	if retention < 1 {
		retention = 1
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &DatabaseBackup{
		db:        db,
		queue:     q,
		dir:       dir,
		prefix:    fmt.Sprintf("memva-%s-", env),
		retention: retention,
		interval:  interval,
	}
}

type backupSummary struct {
	Path   string `json:"path"`
	Pruned int    `json:"pruned"`
}

// Execute writes one snapshot, prunes, and reschedules itself.
func (h *DatabaseBackup) Execute(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	if err := os.MkdirAll(h.dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	name := h.prefix + time.Now().UTC().Format(backupStamp) + ".db"
	path := filepath.Join(h.dir, name)
	if _, err := h.db.Writer().ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return nil, fmt.Errorf("writing backup: %w", err)
	}

	pruned, err := h.prune()
	if err != nil {
		// The snapshot itself succeeded; pruning gets another chance on
		// the next run.
		log.ErrorErr(log.CatJobs, "pruning old backups failed", err, "dir", h.dir)
	}

	if _, err := h.queue.EnsureScheduled(ctx, domain.JobTypeDatabaseBackup, time.Now().Add(h.interval)); err != nil {
		return nil, fmt.Errorf("rescheduling backup: %w", err)
	}

	log.Info(log.CatJobs, "database backed up", "path", path, "pruned", pruned)
	return json.Marshal(backupSummary{Path: path, Pruned: pruned})
}

// prune deletes the oldest snapshots beyond the retention count.
func (h *DatabaseBackup) prune() (int, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return 0, fmt.Errorf("reading backup directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, h.prefix) || !strings.HasSuffix(name, ".db") {
			continue
		}
		names = append(names, name)
	}
	if len(names) <= h.retention {
		return 0, nil
	}

	sort.Strings(names)
	pruned := 0
	for _, name := range names[:len(names)-h.retention] {
		if err := os.Remove(filepath.Join(h.dir, name)); err != nil {
			return pruned, fmt.Errorf("removing old backup: %w", err)
		}
		pruned++
	}
	return pruned, nil
}
