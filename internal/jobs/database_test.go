package jobs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/infrastructure/sqlite"
	"github.com/memva/memva/internal/queue"
	"github.com/memva/memva/internal/testutil"
)

func TestDatabaseVacuum_CompactsAndReschedules(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.NewBuilder(t, db).WithCompletedRun("sess-1", "agent-1").Build()

	h := NewDatabaseVacuum(db, queue.NewManager(db.JobRepository()), time.Hour)

	out, err := h.Execute(context.Background(), &domain.Job{ID: "vac-1", Type: domain.JobTypeDatabaseVacuum})
	require.NoError(t, err)

	var summary vacuumSummary
	require.NoError(t, json.Unmarshal(out, &summary))
	assert.True(t, summary.Compacted)

	// Data survives the compaction.
	session, err := db.SessionRepository().Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", session.ID)

	_, err = h.Execute(context.Background(), &domain.Job{ID: "vac-2", Type: domain.JobTypeDatabaseVacuum})
	require.NoError(t, err)

	pending, err := db.JobRepository().List(context.Background(),
		sqlite.JobFilter{Type: domain.JobTypeDatabaseVacuum, Status: domain.JobPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func backupNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestDatabaseBackup_WritesSnapshot(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.NewBuilder(t, db).WithCompletedRun("sess-1", "agent-1").Build()

	dir := t.TempDir()
	h := NewDatabaseBackup(db, queue.NewManager(db.JobRepository()), dir, "test", 5, time.Hour)

	out, err := h.Execute(context.Background(), &domain.Job{ID: "bak-1", Type: domain.JobTypeDatabaseBackup})
	require.NoError(t, err)

	var summary backupSummary
	require.NoError(t, json.Unmarshal(out, &summary))
	assert.Equal(t, 0, summary.Pruned)
	require.FileExists(t, summary.Path)

	name := filepath.Base(summary.Path)
	assert.True(t, strings.HasPrefix(name, "memva-test-"), name)
	assert.True(t, strings.HasSuffix(name, ".db"), name)

	info, err := os.Stat(summary.Path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestDatabaseBackup_PrunesBeyondRetention(t *testing.T) {
	db := testutil.NewTestDB(t)

	dir := t.TempDir()
	h := NewDatabaseBackup(db, queue.NewManager(db.JobRepository()), dir, "test", 2, time.Hour)

	var last backupSummary
	for i := 0; i < 3; i++ {
		out, err := h.Execute(context.Background(), &domain.Job{ID: "bak-1", Type: domain.JobTypeDatabaseBackup})
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(out, &last))
	}
	assert.Equal(t, 1, last.Pruned)

	names := backupNames(t, dir)
	require.Len(t, names, 2)

	// Lexicographic order is chronological: the newest snapshot survives.
	assert.Equal(t, filepath.Base(last.Path), names[len(names)-1])
}

func TestDatabaseBackup_IgnoresForeignFiles(t *testing.T) {
	db := testutil.NewTestDB(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep me"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "memva-other-20200101-000000.000000000.db"), []byte("other env"), 0o600))

	h := NewDatabaseBackup(db, queue.NewManager(db.JobRepository()), dir, "test", 1, time.Hour)

	for i := 0; i < 2; i++ {
		_, err := h.Execute(context.Background(), &domain.Job{ID: "bak-1", Type: domain.JobTypeDatabaseBackup})
		require.NoError(t, err)
	}

	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
	assert.FileExists(t, filepath.Join(dir, "memva-other-20200101-000000.000000000.db"))

	var own int
	for _, name := range backupNames(t, dir) {
		if strings.HasPrefix(name, "memva-test-") {
			own++
		}
	}
	assert.Equal(t, 1, own)
}

func TestDatabaseBackup_ReschedulesItself(t *testing.T) {
	db := testutil.NewTestDB(t)

	h := NewDatabaseBackup(db, queue.NewManager(db.JobRepository()), t.TempDir(), "test", 5, time.Hour)

	for i := 0; i < 2; i++ {
		_, err := h.Execute(context.Background(), &domain.Job{ID: "bak-1", Type: domain.JobTypeDatabaseBackup})
		require.NoError(t, err)
	}

	pending, err := db.JobRepository().List(context.Background(),
		sqlite.JobFilter{Type: domain.JobTypeDatabaseBackup, Status: domain.JobPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
