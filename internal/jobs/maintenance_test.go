package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/infrastructure/sqlite"
	"github.com/memva/memva/internal/permissions"
	"github.com/memva/memva/internal/queue"
	"github.com/memva/memva/internal/testutil"
)

func newMaintenance(t *testing.T, db *sqlite.DB, staleAfter time.Duration) *Maintenance {
	t.Helper()
	broker := permissions.NewBroker(db)
	q := queue.NewManager(db.JobRepository())
	return NewMaintenance(db, broker, q, time.Minute, staleAfter)
}

func runMaintenance(t *testing.T, h *Maintenance) maintenanceSummary {
	t.Helper()
	out, err := h.Execute(context.Background(), &domain.Job{ID: "maint-1", Type: domain.JobTypeMaintenance})
	require.NoError(t, err)
	var summary maintenanceSummary
	require.NoError(t, json.Unmarshal(out, &summary))
	return summary
}

func TestMaintenance_ExpiresOverduePermissions(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.NewBuilder(t, db).
		WithSession("sess-1").
		WithPermission("perm-overdue", "sess-1", "Bash",
			testutil.ExpiresAt(time.Now().Add(-time.Minute))).
		WithPermission("perm-fresh", "sess-1", "Write").
		Build()

	summary := runMaintenance(t, newMaintenance(t, db, DefaultStaleAfter))
	assert.Equal(t, 1, summary.ExpiredPermissions)

	broker := permissions.NewBroker(db)
	overdue, err := broker.Get(context.Background(), "perm-overdue")
	require.NoError(t, err)
	assert.Equal(t, domain.PermissionExpired, overdue.Status)

	fresh, err := broker.Get(context.Background(), "perm-fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.PermissionPending, fresh.Status)
}

func TestMaintenance_FailsStaleJobsAndResetsTheirSessions(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.NewBuilder(t, db).
		WithSession("sess-1", testutil.ClaudeStatus(domain.ClaudeProcessing)).
		WithJob("stale-job", domain.JobTypeSessionRunner,
			testutil.JobStatus(domain.JobRunning),
			testutil.RunPayload("sess-1", "hello"),
			testutil.StartedAt(time.Now().Add(-2*time.Hour))).
		Build()

	summary := runMaintenance(t, newMaintenance(t, db, time.Hour))
	assert.Equal(t, 1, summary.StaleJobs)
	assert.Equal(t, 1, summary.OrphanedSessions)

	job, err := db.JobRepository().Get(context.Background(), "stale-job")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Contains(t, job.Error, "worker lost")

	session, err := db.SessionRepository().Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ClaudeError, session.ClaudeStatus)
}

func TestMaintenance_ResetsOrphanedSessions(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.NewBuilder(t, db).
		WithSession("orphan-1", testutil.ClaudeStatus(domain.ClaudeProcessing)).
		WithSession("orphan-2", testutil.ClaudeStatus(domain.ClaudeWaitingForInput)).
		WithActiveRun("healthy").
		Build()

	summary := runMaintenance(t, newMaintenance(t, db, DefaultStaleAfter))
	assert.Equal(t, 2, summary.OrphanedSessions)

	for _, id := range []string{"orphan-1", "orphan-2"} {
		session, err := db.SessionRepository().Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.ClaudeError, session.ClaudeStatus, id)
	}

	healthy, err := db.SessionRepository().Get(context.Background(), "healthy")
	require.NoError(t, err)
	assert.Equal(t, domain.ClaudeProcessing, healthy.ClaudeStatus)
}

func TestMaintenance_LeavesFreshRunsAlone(t *testing.T) {
	db := testutil.NewTestDB(t)
	testutil.NewBuilder(t, db).
		WithActiveRun("sess-1").
		WithPermission("perm-1", "sess-1", "Bash").
		Build()

	summary := runMaintenance(t, newMaintenance(t, db, DefaultStaleAfter))
	assert.Equal(t, maintenanceSummary{}, summary)

	job, err := db.JobRepository().Get(context.Background(), "sess-1-job")
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, job.Status)
}

func TestMaintenance_ReschedulesItself(t *testing.T) {
	db := testutil.NewTestDB(t)
	h := newMaintenance(t, db, DefaultStaleAfter)

	runMaintenance(t, h)
	runMaintenance(t, h)

	pending, err := db.JobRepository().List(context.Background(),
		sqlite.JobFilter{Type: domain.JobTypeMaintenance, Status: domain.JobPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1, "exactly one pending sweep regardless of how many ran")
}
