package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/testutil"
)

func TestManager_EnqueueEncodesPayload(t *testing.T) {
	db := testutil.NewTestDB(t)
	m := NewManager(db.JobRepository())
	ctx := context.Background()

	job, err := m.Enqueue(ctx, domain.JobTypeSessionRunner, domain.SessionRunPayload{
		SessionID: "sess-1",
		Prompt:    "hello",
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"session_id":"sess-1","prompt":"hello"}`, string(job.Data))
	require.Equal(t, domain.PrioritySessionRunner, job.Priority)

	empty, err := m.Enqueue(ctx, domain.JobTypeMaintenance, nil)
	require.NoError(t, err)
	require.Empty(t, empty.Data)
}

func TestManager_EnqueueSessionRunConflictsWhileActive(t *testing.T) {
	db := testutil.NewTestDB(t)
	m := NewManager(db.JobRepository())
	ctx := context.Background()

	payload := domain.SessionRunPayload{SessionID: "sess-1", Prompt: "hello"}
	first, err := m.EnqueueSessionRun(ctx, payload)
	require.NoError(t, err)

	// Pending job blocks a second enqueue.
	_, err = m.EnqueueSessionRun(ctx, payload)
	require.True(t, domain.IsConflict(err))

	// Running job still blocks.
	claimed, err := m.ClaimNextDue(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, claimed.ID)
	_, err = m.EnqueueSessionRun(ctx, payload)
	require.True(t, domain.IsConflict(err))

	// A finished run frees the session.
	require.NoError(t, m.Complete(ctx, first.ID, nil))
	_, err = m.EnqueueSessionRun(ctx, payload)
	require.NoError(t, err)
}

func TestManager_EnqueueSessionRunIndependentSessions(t *testing.T) {
	db := testutil.NewTestDB(t)
	m := NewManager(db.JobRepository())
	ctx := context.Background()

	_, err := m.EnqueueSessionRun(ctx, domain.SessionRunPayload{SessionID: "sess-1", Prompt: "a"})
	require.NoError(t, err)
	_, err = m.EnqueueSessionRun(ctx, domain.SessionRunPayload{SessionID: "sess-2", Prompt: "b"})
	require.NoError(t, err)
}

func TestManager_EnsureScheduled(t *testing.T) {
	db := testutil.NewTestDB(t)
	m := NewManager(db.JobRepository())
	ctx := context.Background()

	runAt := time.Now().Add(time.Minute)
	job, err := m.EnsureScheduled(ctx, domain.JobTypeMaintenance, runAt)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NotNil(t, job.ScheduledAt)

	// A second call is a no-op while the first is pending.
	dup, err := m.EnsureScheduled(ctx, domain.JobTypeMaintenance, runAt.Add(time.Minute))
	require.NoError(t, err)
	require.Nil(t, dup)

	// Other types schedule independently.
	other, err := m.EnsureScheduled(ctx, domain.JobTypeDatabaseVacuum, runAt)
	require.NoError(t, err)
	require.NotNil(t, other)
}

func TestManager_RecoverAbandoned(t *testing.T) {
	db := testutil.NewTestDB(t)
	m := NewManager(db.JobRepository())
	ctx := context.Background()

	testutil.NewBuilder(t, db).
		WithSession("sess-1").
		WithJob("abandoned", domain.JobTypeSessionRunner,
			testutil.JobStatus(domain.JobRunning),
			testutil.Attempts(1),
			testutil.StartedAt(time.Now().Add(-time.Hour))).
		WithJob("waiting", domain.JobTypeMaintenance).
		Build()

	n, err := m.RecoverAbandoned(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := m.Get(ctx, "abandoned")
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, job.Status)
	require.Equal(t, "worker lost", job.Error)

	pending, err := m.Get(ctx, "waiting")
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, pending.Status)
}

// TestProperty_ClaimOrderNeverInverts drains a randomly filled queue and
// verifies claims come out by priority, oldest first within a priority,
// with every job claimed exactly once.
func TestProperty_ClaimOrderNeverInverts(t *testing.T) {
	jobTypes := []string{
		domain.JobTypeSessionRunner,
		domain.JobTypeSessionSync,
		domain.JobTypeMaintenance,
		domain.JobTypeDatabaseBackup,
		domain.JobTypeDatabaseVacuum,
	}

	rapid.Check(t, func(r *rapid.T) {
		db := testutil.NewTestDB(t)
		m := NewManager(db.JobRepository())
		ctx := context.Background()

		numJobs := rapid.IntRange(1, 25).Draw(r, "numJobs")
		enqueued := make(map[string]bool, numJobs)
		for i := 0; i < numJobs; i++ {
			jobType := jobTypes[rapid.IntRange(0, len(jobTypes)-1).Draw(r, "jobType")]
			job, err := m.Enqueue(ctx, jobType, nil)
			require.NoError(t, err)
			enqueued[job.ID] = true
		}

		var claimed []*domain.Job
		for {
			job, err := m.ClaimNextDue(ctx)
			require.NoError(t, err)
			if job == nil {
				break
			}
			claimed = append(claimed, job)
			require.NoError(t, m.Complete(ctx, job.ID, nil))
		}

		// INVARIANT: every enqueued job is claimed exactly once.
		require.Len(t, claimed, numJobs)
		for _, job := range claimed {
			require.True(t, enqueued[job.ID], "claimed unknown job %s", job.ID)
			delete(enqueued, job.ID)
		}

		// INVARIANT: priority never rises across the drain, and within a
		// priority older jobs go first.
		for i := 1; i < len(claimed); i++ {
			prev, cur := claimed[i-1], claimed[i]
			require.GreaterOrEqual(t, prev.Priority, cur.Priority,
				"claim %d (priority %d) before claim %d (priority %d)",
				i-1, prev.Priority, i, cur.Priority)
			if prev.Priority == cur.Priority {
				require.False(t, prev.CreatedAt.After(cur.CreatedAt),
					"newer job claimed before older one at priority %d", cur.Priority)
			}
		}
	})
}
