package pool

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/infrastructure/sqlite"
	"github.com/memva/memva/internal/queue"
	"github.com/memva/memva/internal/testutil"
)

func newPool(t *testing.T, workers int) (*WorkerPool, *queue.Manager, *sqlite.DB) {
	t.Helper()
	db := testutil.NewTestDB(t)
	q := queue.NewManager(db.JobRepository())
	p := NewWorkerPool(Config{
		Queue:         q,
		Workers:       workers,
		PollInterval:  10 * time.Millisecond,
		ShutdownGrace: time.Second,
	})
	t.Cleanup(p.Close)
	return p, q, db
}

func waitForStatus(t *testing.T, q *queue.Manager, jobID string, want domain.JobStatus) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = q.Get(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", jobID, want)
	return job
}

func TestWorkerPool_RunsJobToCompletion(t *testing.T) {
	p, q, _ := newPool(t, 1)

	var got atomic.Value
	require.NoError(t, p.Register("greet", HandlerFunc(func(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
		got.Store(string(job.Data))
		return json.RawMessage(`{"greeted":true}`), nil
	})))
	require.NoError(t, p.Start())

	job, err := q.Enqueue(context.Background(), "greet", map[string]string{"name": "amy"})
	require.NoError(t, err)

	done := waitForStatus(t, q, job.ID, domain.JobCompleted)
	assert.JSONEq(t, `{"greeted":true}`, string(done.Result))
	assert.Equal(t, 1, done.Attempts)
	assert.NotNil(t, done.CompletedAt)
	assert.JSONEq(t, `{"name":"amy"}`, got.Load().(string))
}

func TestWorkerPool_DispatchesByType(t *testing.T) {
	p, q, _ := newPool(t, 2)

	var alphas, betas atomic.Int32
	require.NoError(t, p.Register("alpha", HandlerFunc(func(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
		alphas.Add(1)
		return nil, nil
	})))
	require.NoError(t, p.Register("beta", HandlerFunc(func(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
		betas.Add(1)
		return nil, nil
	})))
	require.NoError(t, p.Start())

	a, err := q.Enqueue(context.Background(), "alpha", nil)
	require.NoError(t, err)
	b, err := q.Enqueue(context.Background(), "beta", nil)
	require.NoError(t, err)

	waitForStatus(t, q, a.ID, domain.JobCompleted)
	waitForStatus(t, q, b.ID, domain.JobCompleted)
	assert.Equal(t, int32(1), alphas.Load())
	assert.Equal(t, int32(1), betas.Load())
}

func TestWorkerPool_FailedJobRequeuesWithBackoff(t *testing.T) {
	p, q, _ := newPool(t, 1)

	require.NoError(t, p.Register("flaky", HandlerFunc(func(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})))
	require.NoError(t, p.Start())

	job, err := q.Enqueue(context.Background(), "flaky", nil)
	require.NoError(t, err)

	// First attempt fails; with attempts remaining the job goes back to
	// pending, due again only after the backoff. Requiring attempts = 1
	// keeps the wait from matching the job's initial pending state.
	var retried *domain.Job
	require.Eventually(t, func() bool {
		var err error
		retried, err = q.Get(context.Background(), job.ID)
		return err == nil && retried.Status == domain.JobPending && retried.Attempts == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "boom", retried.Error)
	require.NotNil(t, retried.ScheduledAt)
	assert.True(t, retried.ScheduledAt.After(time.Now()), "retry must not be due immediately")
}

func TestWorkerPool_ExhaustedAttemptsFailPermanently(t *testing.T) {
	p, q, db := newPool(t, 1)
	testutil.NewBuilder(t, db).
		WithJob("job-1", "flaky", testutil.MaxAttempts(1)).
		Build()

	require.NoError(t, p.Register("flaky", HandlerFunc(func(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})))
	require.NoError(t, p.Start())

	failed := waitForStatus(t, q, "job-1", domain.JobFailed)
	assert.Equal(t, "boom", failed.Error)
	assert.NotNil(t, failed.CompletedAt)
}

func TestWorkerPool_UnregisteredTypeFails(t *testing.T) {
	p, q, db := newPool(t, 1)
	testutil.NewBuilder(t, db).
		WithJob("job-1", "mystery", testutil.MaxAttempts(1)).
		Build()

	require.NoError(t, p.Register("known", HandlerFunc(func(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
		return nil, nil
	})))
	require.NoError(t, p.Start())

	failed := waitForStatus(t, q, "job-1", domain.JobFailed)
	assert.Contains(t, failed.Error, "no handler registered")
}

func TestWorkerPool_RecoversFromHandlerPanic(t *testing.T) {
	p, q, db := newPool(t, 1)
	testutil.NewBuilder(t, db).
		WithJob("job-1", "panicky", testutil.MaxAttempts(1)).
		Build()

	require.NoError(t, p.Register("panicky", HandlerFunc(func(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
		panic("kaboom")
	})))
	require.NoError(t, p.Register("calm", HandlerFunc(func(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
		return nil, nil
	})))
	require.NoError(t, p.Start())

	failed := waitForStatus(t, q, "job-1", domain.JobFailed)
	assert.Contains(t, failed.Error, "handler panic: kaboom")

	// The worker survived the panic and keeps serving.
	next, err := q.Enqueue(context.Background(), "calm", nil)
	require.NoError(t, err)
	waitForStatus(t, q, next.ID, domain.JobCompleted)
}

func TestWorkerPool_PublishesLifecycleEvents(t *testing.T) {
	p, q, _ := newPool(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	events := p.Broker().Subscribe(ctx)

	require.NoError(t, p.Register("noop", HandlerFunc(func(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
		return nil, nil
	})))
	require.NoError(t, p.Start())

	job, err := q.Enqueue(context.Background(), "noop", nil)
	require.NoError(t, err)

	var seen []domain.JobStatus
	deadline := time.After(5 * time.Second)
	for len(seen) == 0 || seen[len(seen)-1] != domain.JobCompleted {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "broker closed early")
			if ev.Payload.JobID != job.ID {
				continue
			}
			assert.Equal(t, "noop", ev.Payload.JobType)
			assert.Equal(t, 1, ev.Payload.WorkerID)
			seen = append(seen, ev.Payload.Status)
		case <-deadline:
			t.Fatalf("timed out, transitions so far: %v", seen)
		}
	}
	assert.Equal(t, []domain.JobStatus{domain.JobRunning, domain.JobCompleted}, seen)
}

func TestWorkerPool_CloseCancelsInFlightHandlers(t *testing.T) {
	p, q, _ := newPool(t, 1)

	started := make(chan struct{})
	require.NoError(t, p.Register("slow", HandlerFunc(func(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})))
	require.NoError(t, p.Start())

	job, err := q.Enqueue(context.Background(), "slow", nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	p.Close()

	// The interrupted attempt is recorded, not lost: the job is pending
	// again for whoever runs next.
	got, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, got.Status)
	assert.Contains(t, got.Error, "context canceled")
}

func TestWorkerPool_ClosedPoolRefusesWork(t *testing.T) {
	p, _, _ := newPool(t, 1)
	p.Close()

	err := p.Register("late", HandlerFunc(func(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
		return nil, nil
	}))
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.ErrorIs(t, p.Start(), ErrPoolClosed)
}

func TestWorkerPool_RegisterDuplicateTypeFails(t *testing.T) {
	p, _, _ := newPool(t, 1)

	noop := HandlerFunc(func(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
		return nil, nil
	})
	require.NoError(t, p.Register("dup", noop))
	err := p.Register("dup", noop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestWorkerPool_Defaults(t *testing.T) {
	_, q, _ := newPool(t, 1)

	p := NewWorkerPool(Config{Queue: q})
	defer p.Close()
	assert.Equal(t, DefaultWorkers, p.Workers())
}
