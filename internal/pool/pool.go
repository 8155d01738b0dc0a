// Package pool runs a fixed set of workers that poll the queue and
// dispatch claimed jobs to registered handlers.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/log"
	"github.com/memva/memva/internal/pubsub"
	"github.com/memva/memva/internal/queue"
	"github.com/memva/memva/internal/tracing"
)

// DefaultWorkers is the default number of concurrent workers.
const DefaultWorkers = 4

// DefaultPollInterval is how often an idle worker checks for due jobs.
const DefaultPollInterval = 250 * time.Millisecond

// DefaultShutdownGrace bounds how long Close waits for in-flight
// handlers after cancelling them.
const DefaultShutdownGrace = 5 * time.Second

// ErrPoolClosed is returned when operations are attempted on a closed pool.
var ErrPoolClosed = fmt.Errorf("worker pool is closed")

// Handler executes jobs of one registered type.
type Handler interface {
	Execute(ctx context.Context, job *domain.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, job *domain.Job) (json.RawMessage, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// JobEvent announces a job transition on the pool broker. Served over
// the API's job stream, so the field names are wire format.
type JobEvent struct {
	JobID    string           `json:"job_id"`
	JobType  string           `json:"job_type"`
	Status   domain.JobStatus `json:"status"`
	WorkerID int              `json:"worker_id"`
	Error    string           `json:"error,omitempty"`
}

// Config holds configuration for the worker pool.
type Config struct {
	// Queue supplies jobs and records their outcomes.
	Queue *queue.Manager

	Workers       int           // Concurrent workers (default: 4)
	PollInterval  time.Duration // Idle poll cadence (default: 250ms)
	ShutdownGrace time.Duration // Close wait bound (default: 5s)

	// Tracer records one span per executed job. Nil disables tracing.
	Tracer trace.Tracer
}

// WorkerPool claims due jobs and runs them on a fixed set of workers.
type WorkerPool struct {
	queue         *queue.Manager
	handlers      map[string]Handler
	workers       int
	pollInterval  time.Duration
	shutdownGrace time.Duration
	broker        *pubsub.Broker[JobEvent]
	tracer        trace.Tracer
	ctx           context.Context
	cancel        context.CancelFunc
	mu            sync.RWMutex
	started       atomic.Bool
	closed        atomic.Bool
	wg            sync.WaitGroup
}

// NewWorkerPool creates a worker pool with the given configuration.
func NewWorkerPool(cfg Config) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("pool")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		queue:         cfg.Queue,
		handlers:      make(map[string]Handler),
		workers:       cfg.Workers,
		pollInterval:  cfg.PollInterval,
		shutdownGrace: cfg.ShutdownGrace,
		broker:        pubsub.NewBroker[JobEvent](),
		tracer:        cfg.Tracer,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Register binds a handler to a job type. Registering the same type
// twice is a programming error and fails loudly.
func (p *WorkerPool) Register(jobType string, h Handler) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.handlers[jobType]; exists {
		return fmt.Errorf("handler already registered for job type %q", jobType)
	}
	p.handlers[jobType] = h
	return nil
}

// Start launches the worker goroutines.
func (p *WorkerPool) Start() error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if p.started.Swap(true) {
		return fmt.Errorf("worker pool already started")
	}

	log.Info(log.CatPool, "starting workers",
		"count", p.workers, "poll_interval", p.pollInterval.String())

	for i := 1; i <= p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	return nil
}

// runWorker is one worker's claim/execute loop.
func (p *WorkerPool) runWorker(workerID int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		job, err := p.queue.ClaimNextDue(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.ErrorErr(log.CatPool, "claim failed", err, "worker_id", workerID)
			p.idle()
			continue
		}
		if job == nil {
			p.idle()
			continue
		}

		p.execute(workerID, job)
	}
}

// idle sleeps one poll interval or until shutdown.
func (p *WorkerPool) idle() {
	select {
	case <-p.ctx.Done():
	case <-time.After(p.pollInterval):
	}
}

// execute runs one claimed job and records its outcome.
func (p *WorkerPool) execute(workerID int, job *domain.Job) {
	p.mu.RLock()
	handler, ok := p.handlers[job.Type]
	p.mu.RUnlock()

	if !ok {
		log.Error(log.CatPool, "no handler for job type",
			"worker_id", workerID, "job_id", job.ID, "type", job.Type)
		p.recordFailure(workerID, job, fmt.Sprintf("no handler registered for job type %q", job.Type))
		return
	}

	runCtx, span := p.tracer.Start(p.ctx, tracing.SpanPrefixJob+job.Type,
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()
	span.SetAttributes(
		attribute.String(tracing.AttrJobID, job.ID),
		attribute.String(tracing.AttrJobType, job.Type),
		attribute.Int(tracing.AttrJobAttempt, job.Attempts),
		attribute.Int(tracing.AttrWorkerID, workerID),
	)
	span.AddEvent(tracing.EventJobClaimed)

	log.Debug(log.CatPool, "job started",
		"worker_id", workerID, "job_id", job.ID, "type", job.Type, "attempt", job.Attempts)
	p.broker.Publish(pubsub.UpdatedEvent, JobEvent{
		JobID: job.ID, JobType: job.Type, Status: domain.JobRunning, WorkerID: workerID,
	})

	result, err := p.runHandler(runCtx, handler, job)
	if err != nil {
		log.ErrorErr(log.CatPool, "job failed", err,
			"worker_id", workerID, "job_id", job.ID, "type", job.Type, "attempt", job.Attempts)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(tracing.AttrErrorMessage, err.Error()))
		status := p.recordFailure(workerID, job, err.Error())
		if status == domain.JobPending {
			span.AddEvent(tracing.EventJobRetryScheduled)
		}
		return
	}

	// Outcomes are recorded on a fresh context so a shutdown that
	// cancelled the handler cannot also lose the bookkeeping write.
	ctx, cancel := bookkeepingContext()
	defer cancel()
	if err := p.queue.Complete(ctx, job.ID, result); err != nil {
		log.ErrorErr(log.CatPool, "recording completion failed", err, "job_id", job.ID)
		return
	}
	span.SetStatus(codes.Ok, "")
	log.Debug(log.CatPool, "job completed", "worker_id", workerID, "job_id", job.ID, "type", job.Type)
	p.broker.Publish(pubsub.UpdatedEvent, JobEvent{
		JobID: job.ID, JobType: job.Type, Status: domain.JobCompleted, WorkerID: workerID,
	})
}

// runHandler invokes the handler, converting panics into errors so one
// bad job cannot take down its worker.
func (p *WorkerPool) runHandler(ctx context.Context, handler Handler, job *domain.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatPool, "handler panic recovered",
				"job_id", job.ID, "type", job.Type,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Execute(ctx, job)
}

// recordFailure records a failed run and publishes the resulting state,
// which is pending again when attempts remain.
func (p *WorkerPool) recordFailure(workerID int, job *domain.Job, msg string) domain.JobStatus {
	ctx, cancel := bookkeepingContext()
	defer cancel()

	status := domain.JobFailed
	if err := p.queue.Fail(ctx, job.ID, msg); err != nil {
		log.ErrorErr(log.CatPool, "recording failure failed", err, "job_id", job.ID)
		return status
	}

	if updated, err := p.queue.Get(ctx, job.ID); err == nil {
		status = updated.Status
	}
	p.broker.Publish(pubsub.UpdatedEvent, JobEvent{
		JobID: job.ID, JobType: job.Type, Status: status, WorkerID: workerID, Error: msg,
	})
	return status
}

// bookkeepingContext bounds outcome writes independently of pool state.
func bookkeepingContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// Close stops claiming, cancels in-flight handlers, and waits up to the
// shutdown grace for workers to record their outcomes.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return // Already closed
	}

	log.Info(log.CatPool, "closing worker pool")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.shutdownGrace):
		log.Warn(log.CatPool, "workers did not stop within grace period",
			"grace", p.shutdownGrace.String())
	}
	p.broker.Close()
}

// Broker returns the pub/sub broker for job events. Subscribers receive
// running, completed, pending (retry), and failed transitions.
func (p *WorkerPool) Broker() *pubsub.Broker[JobEvent] {
	return p.broker
}

// Workers returns the configured worker count.
func (p *WorkerPool) Workers() int {
	return p.workers
}
