// Package jobs runs ingestion work asynchronously. Submit hands a job to a
// channel, a dispatcher feeds an ants worker pool, and job state is published
// to a Store that callers poll through Status.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/knoguchi/ragengine/internal/repository"
)

const (
	DefaultWorkers    = 2
	DefaultBufferSize = 64
)

// Work is the body of a job. It reports per-item progress through p.
type Work func(ctx context.Context, p *Progress) error

// StateHook observes job state transitions. from is empty for a new job.
type StateHook func(from, to repository.JobState)

type task struct {
	job  *repository.IngestJob
	work Work
}

// Queue is an asynchronous job runner.
type Queue struct {
	store   Store
	pool    *ants.Pool
	submit  chan task
	workers int
	buffer  int
	hook    StateHook
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool

	ctx        context.Context
	cancel     context.CancelFunc
	running    sync.WaitGroup
	dispatched chan struct{}
}

// Option is a functional option for configuring Queue.
type Option func(*Queue)

// WithWorkers sets the number of concurrently running jobs.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithBufferSize sets how many submitted jobs may wait for a worker.
func WithBufferSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.buffer = n
		}
	}
}

// WithStateHook registers a state transition observer.
func WithStateHook(h StateHook) Option {
	return func(q *Queue) {
		q.hook = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// NewQueue creates a queue over store and starts its dispatcher.
func NewQueue(store Store, opts ...Option) (*Queue, error) {
	q := &Queue{
		store:      store,
		workers:    DefaultWorkers,
		buffer:     DefaultBufferSize,
		logger:     slog.Default(),
		dispatched: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "job-queue")

	pool, err := ants.NewPool(q.workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	q.pool = pool
	q.submit = make(chan task, q.buffer)
	q.ctx, q.cancel = context.WithCancel(context.Background())

	go q.dispatch()
	return q, nil
}

// Submit records a pending job of total items and queues work for it.
func (q *Queue) Submit(ctx context.Context, total int, work Work) (*repository.IngestJob, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	job := &repository.IngestJob{
		ID:        uuid.New(),
		State:     repository.JobPending,
		Total:     total,
		Errors:    []string{},
		CreatedAt: time.Now().UTC(),
	}
	if err := q.store.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to record job: %w", err)
	}
	q.transition("", repository.JobPending)
	snapshot := cloneJob(job)

	select {
	case q.submit <- task{job: job, work: work}:
	case <-ctx.Done():
		q.finish(job, repository.JobFailed, ctx.Err())
		return nil, fmt.Errorf("failed to queue job: %w", ctx.Err())
	}

	q.logger.Info("job submitted", "job_id", snapshot.ID, "total", total)
	return snapshot, nil
}

// Status returns the current read model of a job.
func (q *Queue) Status(ctx context.Context, id uuid.UUID) (*repository.IngestJob, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job status: %w", err)
	}
	return job, nil
}

// Close stops accepting jobs and waits for queued and running jobs until ctx
// expires, after which running jobs are cancelled.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.submit)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-q.dispatched
		q.running.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		q.cancel()
		<-done
		err = ctx.Err()
	}
	q.cancel()
	q.pool.Release()
	return err
}

func (q *Queue) dispatch() {
	defer close(q.dispatched)
	for t := range q.submit {
		q.running.Add(1)
		if err := q.pool.Submit(func() {
			defer q.running.Done()
			q.run(t)
		}); err != nil {
			q.running.Done()
			q.finish(t.job, repository.JobFailed, err)
		}
	}
}

func (q *Queue) run(t task) {
	job := t.job
	now := time.Now().UTC()
	job.State = repository.JobRunning
	job.StartedAt = &now
	q.save(job)
	q.transition(repository.JobPending, repository.JobRunning)

	p := &Progress{queue: q, job: job}
	err := q.safeRun(t.work, p)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		q.finish(job, repository.JobFailed, err)
		return
	}
	q.finish(job, repository.JobCompleted, nil)
}

func (q *Queue) safeRun(work Work, p *Progress) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return work(q.ctx, p)
}

func (q *Queue) finish(job *repository.IngestJob, state repository.JobState, err error) {
	from := job.State
	now := time.Now().UTC()
	job.State = state
	job.CompletedAt = &now
	if err != nil {
		job.Error = err.Error()
	}
	q.save(job)
	q.transition(from, state)

	if err != nil {
		q.logger.Warn("job failed", "job_id", job.ID, "error", err)
		return
	}
	q.logger.Info("job completed",
		"job_id", job.ID,
		"processed", job.Processed,
		"indexed", job.Indexed,
		"errors", len(job.Errors),
	)
}

func (q *Queue) save(job *repository.IngestJob) {
	// Status writes outlive a cancelled job context.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.store.Save(ctx, job); err != nil {
		q.logger.Warn("failed to save job state", "job_id", job.ID, "error", err)
	}
}

func (q *Queue) transition(from, to repository.JobState) {
	if q.hook != nil {
		q.hook(from, to)
	}
}

// Progress lets running work report per-item outcomes. It is safe for
// concurrent use.
type Progress struct {
	queue *Queue
	mu    sync.Mutex
	job   *repository.IngestJob
}

// JobID returns the ID of the job being run.
func (p *Progress) JobID() uuid.UUID {
	return p.job.ID
}

// Done counts one processed item; indexed reports whether it was written.
func (p *Progress) Done(indexed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.job.Processed++
	if indexed {
		p.job.Indexed++
	}
	p.queue.save(p.job)
}

// Failed counts one processed item that could not be indexed.
func (p *Progress) Failed(item string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.job.Processed++
	p.job.Errors = append(p.job.Errors, fmt.Sprintf("%s: %v", item, err))
	p.queue.save(p.job)
}
