package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle status of a queued run
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is a queued pipeline run request
type Job struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	Request     RunRequest `json:"request"`
	Status      JobStatus  `json:"status"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// JobStore persists queued jobs
type JobStore interface {
	Put(job *Job) error
	Get(id string) (*Job, error)
	List() ([]*Job, error)
}

// Executor runs a pipeline request to completion. *Manager implements it.
type Executor interface {
	Execute(ctx context.Context, req RunRequest) (*RunResponse, error)
}

// JobQueue serializes run requests through a fixed worker pool so at most
// `workers` runs execute at once.
type JobQueue struct {
	executor Executor
	store    JobStore
	logger   *slog.Logger

	jobs    chan *Job
	workers int

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewJobQueue creates a job queue with the given worker count and backlog
func NewJobQueue(executor Executor, store JobStore, workers, backlog int, logger *slog.Logger) *JobQueue {
	if workers <= 0 {
		workers = 1
	}
	if backlog <= 0 {
		backlog = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobQueue{
		executor: executor,
		store:    store,
		logger:   logger.With(slog.String("component", "pipeline.jobqueue")),
		jobs:     make(chan *Job, backlog),
		workers:  workers,
	}
}

// Start launches the worker pool
func (q *JobQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(workerCtx, i)
	}
	q.logger.Info("jobqueue_started", slog.Int("workers", q.workers))
}

// Stop cancels running jobs and waits for workers to exit
func (q *JobQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	cancel := q.cancel
	q.mu.Unlock()

	cancel()
	q.wg.Wait()
	q.logger.Info("jobqueue_stopped")
}

// Submit enqueues a run request and returns the job record
func (q *JobQueue) Submit(req RunRequest) (*Job, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	job := &Job{
		ID:         uuid.New().String(),
		RunID:      req.ID,
		Request:    req,
		Status:     JobStatusQueued,
		EnqueuedAt: time.Now(),
	}
	if err := q.store.Put(job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	select {
	case q.jobs <- job:
	default:
		job.Status = JobStatusFailed
		job.Error = "queue backlog full"
		_ = q.store.Put(job)
		return nil, fmt.Errorf("job queue backlog full")
	}

	q.logger.Info("job_enqueued",
		slog.String("job_id", job.ID),
		slog.String("run_id", job.RunID))
	return job, nil
}

// Job returns a job record by ID
func (q *JobQueue) Job(id string) (*Job, error) {
	return q.store.Get(id)
}

// Jobs returns all known job records
func (q *JobQueue) Jobs() ([]*Job, error) {
	return q.store.List()
}

func (q *JobQueue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.execute(ctx, job, id)
		}
	}
}

func (q *JobQueue) execute(ctx context.Context, job *Job, worker int) {
	now := time.Now()
	job.Status = JobStatusRunning
	job.StartedAt = &now
	if err := q.store.Put(job); err != nil {
		q.logger.Warn("job_update_failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}

	q.logger.Info("job_started",
		slog.String("job_id", job.ID),
		slog.String("run_id", job.RunID),
		slog.Int("worker", worker))

	_, err := q.executor.Execute(ctx, job.Request)

	done := time.Now()
	job.CompletedAt = &done
	if err != nil {
		job.Status = JobStatusFailed
		job.Error = err.Error()
	} else {
		job.Status = JobStatusCompleted
	}
	if serr := q.store.Put(job); serr != nil {
		q.logger.Warn("job_update_failed", slog.String("job_id", job.ID), slog.String("error", serr.Error()))
	}

	q.logger.Info("job_finished",
		slog.String("job_id", job.ID),
		slog.String("run_id", job.RunID),
		slog.String("status", string(job.Status)))
}
