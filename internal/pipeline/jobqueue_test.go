package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExecutor struct {
	executed atomic.Int32
	err      error
	block    chan struct{}
}

func (e *stubExecutor) Execute(ctx context.Context, req RunRequest) (*RunResponse, error) {
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return nil, NewCancellationError("")
		}
	}
	e.executed.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	return &RunResponse{ID: req.ID, Status: RunStatusCompleted}, nil
}

func TestJobQueueExecutesSubmittedJobs(t *testing.T) {
	exec := &stubExecutor{}
	q := NewJobQueue(exec, NewMemoryJobStore(), 2, 8, nil)
	q.Start(context.Background())
	defer q.Stop()

	job, err := q.Submit(RunRequest{Source: "data.csv"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.NotEmpty(t, job.RunID)

	require.Eventually(t, func() bool {
		got, err := q.Job(job.ID)
		return err == nil && got.Status == JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := q.Job(job.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, int32(1), exec.executed.Load())
}

func TestJobQueueRecordsFailures(t *testing.T) {
	exec := &stubExecutor{err: errors.New("stage blew up")}
	q := NewJobQueue(exec, NewMemoryJobStore(), 1, 8, nil)
	q.Start(context.Background())
	defer q.Stop()

	job, err := q.Submit(RunRequest{Source: "data.csv"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := q.Job(job.ID)
		return err == nil && got.Status == JobStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := q.Job(job.ID)
	assert.Equal(t, "stage blew up", got.Error)
}

func TestJobQueueBacklogFull(t *testing.T) {
	// Queue never started, so nothing drains the backlog of one
	q := NewJobQueue(&stubExecutor{}, NewMemoryJobStore(), 1, 1, nil)

	_, err := q.Submit(RunRequest{Source: "a.csv"})
	require.NoError(t, err)

	_, err = q.Submit(RunRequest{Source: "b.csv"})
	require.Error(t, err)
}

func TestJobQueueList(t *testing.T) {
	q := NewJobQueue(&stubExecutor{}, NewMemoryJobStore(), 1, 8, nil)

	first, err := q.Submit(RunRequest{Source: "a.csv"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := q.Submit(RunRequest{Source: "b.csv"})
	require.NoError(t, err)

	jobs, err := q.Jobs()
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID, "newest first")
	assert.Equal(t, first.ID, jobs[1].ID)
}

func TestJobQueueStopCancelsRunningJob(t *testing.T) {
	exec := &stubExecutor{block: make(chan struct{})}
	q := NewJobQueue(exec, NewMemoryJobStore(), 1, 8, nil)
	q.Start(context.Background())

	job, err := q.Submit(RunRequest{Source: "data.csv"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := q.Job(job.ID)
		return err == nil && got.Status == JobStatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	q.Stop()

	got, err := q.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
}
