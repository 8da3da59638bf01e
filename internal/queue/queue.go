// Package queue is the job lifecycle API layered on a store.Store. It adds
// the retry policy, the cancellation rules and the terminal-state guard.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_jobs/internal/jobs"
	"github.com/austindbirch/harbor_jobs/internal/store"
)

var (
	// ErrNotCancellable is returned by CancelJob for jobs that are neither
	// queued nor running.
	ErrNotCancellable = errors.New("job is not cancellable")
	// ErrNotRetryable is returned by RetryJob for jobs that are not failed.
	ErrNotRetryable = errors.New("job is not retryable")
	// ErrTerminal is returned when completing or failing a job that has
	// already been resolved.
	ErrTerminal = errors.New("job already resolved")
)

// Queue wraps a Store with lifecycle policy.
type Queue struct {
	store store.Store
	now   func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides time.Now, used for backoff and completion stamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New returns a Queue over s.
func New(s store.Store, opts ...Option) *Queue {
	q := &Queue{store: s, now: time.Now}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Store exposes the underlying store for item-level helpers.
func (q *Queue) Store() store.Store { return q.store }

func (q *Queue) Enqueue(ctx context.Context, n jobs.NewJob) (*jobs.Job, error) {
	return q.store.Create(ctx, n.Normalize())
}

func (q *Queue) EnqueueWithItems(ctx context.Context, n jobs.NewJob, items []json.RawMessage) (*jobs.Job, error) {
	return q.store.CreateWithItems(ctx, n.Normalize(), items)
}

func (q *Queue) ClaimNext(ctx context.Context, jobType string, limit int) ([]*jobs.Job, error) {
	return q.store.ClaimNext(ctx, jobType, limit)
}

func (q *Queue) Get(ctx context.Context, id string) (*jobs.Job, error) {
	return q.store.Get(ctx, id)
}

// UpdateProgress clamps progress to 0..100 and merges details into the
// job's existing progress details. Keys in details win.
func (q *Queue) UpdateProgress(ctx context.Context, id string, progress int, details map[string]any) (*jobs.Job, error) {
	u := jobs.JobUpdate{Progress: jobs.Some(jobs.ClampProgress(progress))}
	if len(details) > 0 {
		current, err := q.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		merged, err := mergeDetails(current.ProgressDetails, details)
		if err != nil {
			return nil, err
		}
		u.ProgressDetails = jobs.Some(merged)
	}
	return q.store.Update(ctx, id, u)
}

func mergeDetails(existing json.RawMessage, details map[string]any) (json.RawMessage, error) {
	merged := map[string]any{}
	if len(existing) > 0 {
		// Non-object details are replaced rather than merged.
		_ = json.Unmarshal(existing, &merged)
		if merged == nil {
			merged = map[string]any{}
		}
	}
	for k, v := range details {
		merged[k] = v
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode progress details: %w", err)
	}
	return b, nil
}

// CompleteJob records a successful run.
func (q *Queue) CompleteJob(ctx context.Context, id string, output json.RawMessage) (*jobs.Job, error) {
	j, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.IsTerminal() {
		return j, fmt.Errorf("complete %s (%s): %w", id, j.Status, ErrTerminal)
	}
	return q.store.Update(ctx, id, jobs.JobUpdate{
		Status:      jobs.Some(jobs.StatusCompleted),
		Progress:    jobs.Some(100),
		Output:      jobs.Some(output),
		CompletedAt: jobs.Some(jobs.TimePtr(q.now())),
	})
}

// FailJob records a failed run. With attempts left the job goes back to
// queued behind a backoff; otherwise it fails permanently. The error is
// recorded either way.
func (q *Queue) FailJob(ctx context.Context, id string, jobErr *jobs.JobError) (*jobs.Job, error) {
	j, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.IsTerminal() {
		return j, fmt.Errorf("fail %s (%s): %w", id, j.Status, ErrTerminal)
	}
	now := q.now()
	if j.Attempts < j.MaxAttempts {
		return q.store.Update(ctx, id, jobs.JobUpdate{
			Status:    jobs.Some(jobs.StatusQueued),
			Error:     jobs.Some(jobErr),
			NextRunAt: jobs.Some(jobs.TimePtr(now.Add(jobs.Backoff(j.Attempts)))),
			StartedAt: jobs.Null[*time.Time](),
		})
	}
	return q.store.Update(ctx, id, jobs.JobUpdate{
		Status:      jobs.Some(jobs.StatusFailed),
		Error:       jobs.Some(jobErr),
		CompletedAt: jobs.Some(jobs.TimePtr(now)),
	})
}

// CancelJob marks a queued or running job cancelled. A running handler is
// not interrupted; it has to observe the status itself.
func (q *Queue) CancelJob(ctx context.Context, id string) (*jobs.Job, error) {
	j, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != jobs.StatusQueued && j.Status != jobs.StatusRunning {
		return j, fmt.Errorf("cancel %s (%s): %w", id, j.Status, ErrNotCancellable)
	}
	return q.store.Update(ctx, id, jobs.JobUpdate{
		Status:      jobs.Some(jobs.StatusCancelled),
		CompletedAt: jobs.Some(jobs.TimePtr(q.now())),
	})
}

// RetryJob puts a failed job back in the queue with a fresh attempt budget.
func (q *Queue) RetryJob(ctx context.Context, id string) (*jobs.Job, error) {
	j, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != jobs.StatusFailed {
		return j, fmt.Errorf("retry %s (%s): %w", id, j.Status, ErrNotRetryable)
	}
	return q.store.Update(ctx, id, jobs.JobUpdate{
		Status:      jobs.Some(jobs.StatusQueued),
		Attempts:    jobs.Some(0),
		Progress:    jobs.Some(0),
		Error:       jobs.Null[*jobs.JobError](),
		NextRunAt:   jobs.Null[*time.Time](),
		StartedAt:   jobs.Null[*time.Time](),
		CompletedAt: jobs.Null[*time.Time](),
	})
}

// ReleaseJob undoes a claim that did not turn into an execution attempt.
// The job is immediately claimable again.
func (q *Queue) ReleaseJob(ctx context.Context, j *jobs.Job) (*jobs.Job, error) {
	attempts := j.Attempts - 1
	if attempts < 0 {
		attempts = 0
	}
	return q.store.Update(ctx, j.ID, jobs.JobUpdate{
		Status:    jobs.Some(jobs.StatusQueued),
		StartedAt: jobs.Null[*time.Time](),
		Attempts:  jobs.Some(attempts),
	})
}

// DetectTimeouts fails every running job past its timeout.
func (q *Queue) DetectTimeouts(ctx context.Context) (int64, error) {
	return q.store.DetectAndFailTimedOut(ctx)
}
