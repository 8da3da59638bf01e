package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_jobs/internal/actions"
	"github.com/austindbirch/harbor_jobs/internal/jobs"
	"github.com/austindbirch/harbor_jobs/internal/metrics"
	"github.com/austindbirch/harbor_jobs/internal/semaphore"
	"github.com/austindbirch/harbor_jobs/internal/tracing"
)

// individual invokes the action once per pending item, IndividualChunkSize
// items per round, with at most Config.Concurrency calls in flight. Before
// each round it re-reads the job and stops if it was cancelled.
func (r *run) individual(ctx context.Context) error {
	sem := semaphore.New(r.in.Config.Concurrency)
	log := r.d.log.WithContext(ctx).WithJob(r.job.ID)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		current, err := r.d.store.Get(ctx, r.job.ID)
		if err != nil {
			return err
		}
		if current.Status == jobs.StatusCancelled {
			n, err := r.d.store.SkipPendingItems(ctx, r.job.ID)
			if err != nil {
				return err
			}
			r.cancelled = true
			r.skipped += n
			log.WithField("skipped", n).Info("job cancelled, remaining items skipped")
			return nil
		}

		pending, err := r.d.store.FindPendingItems(ctx, r.job.ID, IndividualChunkSize)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		if err := r.individualChunk(ctx, sem, pending); err != nil {
			return err
		}
		r.progress(ctx, r.chunkProgress(), map[string]any{
			"stage":               "individual",
			"processed":           r.processed.Load(),
			"total":               r.total,
			"individualCallsMade": r.individualCalls.Load(),
		})
	}
}

func (r *run) individualChunk(ctx context.Context, sem *semaphore.Semaphore, items []*jobs.Item) error {
	ctx, span := tracing.StartSpan(ctx, "batch.individual_chunk",
		attribute.String("job.id", r.job.ID),
		attribute.Int("batch.chunk_size", len(items)),
	)
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	for _, it := range items {
		if err := sem.Acquire(gctx); err != nil {
			break
		}
		g.Go(func() (err error) {
			defer sem.Release()
			defer r.processed.Inc()
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("item %s: panic: %v", it.ID, p)
				}
			}()
			return r.processItem(gctx, it)
		})
	}
	if err := g.Wait(); err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}
	return ctx.Err()
}

// processItem runs one item to a terminal status. Only store failures and
// context cancellation are returned; invocation failures land on the item.
func (r *run) processItem(ctx context.Context, it *jobs.Item) error {
	if r.started.Swap(true) && r.in.Config.DelayMs > 0 {
		t := time.NewTimer(time.Duration(r.in.Config.DelayMs) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	if _, err := r.d.store.UpdateItem(ctx, it.ID, jobs.ItemUpdate{
		Status:   jobs.Some(jobs.ItemRunning),
		Attempts: jobs.Some(it.Attempts + 1),
	}); err != nil {
		return err
	}

	res, err := r.invoke(ctx, it)
	r.individualCalls.Inc()

	var u jobs.ItemUpdate
	now := r.d.now()
	switch {
	case err != nil:
		if ctx.Err() != nil {
			// Interrupted, not failed: put the item back for the next attempt.
			if _, resetErr := r.d.store.UpdateItem(context.WithoutCancel(ctx), it.ID, jobs.ItemUpdate{
				Status:   jobs.Some(jobs.ItemPending),
				Attempts: jobs.Some(it.Attempts),
			}); resetErr != nil {
				return multierr.Append(ctx.Err(), resetErr)
			}
			return ctx.Err()
		}
		metrics.RecordIndividualCall("exception")
		u = jobs.FailedItem(&jobs.ItemError{Code: jobs.CodeInvocationException, Message: err.Error()}, now)
		r.failed.Inc()
	case res.Success:
		metrics.RecordIndividualCall("success")
		u = jobs.CompletedItem(dataOutput(res.Data), now)
		r.succeeded.Inc()
	default:
		metrics.RecordIndividualCall("failure")
		itemErr := &jobs.ItemError{Code: jobs.CodeInvocationFailed, Message: "action invocation failed"}
		if res.Error != nil {
			if res.Error.Code != "" {
				itemErr.Code = res.Error.Code
			}
			if res.Error.Message != "" {
				itemErr.Message = res.Error.Message
			}
		}
		u = jobs.FailedItem(itemErr, now)
		r.failed.Inc()
	}

	_, err = r.d.store.UpdateItem(context.WithoutCancel(ctx), it.ID, u)
	return err
}

var errNoResult = errors.New("invoker returned no result")

// invoke makes one call under the per-call timeout. A panicking invoker and
// one that returns neither a result nor an error both count as exceptions.
func (r *run) invoke(ctx context.Context, it *jobs.Item) (res *actions.InvokeResult, err error) {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(r.in.Config.TimeoutSeconds)*time.Second)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("invoker panicked: %v", p)
		}
	}()
	res, err = r.d.invoker.Invoke(callCtx, r.job.Tenant(), r.in.IntegrationRef, r.in.ActionRef, it.Input)
	if err == nil && res == nil {
		err = errNoResult
	}
	return res, err
}
