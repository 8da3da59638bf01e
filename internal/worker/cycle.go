// Package worker runs worker cycles: reclaim timed-out jobs, claim a batch
// of eligible jobs, and run each through its registered handler.
//
// Any number of cycles may run at once, in one process or many. The claim
// is what keeps two cycles from processing the same job.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_jobs/internal/events"
	"github.com/austindbirch/harbor_jobs/internal/jobs"
	"github.com/austindbirch/harbor_jobs/internal/logging"
	"github.com/austindbirch/harbor_jobs/internal/metrics"
	"github.com/austindbirch/harbor_jobs/internal/queue"
	"github.com/austindbirch/harbor_jobs/internal/registry"
	"github.com/austindbirch/harbor_jobs/internal/tracing"
)

// Triggers label what started a cycle.
const (
	TriggerTick   = "tick"
	TriggerNudge  = "nudge"
	TriggerManual = "manual"
)

// Per-job outcomes of a cycle.
const (
	OutcomeSucceeded   = "succeeded"
	OutcomeFailed      = "failed"
	OutcomeThrottled   = "throttled"
	// OutcomeResolved is a handler that finished after its job was
	// cancelled or timed out; the earlier resolution stands.
	OutcomeResolved    = "resolved_elsewhere"
	// OutcomeInterrupted is a job given back to the queue because the
	// cycle's context ended first.
	OutcomeInterrupted = "interrupted"
)

// Options selects what one cycle claims.
type Options struct {
	// Type restricts claiming to one job type; "" claims every type.
	Type    string
	Limit   int
	Trigger string
}

// JobOutcome is the per-job detail of a cycle.
type JobOutcome struct {
	JobID    string         `json:"job_id"`
	Type     string         `json:"type"`
	Outcome  string         `json:"outcome"`
	Error    *jobs.JobError `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Summary is what a cycle did. It is for observability only.
type Summary struct {
	TimedOut    int64        `json:"timed_out"`
	Claimed     int          `json:"claimed"`
	Succeeded   int          `json:"succeeded"`
	Failed      int          `json:"failed"`
	Throttled   int          `json:"throttled"`
	Resolved    int          `json:"resolved_elsewhere"`
	Interrupted int          `json:"interrupted"`
	Jobs        []JobOutcome `json:"jobs"`
}

// Cycle holds what a cycle needs. It is safe to Run concurrently.
type Cycle struct {
	queue    *queue.Queue
	registry *registry.Registry
	events   events.Sink
	log      *logging.Logger
	now      func() time.Time
}

type Option func(*Cycle)

// WithEvents publishes one event per processed job to s.
func WithEvents(s events.Sink) Option {
	return func(c *Cycle) { c.events = s }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Cycle) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Cycle) { c.now = now }
}

func New(q *queue.Queue, r *registry.Registry, opts ...Option) *Cycle {
	c := &Cycle{queue: q, registry: r, events: events.Discard, log: logging.Default(), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run performs one cycle. It returns an error only when timeout detection
// or claiming fails; per-job failures are reported in the summary.
func (c *Cycle) Run(ctx context.Context, opts Options) (Summary, error) {
	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}
	ctx, span := tracing.StartSpan(ctx, "worker.cycle",
		attribute.String("cycle.trigger", opts.Trigger),
		attribute.String("cycle.job_type", opts.Type),
	)
	defer span.End()
	start := c.now()
	log := c.log.WithContext(ctx)

	var s Summary
	timedOut, err := c.queue.DetectTimeouts(ctx)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return s, fmt.Errorf("detect timeouts: %w", err)
	}
	s.TimedOut = timedOut
	if timedOut > 0 {
		log.WithField("count", timedOut).Warn("failed timed out jobs")
	}

	claimed, err := c.queue.ClaimNext(ctx, opts.Type, opts.Limit)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return s, fmt.Errorf("claim jobs: %w", err)
	}
	s.Claimed = len(claimed)

	for _, job := range claimed {
		o := c.process(ctx, job)
		switch o.Outcome {
		case OutcomeSucceeded:
			s.Succeeded++
		case OutcomeThrottled:
			s.Throttled++
		case OutcomeResolved:
			s.Resolved++
		case OutcomeInterrupted:
			s.Interrupted++
		default:
			s.Failed++
		}
		s.Jobs = append(s.Jobs, o)
	}

	d := c.now().Sub(start)
	metrics.RecordCycle(opts.Trigger, d, timedOut)
	span.SetAttributes(
		attribute.Int("cycle.claimed", s.Claimed),
		attribute.Int("cycle.succeeded", s.Succeeded),
		attribute.Int("cycle.failed", s.Failed),
	)
	if s.Claimed > 0 || s.TimedOut > 0 {
		log.WithFields(map[string]any{
			"trigger":     opts.Trigger,
			"timed_out":   s.TimedOut,
			"claimed":     s.Claimed,
			"succeeded":   s.Succeeded,
			"failed":      s.Failed,
			"throttled":   s.Throttled,
			"resolved":    s.Resolved,
			"interrupted": s.Interrupted,
			"duration":    d.String(),
		}).Info("cycle finished")
	}
	return s, nil
}

// process runs one claimed job to a recorded outcome.
func (c *Cycle) process(ctx context.Context, job *jobs.Job) JobOutcome {
	ctx, span := tracing.StartSpan(ctx, "worker.job", tracing.JobAttributes(job.ID, job.Type, job.Tenant())...)
	defer span.End()
	log := c.log.WithContext(ctx).WithJob(job.ID).WithJobType(job.Type).WithTenant(job.Tenant())
	metrics.RecordJob(job.Type, "claimed", 0)

	o := JobOutcome{JobID: job.ID, Type: job.Type}
	if ctx.Err() != nil {
		c.interrupt(ctx, log, job, &o)
		return o
	}

	cfg, err := c.registry.Lookup(job.Type)
	if err != nil {
		o.Error = jobs.NewJobError(jobs.CodeHandlerNotFound, "no handler registered for job type %q", job.Type)
		c.fail(ctx, log, job, &o)
		return o
	}

	if cfg.ConcurrencyLimit > 0 {
		running, err := c.queue.Store().CountRunningByType(ctx, job.Type)
		if err != nil {
			// Without a count the limit cannot be honoured; give the claim back.
			log.WithError(err).Error("count running jobs")
			running = cfg.ConcurrencyLimit + 1
		}
		if running > cfg.ConcurrencyLimit {
			c.release(ctx, log, job, &o, running, cfg.ConcurrencyLimit)
			return o
		}
	}

	start := c.now()
	output, err := c.execute(ctx, cfg.Handler, c.handlerContext(job))
	o.Duration = c.now().Sub(start)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		c.interrupt(ctx, log, job, &o)
		return o
	}
	// A finished handler's result is recorded even if shutdown began meanwhile.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		o.Error = jobs.AsJobError(err)
		c.fail(ctx, log, job, &o)
		return o
	}

	o.Outcome = OutcomeSucceeded
	if _, err := c.queue.CompleteJob(ctx, job.ID, output); err != nil {
		if errors.Is(err, queue.ErrTerminal) {
			// Cancelled or timed out while running; that resolution stands.
			o.Outcome = OutcomeResolved
			log.WithField("duration", o.Duration.String()).Info("handler finished after job was resolved")
		} else {
			log.WithError(err).Error("complete job")
			tracing.SetSpanError(ctx, err)
		}
		return o
	}
	log.WithField("duration", o.Duration.String()).Info("job completed")
	metrics.RecordJob(job.Type, "completed", o.Duration)
	c.publish(ctx, log, job, events.OutcomeCompleted, nil)
	return o
}

// execute calls the handler, converting a panic into a HANDLER_PANIC error.
func (c *Cycle) execute(ctx context.Context, h registry.Handler, hc *registry.HandlerContext) (out json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			je := jobs.NewJobError(jobs.CodeHandlerPanic, "handler panicked: %v", p)
			je.Stack = string(debug.Stack())
			out, err = nil, je
		}
	}()
	return h.Execute(ctx, hc)
}

func (c *Cycle) fail(ctx context.Context, log *logging.LogEntry, job *jobs.Job, o *JobOutcome) {
	o.Outcome = OutcomeFailed
	tracing.SetSpanError(ctx, o.Error)

	updated, err := c.queue.FailJob(ctx, job.ID, o.Error)
	switch {
	case errors.Is(err, queue.ErrTerminal):
		o.Outcome = OutcomeResolved
		log.WithField("code", o.Error.Code).Info("handler failed after job was resolved")
		return
	case err != nil:
		log.WithError(err).Error("fail job")
		return
	}

	outcome := events.OutcomeFailed
	if updated.Status == jobs.StatusQueued {
		outcome = events.OutcomeRetrying
		metrics.RecordJob(job.Type, "retried", o.Duration)
		log.WithFields(map[string]any{
			"code":     o.Error.Code,
			"attempt":  job.Attempts,
			"next_run": updated.NextRunAt,
		}).Warn(o.Error.Message)
	} else {
		metrics.RecordJob(job.Type, "failed", o.Duration)
		log.WithFields(map[string]any{"code": o.Error.Code, "attempt": job.Attempts}).Error(o.Error.Message)
	}
	c.publish(ctx, log, updated, outcome, o.Error)
}

// interrupt gives a running job back to the queue without spending the
// attempt, unless something else resolved it first.
func (c *Cycle) interrupt(ctx context.Context, log *logging.LogEntry, job *jobs.Job, o *JobOutcome) {
	o.Outcome = OutcomeInterrupted
	ctx = context.WithoutCancel(ctx)
	current, err := c.queue.Get(ctx, job.ID)
	if err != nil {
		log.WithError(err).Error("load interrupted job")
		return
	}
	if current.Status != jobs.StatusRunning {
		return
	}
	if _, err := c.queue.ReleaseJob(ctx, job); err != nil {
		log.WithError(err).Error("release interrupted job")
		return
	}
	metrics.RecordJob(job.Type, "interrupted", o.Duration)
	log.Info("cycle stopping, job returned to the queue")
}

func (c *Cycle) release(ctx context.Context, log *logging.LogEntry, job *jobs.Job, o *JobOutcome, running, limit int) {
	o.Outcome = OutcomeThrottled
	if _, err := c.queue.ReleaseJob(ctx, job); err != nil {
		log.WithError(err).Error("release throttled job")
	}
	metrics.RecordJob(job.Type, "throttled", 0)
	tracing.AddSpanEvent(ctx, "job.throttled", attribute.Int("running", running), attribute.Int("limit", limit))
	log.WithFields(map[string]any{"running": running, "limit": limit}).Info("concurrency limit reached, job released")
	c.publish(ctx, log, job, events.OutcomeThrottled, nil)
}

func (c *Cycle) publish(ctx context.Context, log *logging.LogEntry, job *jobs.Job, outcome string, jobErr *jobs.JobError) {
	if err := c.events.Publish(ctx, events.NewEvent(ctx, job, outcome, jobErr, c.now())); err != nil {
		log.WithError(err).Warn("publish job event")
	}
}

// handlerContext binds the progress and item helpers to job.
func (c *Cycle) handlerContext(job *jobs.Job) *registry.HandlerContext {
	return &registry.HandlerContext{
		Job: job,
		UpdateProgress: func(ctx context.Context, progress int, details map[string]any) error {
			_, err := c.queue.UpdateProgress(ctx, job.ID, progress, details)
			return err
		},
		UpdateItem: func(ctx context.Context, itemID string, u jobs.ItemUpdate) error {
			_, err := c.queue.Store().UpdateItem(ctx, itemID, u)
			return err
		},
	}
}
