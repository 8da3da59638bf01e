// Package batch is the batch_operation job handler. It runs every pending
// item of a job against one action, either through the integration's bulk
// endpoint in chunks or one invocation per item with bounded concurrency.
//
// Item failures are recorded on the item and never fail the job. An error
// that stops processing marks the remaining pending items skipped; the job
// still completes and the summary carries the error. Cancellation of the
// run's context is the exception: pending items are kept and the context
// error is returned.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"go.uber.org/atomic"

	"github.com/austindbirch/harbor_jobs/internal/actions"
	"github.com/austindbirch/harbor_jobs/internal/jobs"
	"github.com/austindbirch/harbor_jobs/internal/logging"
	"github.com/austindbirch/harbor_jobs/internal/metrics"
	"github.com/austindbirch/harbor_jobs/internal/ratelimit"
	"github.com/austindbirch/harbor_jobs/internal/registry"
	"github.com/austindbirch/harbor_jobs/internal/store"
)

const (
	ModeBulk       = "bulk"
	ModeIndividual = "individual"
)

// DefaultBulkCallTimeout bounds one bulk HTTP call.
const DefaultBulkCallTimeout = 60 * time.Second

// Summary is the job output of a batch run.
type Summary struct {
	Mode                    string `json:"mode"`
	Total                   int    `json:"total"`
	Succeeded               int    `json:"succeeded"`
	Failed                  int    `json:"failed"`
	Skipped                 int    `json:"skipped"`
	BulkCallsMade           int    `json:"bulkCallsMade"`
	IndividualCallsMade     int    `json:"individualCallsMade"`
	MappingUnresolvedChunks int    `json:"mappingUnresolvedChunks,omitempty"`
	Cancelled               bool   `json:"cancelled,omitempty"`
	Error                   string `json:"error,omitempty"`
}

// Deps are the collaborators of a Dispatcher. Tracker and HTTPClient
// default to a MemoryTracker and a plain client.
type Deps struct {
	Store       store.Store
	Invoker     actions.Invoker
	Credentials actions.CredentialResolver
	Tracker     ratelimit.Tracker
	HTTPClient  *http.Client
	Logger      *logging.Logger

	// StrictMapping fails items of unrecognised bulk responses for every
	// action, not only those whose bulk config asks for it.
	StrictMapping   bool
	BulkCallTimeout time.Duration
}

// Dispatcher implements registry.Handler for batch_operation jobs.
type Dispatcher struct {
	store       store.Store
	invoker     actions.Invoker
	creds       actions.CredentialResolver
	tracker     ratelimit.Tracker
	client      *http.Client
	log         *logging.Logger
	strict      bool
	bulkTimeout time.Duration
	now         func() time.Time
}

// New builds a Dispatcher.
func New(d Deps) *Dispatcher {
	if d.Tracker == nil {
		d.Tracker = ratelimit.NewMemoryTracker()
	}
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{}
	}
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.BulkCallTimeout <= 0 {
		d.BulkCallTimeout = DefaultBulkCallTimeout
	}
	return &Dispatcher{
		store:       d.Store,
		invoker:     d.Invoker,
		creds:       d.Credentials,
		tracker:     d.Tracker,
		client:      d.HTTPClient,
		log:         d.Logger,
		strict:      d.StrictMapping,
		bulkTimeout: d.BulkCallTimeout,
		now:         time.Now,
	}
}

var _ registry.Handler = (*Dispatcher)(nil)

// Register installs the dispatcher under JobType.
func (d *Dispatcher) Register(r *registry.Registry, concurrencyLimit int) {
	r.Register(JobType, registry.Config{Handler: d, ConcurrencyLimit: concurrencyLimit})
}

// run is the state of one Execute call.
type run struct {
	d     *Dispatcher
	hc    *registry.HandlerContext
	job   *jobs.Job
	in    *Input
	total int

	mode              string
	succeeded, failed atomic.Int64
	processed         atomic.Int64
	bulkCalls         atomic.Int64
	individualCalls   atomic.Int64
	unresolvedChunks  atomic.Int64
	started           atomic.Bool
	cancelled         bool
	skipped           int64
}

func (d *Dispatcher) Execute(ctx context.Context, hc *registry.HandlerContext) (json.RawMessage, error) {
	job := hc.Job
	log := d.log.WithContext(ctx).WithJob(job.ID).WithTenant(job.Tenant())

	in, err := ParseInput(job.Input)
	if err != nil {
		// Nothing can run without an action; park the items before failing.
		if _, skipErr := d.store.SkipPendingItems(context.WithoutCancel(ctx), job.ID); skipErr != nil {
			log.WithError(skipErr).Error("skip pending items after bad input")
		}
		return nil, jobs.NewJobError(jobs.CodeHandlerError, "invalid batch input: %v", err)
	}

	counts, err := d.store.CountItemsByStatus(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	r := &run{d: d, hc: hc, job: job, in: in, total: counts.Total()}
	// A job released on shutdown resumes with its finished items counted.
	r.succeeded.Store(int64(counts[jobs.ItemCompleted]))
	r.failed.Store(int64(counts[jobs.ItemFailed]))
	r.processed.Store(int64(counts[jobs.ItemCompleted] + counts[jobs.ItemFailed]))
	r.progress(ctx, 5, map[string]any{"stage": "starting", "total": r.total})

	var runErr error
	switch bc, bcErr := r.bulkConfig(); {
	case bc != nil:
		r.mode = ModeBulk
		runErr = r.bulk(ctx, bc)
	default:
		if bcErr != nil {
			log.WithError(bcErr).Warn("bulk config unusable, falling back to individual calls")
		}
		r.mode = ModeIndividual
		runErr = r.individual(ctx)
	}

	if runErr != nil && ctx.Err() != nil && errors.Is(runErr, ctx.Err()) && !r.cancelled {
		// Shutdown, not a failed run: unfinished items stay pending so the
		// released job picks them up again.
		log.WithFields(map[string]any{
			"mode":      r.mode,
			"succeeded": r.succeeded.Load(),
			"failed":    r.failed.Load(),
		}).Warn("batch run interrupted, pending items kept")
		return nil, fmt.Errorf("batch run interrupted: %w", runErr)
	}
	if runErr != nil {
		log.WithError(runErr).WithField("mode", r.mode).Error("batch run stopped")
		n, err := d.store.SkipPendingItems(context.WithoutCancel(ctx), job.ID)
		if err != nil {
			log.WithError(err).Error("skip pending items")
		}
		r.skipped += n
	}

	summary := r.summary(runErr)
	metrics.RecordBatchItems(r.mode, string(jobs.ItemCompleted), summary.Succeeded)
	metrics.RecordBatchItems(r.mode, string(jobs.ItemFailed), summary.Failed)
	metrics.RecordBatchItems(r.mode, string(jobs.ItemSkipped), summary.Skipped)

	r.progress(context.WithoutCancel(ctx), 100, map[string]any{"stage": "completed", "summary": summary})
	log.WithFields(map[string]any{
		"mode":      summary.Mode,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
	}).Info("batch run finished")

	return json.Marshal(summary)
}

// bulkConfig returns the parsed bulk config when the bulk path applies.
// A nil config with a nil error means the action has no bulk route.
func (r *run) bulkConfig() (*actions.BulkConfig, error) {
	if !r.in.HasBulkRoute {
		return nil, nil
	}
	return ParseBulkConfig(r.in.BulkConfig)
}

func (r *run) summary(runErr error) Summary {
	s := Summary{
		Mode:                    r.mode,
		Total:                   r.total,
		Succeeded:               int(r.succeeded.Load()),
		Failed:                  int(r.failed.Load()),
		Skipped:                 int(r.skipped),
		BulkCallsMade:           int(r.bulkCalls.Load()),
		IndividualCallsMade:     int(r.individualCalls.Load()),
		MappingUnresolvedChunks: int(r.unresolvedChunks.Load()),
		Cancelled:               r.cancelled,
	}
	if runErr != nil {
		s.Error = runErr.Error()
	}
	return s
}

// progress reports progress through the handler context. Failures are
// logged; progress is advisory.
func (r *run) progress(ctx context.Context, pct int, details map[string]any) {
	if r.hc.UpdateProgress == nil {
		return
	}
	if err := r.hc.UpdateProgress(ctx, pct, details); err != nil {
		r.d.log.WithContext(ctx).WithJob(r.job.ID).WithError(err).Warn("update progress")
	}
}

// chunkProgress is processed/total as a percentage, held below 100 until
// the run finishes.
func (r *run) chunkProgress() int {
	if r.total == 0 {
		return 95
	}
	pct := int(math.Round(float64(r.processed.Load()) / float64(r.total) * 100))
	return min(95, pct)
}
