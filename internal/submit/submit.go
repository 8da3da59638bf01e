// Package submit validates batch submissions and enqueues them as
// batch_operation jobs. Nothing that fails validation reaches the queue.
package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_jobs/internal/actions"
	"github.com/austindbirch/harbor_jobs/internal/batch"
	"github.com/austindbirch/harbor_jobs/internal/jobs"
	"github.com/austindbirch/harbor_jobs/internal/logging"
	"github.com/austindbirch/harbor_jobs/internal/queue"
	"github.com/austindbirch/harbor_jobs/internal/tracing"
)

// Validation error codes.
const (
	CodeInvalidConfig          = "INVALID_CONFIG"
	CodeNoItems                = "NO_ITEMS"
	CodeTooManyItems           = "TOO_MANY_ITEMS"
	CodeSchemaValidationFailed = "SCHEMA_VALIDATION_FAILED"
	CodeNotBatchEnabled        = "NOT_BATCH_ENABLED"
	CodeActionNotFound         = "ACTION_NOT_FOUND"
)

// MaxReportedItemErrors caps how many failing items a schema validation
// error lists.
const MaxReportedItemErrors = 20

// ValidationError is a submission rejected for the caller's input.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *ValidationError) Error() string { return e.Code + ": " + e.Message }

func invalid(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ItemError lists the schema violations of one item, by its index in the
// request.
type ItemError struct {
	Index  int      `json:"index"`
	Errors []string `json:"errors"`
}

// Request is a batch submission.
type Request struct {
	ActionRef string               `json:"actionRef"`
	Items     []json.RawMessage    `json:"items"`
	Config    *actions.BatchConfig `json:"config,omitempty"`
}

// Result describes the enqueued job.
type Result struct {
	JobID        string `json:"jobId"`
	Status       string `json:"status"`
	ItemCount    int    `json:"itemCount"`
	HasBulkRoute bool   `json:"hasBulkRoute"`
}

// Defaults are the service-level batch settings. Action defaults and the
// request override Config field by field.
type Defaults struct {
	Config   batch.Config
	MaxItems int
}

// DefaultDefaults matches the BATCH_* configuration defaults.
var DefaultDefaults = Defaults{
	Config:   batch.Config{Concurrency: 5, DelayMs: 0, TimeoutSeconds: 30},
	MaxItems: jobs.MaxItemsPerJob,
}

// Notifier is told when new work was enqueued so a worker can start a
// cycle without waiting for its next tick.
type Notifier interface {
	Nudge(ctx context.Context) error
}

type Service struct {
	queue     *queue.Queue
	catalog   actions.Catalog
	validator actions.Validator
	defaults  Defaults
	notifier  Notifier
	log       *logging.Logger
}

type Option func(*Service)

func WithDefaults(d Defaults) Option {
	return func(s *Service) { s.defaults = d }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New builds a Service. A nil validator skips schema checks.
func New(q *queue.Queue, catalog actions.Catalog, validator actions.Validator, opts ...Option) *Service {
	s := &Service{queue: q, catalog: catalog, validator: validator, defaults: DefaultDefaults, log: logging.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SubmitBatch validates req for tenantID and enqueues it. Rejections are
// *ValidationError; any other error is an infrastructure failure.
func (s *Service) SubmitBatch(ctx context.Context, tenantID string, req Request) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "submit.batch",
		attribute.String("tenant.id", tenantID),
		attribute.String("action.ref", req.ActionRef),
		attribute.Int("batch.items", len(req.Items)),
	)
	defer span.End()

	res, err := s.submit(ctx, tenantID, req)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	return res, nil
}

func (s *Service) submit(ctx context.Context, tenantID string, req Request) (*Result, error) {
	if len(req.Items) == 0 {
		return nil, invalid(CodeNoItems, "batch has no items")
	}

	action, err := s.catalog.GetAction(ctx, tenantID, req.ActionRef)
	if errors.Is(err, actions.ErrActionNotFound) {
		return nil, invalid(CodeActionNotFound, "action %q not found", req.ActionRef)
	}
	if err != nil {
		return nil, fmt.Errorf("look up action %q: %w", req.ActionRef, err)
	}
	if !action.BatchEnabled {
		return nil, invalid(CodeNotBatchEnabled, "action %q does not accept batches", req.ActionRef)
	}

	if limit := s.maxItems(action); len(req.Items) > limit {
		return nil, invalid(CodeTooManyItems, "batch has %d items, the limit for %q is %d", len(req.Items), req.ActionRef, limit)
	}

	cfg := s.defaults.Config.Merge(action.DefaultBatchConfig).Merge(req.Config)
	if err := cfg.Validate(); err != nil {
		return nil, invalid(CodeInvalidConfig, "%v", err)
	}

	if err := s.validateItems(action.InputSchema, req.Items); err != nil {
		return nil, err
	}

	input, err := json.Marshal(batch.Input{
		ActionID:       action.ID,
		ActionRef:      action.Ref,
		IntegrationID:  action.IntegrationID,
		IntegrationRef: action.IntegrationRef,
		BaseURL:        action.BaseURL,
		HasBulkRoute:   action.HasBulkRoute,
		Config:         cfg,
		BulkConfig:     action.BulkConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("encode batch input: %w", err)
	}

	tenant := tenantID
	job, err := s.queue.EnqueueWithItems(ctx, jobs.NewJob{
		TenantID: &tenant,
		Type:     batch.JobType,
		Input:    input,
		// The job timeout covers the whole batch; per-call timeouts come
		// from cfg.TimeoutSeconds.
		TimeoutSeconds: jobs.MaxTimeoutSeconds,
	}, req.Items)
	if err != nil {
		return nil, fmt.Errorf("enqueue batch: %w", err)
	}

	log := s.log.WithContext(ctx).WithTenant(tenantID).WithJob(job.ID)
	if s.notifier != nil {
		if err := s.notifier.Nudge(ctx); err != nil {
			log.WithError(err).Warn("nudge worker")
		}
	}
	log.WithFields(map[string]any{
		"action_ref":     req.ActionRef,
		"items":          len(req.Items),
		"has_bulk_route": action.HasBulkRoute,
	}).Info("batch submitted")

	return &Result{
		JobID:        job.ID,
		Status:       string(job.Status),
		ItemCount:    len(req.Items),
		HasBulkRoute: action.HasBulkRoute,
	}, nil
}

func (s *Service) maxItems(a *actions.Action) int {
	limit := s.defaults.MaxItems
	if a.MaxBatchItems > 0 {
		limit = a.MaxBatchItems
	}
	if limit <= 0 || limit > jobs.MaxItemsPerJob {
		limit = jobs.MaxItemsPerJob
	}
	return limit
}

// validateItems checks every item against schema and reports up to
// MaxReportedItemErrors failing items.
func (s *Service) validateItems(schema json.RawMessage, items []json.RawMessage) error {
	var failed []ItemError
	for i, item := range items {
		if len(failed) >= MaxReportedItemErrors {
			break
		}
		if !json.Valid(item) {
			failed = append(failed, ItemError{Index: i, Errors: []string{"payload is not valid JSON"}})
			continue
		}
		if s.validator == nil || len(schema) == 0 {
			continue
		}
		res, err := s.validator.Validate(schema, item)
		if err != nil {
			return fmt.Errorf("validate item %d: %w", i, err)
		}
		if !res.Valid {
			failed = append(failed, ItemError{Index: i, Errors: res.Errors})
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &ValidationError{
		Code:    CodeSchemaValidationFailed,
		Message: "items failed schema validation",
		Details: failed,
	}
}
