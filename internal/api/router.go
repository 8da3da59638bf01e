// Package api is the tenant-facing HTTP surface: batch submission plus job
// and item inspection, cancel and retry.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/austindbirch/harbor_jobs/internal/health"
	"github.com/austindbirch/harbor_jobs/internal/logging"
	"github.com/austindbirch/harbor_jobs/internal/queue"
	"github.com/austindbirch/harbor_jobs/internal/submit"
)

// Submitter is *submit.Service.
type Submitter interface {
	SubmitBatch(ctx context.Context, tenantID string, req submit.Request) (*submit.Result, error)
}

type Deps struct {
	Queue  *queue.Queue
	Submit Submitter
	// Auth puts the caller's tenant in the request context. Requests that
	// reach a /v1 handler without one get 401.
	Auth func(http.Handler) http.Handler
	// Nudge is told after a retry re-queues a job. Optional.
	Nudge   submit.Notifier
	Health  map[string]health.Check
	Metrics http.Handler
	Logger  *logging.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	h := &handlers{queue: d.Queue, submit: d.Submit, nudge: d.Nudge, log: d.Logger}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(accessLog(d.Logger))

	r.Get("/healthz", health.HTTPHandler(d.Health))
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if d.Auth != nil {
			r.Use(d.Auth)
		}
		r.Use(requireTenant)

		r.Post("/batches", h.submitBatch)

		r.Get("/jobs", h.listJobs)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", h.getJob)
			r.Get("/items", h.listItems)
			r.Get("/items/counts", h.countItems)
			r.Post("/cancel", h.cancelJob)
			r.Post("/retry", h.retryJob)
		})
	})
	return r
}
