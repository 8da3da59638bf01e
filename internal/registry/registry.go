// Package registry maps job types to the handlers that execute them.
//
// A Registry is built at startup and passed to the worker cycle; there is
// no package-level instance. Features owning a job type register it once.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/austindbirch/harbor_jobs/internal/jobs"
)

// ErrHandlerNotFound is returned by Lookup for unregistered types.
var ErrHandlerNotFound = errors.New("handler not found")

// Handler performs the work of one job. It must not complete or fail the
// job itself; the worker cycle records the outcome from the return values.
type Handler interface {
	Execute(ctx context.Context, hc *HandlerContext) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, hc *HandlerContext) (json.RawMessage, error)

func (f HandlerFunc) Execute(ctx context.Context, hc *HandlerContext) (json.RawMessage, error) {
	return f(ctx, hc)
}

// Config is one registration.
type Config struct {
	Handler Handler
	// ConcurrencyLimit caps running jobs of this type across all workers.
	// Zero means unlimited.
	ConcurrencyLimit int
}

// HandlerContext is what a handler sees of its job: the claimed job with
// its items and helpers bound to that job.
type HandlerContext struct {
	Job *jobs.Job

	// UpdateProgress reports 0..100 progress and merges details.
	UpdateProgress func(ctx context.Context, progress int, details map[string]any) error
	// UpdateItem writes one of this job's items.
	UpdateItem func(ctx context.Context, itemID string, u jobs.ItemUpdate) error
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Config
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Config)}
}

// Register installs cfg for jobType, replacing any previous registration.
func (r *Registry) Register(jobType string, cfg Config) {
	if cfg.ConcurrencyLimit < 0 {
		cfg.ConcurrencyLimit = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = cfg
}

// Lookup returns the registration for jobType.
func (r *Registry) Lookup(jobType string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.handlers[jobType]
	if !ok || cfg.Handler == nil {
		return Config{}, fmt.Errorf("%q: %w", jobType, ErrHandlerNotFound)
	}
	return cfg, nil
}

// Types lists registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
