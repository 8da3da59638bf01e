// Package store persists jobs and their items.
//
// Every call is atomic on its own. Sequences of calls are not wrapped in a
// transaction; the queue layer is written so that re-running a sequence is
// harmless.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/austindbirch/harbor_jobs/internal/jobs"
)

// ErrNotFound is returned when an id does not resolve to a row.
var ErrNotFound = errors.New("not found")

// DefaultClaimLimit is used when ClaimNext is called with limit <= 0.
const DefaultClaimLimit = 10

// Store is the job and item persistence contract.
type Store interface {
	// Create inserts a job with status queued, zero attempts and zero progress.
	Create(ctx context.Context, job jobs.NewJob) (*jobs.Job, error)
	// CreateWithItems inserts a job and its items in one transaction and
	// returns the job with items in creation order.
	CreateWithItems(ctx context.Context, job jobs.NewJob, items []json.RawMessage) (*jobs.Job, error)
	// ClaimNext atomically moves up to limit eligible queued jobs to running,
	// oldest first, skipping rows another claimer holds. jobType "" matches
	// every type. Claimed jobs carry their items.
	ClaimNext(ctx context.Context, jobType string, limit int) ([]*jobs.Job, error)

	Get(ctx context.Context, id string) (*jobs.Job, error)
	// GetForTenant only resolves jobs owned by tenantID.
	GetForTenant(ctx context.Context, id, tenantID string) (*jobs.Job, error)
	Update(ctx context.Context, id string, u jobs.JobUpdate) (*jobs.Job, error)
	UpdateItem(ctx context.Context, id string, u jobs.ItemUpdate) (*jobs.Item, error)
	// BatchUpdateItems applies every patch in one transaction.
	BatchUpdateItems(ctx context.Context, patches []jobs.ItemPatch) error

	// DetectAndFailTimedOut fails every running job whose startedAt +
	// timeoutSeconds is in the past and returns how many it touched.
	DetectAndFailTimedOut(ctx context.Context) (int64, error)
	CountRunningByType(ctx context.Context, jobType string) (int, error)
	FindPendingItems(ctx context.Context, jobID string, limit int) ([]*jobs.Item, error)
	CountItemsByStatus(ctx context.Context, jobID string) (jobs.ItemCounts, error)
	// SkipPendingItems marks every pending item of a job skipped.
	SkipPendingItems(ctx context.Context, jobID string) (int64, error)

	ListJobs(ctx context.Context, f jobs.JobFilter) (jobs.Page[*jobs.Job], error)
	ListItems(ctx context.Context, f jobs.ItemFilter) (jobs.Page[*jobs.Item], error)
}

// ErrTooManyItems is returned by CreateWithItems outside 1..jobs.MaxItemsPerJob.
var ErrTooManyItems = errors.New("item count out of range")

func checkItemCount(n int) error {
	if n < 1 || n > jobs.MaxItemsPerJob {
		return ErrTooManyItems
	}
	return nil
}

func timeoutError(timeoutSeconds int) *jobs.JobError {
	return jobs.NewJobError(jobs.CodeJobTimeout, "job exceeded timeout of %d seconds", timeoutSeconds)
}
