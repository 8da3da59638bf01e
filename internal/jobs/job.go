// Package jobs holds the persisted job and item model shared by the store,
// the queue, the worker cycle and job handlers.
//
//	           ┌──────────── retry backoff ────────────┐
//	           ▼                                        │
//	       Queued ───► Running ───► Completed           │
//	         │  ▲         │                             │
//	         │  └ release ┤                             │
//	         │            ├──────► Failed ──────────────┘ (attempts < max)
//	         │            │          │
//	         └────────────┴──────► Cancelled
package jobs

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known job status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ItemStatus is the lifecycle state of a single batch item.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemRunning   ItemStatus = "running"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemPending, ItemRunning, ItemCompleted, ItemFailed, ItemSkipped:
		return true
	}
	return false
}

const (
	DefaultMaxAttempts    = 3
	MinMaxAttempts        = 1
	MaxMaxAttempts        = 10
	DefaultTimeoutSeconds = 300
	MinTimeoutSeconds     = 30
	MaxTimeoutSeconds     = 3600

	// MaxItemsPerJob caps a single createWithItems submission.
	MaxItemsPerJob = 10000
)

// Job is one unit of asynchronous work.
type Job struct {
	ID              string          `json:"id"`
	TenantID        *string         `json:"tenant_id,omitempty"`
	Type            string          `json:"type"`
	Status          Status          `json:"status"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           *JobError       `json:"error,omitempty"`
	Progress        int             `json:"progress"`
	ProgressDetails json.RawMessage `json:"progress_details,omitempty"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	TimeoutSeconds  int             `json:"timeout_seconds"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`

	// Items is only populated by createWithItems and claimNext.
	Items []*Item `json:"items,omitempty"`
}

// Tenant returns the tenant id or "" for system-level jobs.
func (j *Job) Tenant() string {
	if j.TenantID == nil {
		return ""
	}
	return *j.TenantID
}

// IsTerminal reports whether the job has reached a resolution that no
// lifecycle call other than an explicit retry may change.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Item is one sub-unit of a batch job.
type Item struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	Position    int             `json:"position"`
	Status      ItemStatus      `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *ItemError      `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewJob carries the producer-supplied fields of a job. Zero values take
// the defaults in Normalize.
type NewJob struct {
	TenantID       *string
	Type           string
	Input          json.RawMessage
	MaxAttempts    int
	TimeoutSeconds int
	NextRunAt      *time.Time
}

// Normalize applies defaults and clamps bounded fields into range.
func (n NewJob) Normalize() NewJob {
	if n.MaxAttempts == 0 {
		n.MaxAttempts = DefaultMaxAttempts
	}
	n.MaxAttempts = clamp(n.MaxAttempts, MinMaxAttempts, MaxMaxAttempts)
	if n.TimeoutSeconds == 0 {
		n.TimeoutSeconds = DefaultTimeoutSeconds
	}
	n.TimeoutSeconds = clamp(n.TimeoutSeconds, MinTimeoutSeconds, MaxTimeoutSeconds)
	if len(n.Input) == 0 {
		n.Input = json.RawMessage(`{}`)
	}
	return n
}

// ItemCounts is the number of items of a job per status.
type ItemCounts map[ItemStatus]int

// Total sums every status bucket.
func (c ItemCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampProgress bounds a progress value to 0..100.
func ClampProgress(p int) int {
	return clamp(p, 0, 100)
}
