package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_jobs/internal/jobs"
)

// MemoryStore is a process-local Store. A single mutex makes every call
// atomic, which gives ClaimNext the same at-most-one-claimer guarantee the
// row locks give PostgresStore, but only within one process.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	jobs  map[string]*jobs.Job
	order []string // job ids in creation order
	items map[string][]*jobs.Item
	byID  map[string]*jobs.Item
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store's notion of now.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:   func() time.Time { return time.Now().UTC() },
		jobs:  make(map[string]*jobs.Job),
		items: make(map[string][]*jobs.Item),
		byID:  make(map[string]*jobs.Item),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) insertLocked(n jobs.NewJob) *jobs.Job {
	n = n.Normalize()
	now := s.now()
	j := &jobs.Job{
		ID:             uuid.NewString(),
		TenantID:       n.TenantID,
		Type:           n.Type,
		Status:         jobs.StatusQueued,
		Input:          cloneRaw(n.Input),
		MaxAttempts:    n.MaxAttempts,
		TimeoutSeconds: n.TimeoutSeconds,
		NextRunAt:      cloneTime(n.NextRunAt),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)
	return j
}

func (s *MemoryStore) Create(ctx context.Context, n jobs.NewJob) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneJob(s.insertLocked(n), nil), nil
}

func (s *MemoryStore) CreateWithItems(ctx context.Context, n jobs.NewJob, inputs []json.RawMessage) (*jobs.Job, error) {
	if err := checkItemCount(len(inputs)); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.insertLocked(n)
	list := make([]*jobs.Item, 0, len(inputs))
	for i, in := range inputs {
		it := &jobs.Item{
			ID:        uuid.NewString(),
			JobID:     j.ID,
			Position:  i,
			Status:    jobs.ItemPending,
			Input:     cloneRaw(in),
			CreatedAt: j.CreatedAt,
		}
		list = append(list, it)
		s.byID[it.ID] = it
	}
	s.items[j.ID] = list
	return cloneJob(j, list), nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context, jobType string, limit int) ([]*jobs.Job, error) {
	if limit <= 0 {
		limit = DefaultClaimLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*jobs.Job
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		j := s.jobs[id]
		if j.Status != jobs.StatusQueued {
			continue
		}
		if jobType != "" && j.Type != jobType {
			continue
		}
		if j.NextRunAt != nil && j.NextRunAt.After(now) {
			continue
		}
		j.Status = jobs.StatusRunning
		j.StartedAt = jobs.TimePtr(now)
		j.Attempts++
		j.UpdatedAt = now
		out = append(out, cloneJob(j, s.items[j.ID]))
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return cloneJob(j, nil), nil
}

func (s *MemoryStore) GetForTenant(ctx context.Context, id, tenantID string) (*jobs.Job, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Tenant() != tenantID {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, u jobs.JobUpdate) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	applyJobUpdate(j, u)
	j.UpdatedAt = s.now()
	return cloneJob(j, nil), nil
}

func (s *MemoryStore) UpdateItem(ctx context.Context, id string, u jobs.ItemUpdate) (*jobs.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	applyItemUpdate(it, u)
	return cloneItem(it), nil
}

func (s *MemoryStore) BatchUpdateItems(ctx context.Context, patches []jobs.ItemPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Resolve every id first so a miss leaves nothing half-applied.
	for _, p := range patches {
		if _, ok := s.byID[p.ID]; !ok {
			return fmt.Errorf("item %s: %w", p.ID, ErrNotFound)
		}
	}
	for _, p := range patches {
		applyItemUpdate(s.byID[p.ID], p.Data)
	}
	return nil
}

func (s *MemoryStore) DetectAndFailTimedOut(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status != jobs.StatusRunning || j.StartedAt == nil {
			continue
		}
		deadline := j.StartedAt.Add(time.Duration(j.TimeoutSeconds) * time.Second)
		if !deadline.Before(now) {
			continue
		}
		j.Status = jobs.StatusFailed
		j.Error = timeoutError(j.TimeoutSeconds)
		j.CompletedAt = jobs.TimePtr(now)
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *MemoryStore) CountRunningByType(ctx context.Context, jobType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == jobs.StatusRunning && j.Type == jobType {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) FindPendingItems(ctx context.Context, jobID string, limit int) ([]*jobs.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*jobs.Item
	for _, it := range s.items[jobID] {
		if limit > 0 && len(out) >= limit {
			break
		}
		if it.Status == jobs.ItemPending {
			out = append(out, cloneItem(it))
		}
	}
	return out, nil
}

func (s *MemoryStore) CountItemsByStatus(ctx context.Context, jobID string) (jobs.ItemCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := jobs.ItemCounts{}
	for _, it := range s.items[jobID] {
		counts[it.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) SkipPendingItems(ctx context.Context, jobID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for _, it := range s.items[jobID] {
		if it.Status == jobs.ItemPending {
			it.Status = jobs.ItemSkipped
			it.CompletedAt = jobs.TimePtr(now)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, f jobs.JobFilter) (jobs.Page[*jobs.Job], error) {
	limit := jobs.PageLimit(f.Limit)
	s.mu.Lock()
	defer s.mu.Unlock()

	var page jobs.Page[*jobs.Job]
	passed := f.Cursor == ""
	// Newest first.
	for i := len(s.order) - 1; i >= 0; i-- {
		j := s.jobs[s.order[i]]
		if !passed {
			passed = j.ID == f.Cursor
			continue
		}
		if f.TenantID != "" && j.Tenant() != f.TenantID {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if len(page.Rows) == limit {
			page.NextCursor = page.Rows[limit-1].ID
			break
		}
		page.Rows = append(page.Rows, cloneJob(j, nil))
	}
	return page, nil
}

func (s *MemoryStore) ListItems(ctx context.Context, f jobs.ItemFilter) (jobs.Page[*jobs.Item], error) {
	limit := jobs.PageLimit(f.Limit)
	s.mu.Lock()
	defer s.mu.Unlock()

	var page jobs.Page[*jobs.Item]
	passed := f.Cursor == ""
	for _, it := range s.items[f.JobID] {
		if !passed {
			passed = it.ID == f.Cursor
			continue
		}
		if f.Status != "" && it.Status != f.Status {
			continue
		}
		if len(page.Rows) == limit {
			page.NextCursor = page.Rows[limit-1].ID
			break
		}
		page.Rows = append(page.Rows, cloneItem(it))
	}
	return page, nil
}

func applyJobUpdate(j *jobs.Job, u jobs.JobUpdate) {
	if u.Status.Set {
		j.Status = u.Status.Value
	}
	if u.Progress.Set {
		j.Progress = u.Progress.Value
	}
	if u.ProgressDetails.Set {
		j.ProgressDetails = cloneRaw(u.ProgressDetails.Value)
	}
	if u.Output.Set {
		j.Output = cloneRaw(u.Output.Value)
	}
	if u.Error.Set {
		j.Error = cloneJobError(u.Error.Value)
	}
	if u.Attempts.Set {
		j.Attempts = u.Attempts.Value
	}
	if u.NextRunAt.Set {
		j.NextRunAt = cloneTime(u.NextRunAt.Value)
	}
	if u.StartedAt.Set {
		j.StartedAt = cloneTime(u.StartedAt.Value)
	}
	if u.CompletedAt.Set {
		j.CompletedAt = cloneTime(u.CompletedAt.Value)
	}
}

func applyItemUpdate(it *jobs.Item, u jobs.ItemUpdate) {
	if u.Status.Set {
		it.Status = u.Status.Value
	}
	if u.Output.Set {
		it.Output = cloneRaw(u.Output.Value)
	}
	if u.Error.Set {
		if u.Error.Value == nil {
			it.Error = nil
		} else {
			e := *u.Error.Value
			it.Error = &e
		}
	}
	if u.Attempts.Set {
		it.Attempts = u.Attempts.Value
	}
	if u.CompletedAt.Set {
		it.CompletedAt = cloneTime(u.CompletedAt.Value)
	}
}

func cloneJob(j *jobs.Job, items []*jobs.Item) *jobs.Job {
	c := *j
	c.Input = cloneRaw(j.Input)
	c.Output = cloneRaw(j.Output)
	c.ProgressDetails = cloneRaw(j.ProgressDetails)
	c.Error = cloneJobError(j.Error)
	c.NextRunAt = cloneTime(j.NextRunAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	if j.TenantID != nil {
		t := *j.TenantID
		c.TenantID = &t
	}
	c.Items = nil
	if items != nil {
		c.Items = make([]*jobs.Item, len(items))
		for i, it := range items {
			c.Items[i] = cloneItem(it)
		}
	}
	return &c
}

func cloneItem(it *jobs.Item) *jobs.Item {
	c := *it
	c.Input = cloneRaw(it.Input)
	c.Output = cloneRaw(it.Output)
	c.CompletedAt = cloneTime(it.CompletedAt)
	if it.Error != nil {
		e := *it.Error
		c.Error = &e
	}
	return &c
}

func cloneJobError(e *jobs.JobError) *jobs.JobError {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
