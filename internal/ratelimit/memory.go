package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryTracker keeps budgets in process memory. Budgets are not shared
// between worker instances.
type MemoryTracker struct {
	mu      sync.Mutex
	now     func() time.Time
	budgets map[string]*Budget
}

// NewMemoryTracker returns an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{now: time.Now, budgets: make(map[string]*Budget)}
}

var _ Tracker = (*MemoryTracker)(nil)

func (m *MemoryTracker) UpdateFromHeaders(_ context.Context, id string, info Info) error {
	if info.Empty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[id]
	if !ok {
		b = &Budget{}
		m.budgets[id] = b
	}
	if info.Remaining != nil {
		b.Remaining = intPtr(*info.Remaining)
	}
	if info.Limit != nil {
		b.Limit = intPtr(*info.Limit)
	}
	if info.Reset != nil {
		r := *info.Reset
		b.ResetAt = &r
	}
	b.UpdatedAt = m.now()
	return nil
}

// liveLocked returns the budget for id, discarding it first if its reset
// time has passed.
func (m *MemoryTracker) liveLocked(id string) *Budget {
	b, ok := m.budgets[id]
	if !ok {
		return nil
	}
	if b.ResetAt != nil && !m.now().Before(*b.ResetAt) {
		delete(m.budgets, id)
		return nil
	}
	return b
}

func (m *MemoryTracker) HasBudget(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.liveLocked(id)
	if b == nil || b.Remaining == nil {
		return true, nil
	}
	return *b.Remaining > 0, nil
}

func (m *MemoryTracker) AcquireBudget(ctx context.Context, id string) (time.Duration, error) {
	m.mu.Lock()
	b := m.liveLocked(id)
	if b == nil || b.Remaining == nil {
		m.mu.Unlock()
		return 0, nil
	}
	if *b.Remaining > 0 {
		*b.Remaining--
		m.mu.Unlock()
		return 0, nil
	}
	if b.ResetAt == nil {
		// Exhausted with no reset time: nothing to wait for.
		m.mu.Unlock()
		return 0, nil
	}
	resetAt := *b.ResetAt
	wait := resetAt.Sub(m.now())
	m.mu.Unlock()

	if err := sleep(ctx, wait); err != nil {
		return 0, err
	}

	m.mu.Lock()
	// Only forget the budget we waited on; a fresher update stays.
	if cur, ok := m.budgets[id]; ok && cur.ResetAt != nil && cur.ResetAt.Equal(resetAt) {
		delete(m.budgets, id)
	}
	m.mu.Unlock()
	return wait, nil
}

func (m *MemoryTracker) BudgetInfo(_ context.Context, id string) (*Budget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[id]
	if !ok {
		return nil, nil
	}
	c := *b
	if b.Remaining != nil {
		c.Remaining = intPtr(*b.Remaining)
	}
	if b.Limit != nil {
		c.Limit = intPtr(*b.Limit)
	}
	if b.ResetAt != nil {
		r := *b.ResetAt
		c.ResetAt = &r
	}
	return &c, nil
}

func (m *MemoryTracker) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budgets = make(map[string]*Budget)
	return nil
}
