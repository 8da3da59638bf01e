// Package ratelimit paces outbound calls per integration from the
// rate-limit headers the integration sends back.
//
// Budgets are reactive: nothing is known until a response carries headers,
// and an unknown budget never blocks.
package ratelimit

import (
	"context"
	"time"
)

// Info is what one response says about the caller's budget. Nil fields
// were absent.
type Info struct {
	Remaining *int
	Limit     *int
	Reset     *time.Time
}

// Empty reports whether the update carries neither remaining nor reset,
// in which case trackers ignore it.
func (i Info) Empty() bool {
	return i.Remaining == nil && i.Reset == nil
}

// Budget is the tracked state of one integration.
type Budget struct {
	Remaining *int       `json:"remaining,omitempty"`
	Limit     *int       `json:"limit,omitempty"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Tracker is implemented by the process-local MemoryTracker and the shared
// RedisTracker.
type Tracker interface {
	// UpdateFromHeaders upserts the budget, keeping prior values for fields
	// absent from info.
	UpdateFromHeaders(ctx context.Context, integrationID string, info Info) error
	// HasBudget is true when nothing is tracked, when the reset time has
	// passed, or when remaining is above zero.
	HasBudget(ctx context.Context, integrationID string) (bool, error)
	// AcquireBudget spends one call of budget. With none left it waits
	// until the reset time, then forgets the budget. It returns how long
	// it waited.
	AcquireBudget(ctx context.Context, integrationID string) (time.Duration, error)
	// BudgetInfo returns the tracked budget or nil.
	BudgetInfo(ctx context.Context, integrationID string) (*Budget, error)
	// Clear forgets every budget.
	Clear(ctx context.Context) error
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func intPtr(v int) *int { return &v }
