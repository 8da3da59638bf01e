package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_jobs/internal/jobs"
)

func TestMemoryStoreContract(t *testing.T) {
	runContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStoreClock(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewMemoryStore(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	j, err := s.Create(ctx, jobs.NewJob{Type: "x", TimeoutSeconds: 30})
	require.NoError(t, err)
	assert.Equal(t, now, j.CreatedAt)

	claimed, err := s.ClaimNext(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, now, *claimed[0].StartedAt)

	// Exactly at the deadline is not yet timed out.
	now = now.Add(30 * time.Second)
	n, err := s.DetectAndFailTimedOut(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	now = now.Add(time.Second)
	n, err = s.DetectAndFailTimedOut(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	j, err := s.CreateWithItems(ctx, jobs.NewJob{Type: "x"}, []json.RawMessage{json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)

	j.Status = jobs.StatusCompleted
	j.Items[0].Status = jobs.ItemFailed

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, got.Status)
	pending, err := s.FindPendingItems(ctx, j.ID, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
