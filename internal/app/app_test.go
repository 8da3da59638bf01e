package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_jobs/internal/batch"
	"github.com/austindbirch/harbor_jobs/internal/config"
	"github.com/austindbirch/harbor_jobs/internal/ratelimit"
	"github.com/austindbirch/harbor_jobs/internal/store"
	"github.com/austindbirch/harbor_jobs/internal/trigger"
	"github.com/austindbirch/harbor_jobs/internal/worker"
)

func testConfig() config.Config {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	cfg.Gateway.URL = "http://127.0.0.1:1"
	cfg.Redis.Addr = ""
	return cfg
}

func TestNewInMemory(t *testing.T) {
	cfg := testConfig()
	cfg.Batch.ConcurrencyLimit = 2
	cfg.Worker.ClaimLimit = 7
	cfg.Worker.JobType = batch.JobType

	a, err := New(context.Background(), cfg, nil, Options{InMemory: true})
	require.NoError(t, err)
	defer func() { assert.NoError(t, a.Close()) }()

	assert.IsType(t, &store.MemoryStore{}, a.Store)
	assert.IsType(t, &ratelimit.MemoryTracker{}, a.Tracker)
	assert.Nil(t, a.Pool)
	assert.Nil(t, a.Producer)
	assert.Nil(t, a.Notifier())
	assert.Empty(t, a.HealthChecks())

	hc, err := a.Registry.Lookup(batch.JobType)
	require.NoError(t, err)
	assert.Equal(t, 2, hc.ConcurrencyLimit)

	assert.Equal(t, worker.Options{Type: batch.JobType, Limit: 7}, a.WorkerOptions())
}

func TestNewInMemoryRunsEmptyCycle(t *testing.T) {
	a, err := New(context.Background(), testConfig(), nil, Options{InMemory: true})
	require.NoError(t, err)
	defer a.Close()

	s, err := a.Cycle.Run(context.Background(), a.WorkerOptions())
	require.NoError(t, err)
	assert.Zero(t, s.Claimed)
}

func TestNewWithProducerAddsNSQCheck(t *testing.T) {
	cfg := testConfig()
	cfg.NSQ.NsqdTCPAddr = "127.0.0.1:1"

	a, err := New(context.Background(), cfg, nil, Options{InMemory: true, NSQ: true})
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Producer)
	assert.NotNil(t, a.Notifier())
	checks := a.HealthChecks()
	require.Contains(t, checks, "nsq")
	assert.Error(t, checks["nsq"](context.Background()), "nothing listens on port 1")
}

func TestInProcessRunnerTakesNudges(t *testing.T) {
	a, err := New(context.Background(), testConfig(), nil, Options{InMemory: true, InProcess: true})
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Runner)
	n := a.Notifier()
	require.NotNil(t, n)
	assert.IsType(t, trigger.Local{}, n)
	assert.NoError(t, n.Nudge(context.Background()))
	assert.NoError(t, n.Nudge(context.Background()), "a second nudge coalesces")
}

func TestCloseIsIdempotent(t *testing.T) {
	a, err := New(context.Background(), testConfig(), nil, Options{InMemory: true})
	require.NoError(t, err)
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}
