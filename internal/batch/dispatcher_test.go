package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/austindbirch/harbor_jobs/internal/actions"
	"github.com/austindbirch/harbor_jobs/internal/jobs"
	"github.com/austindbirch/harbor_jobs/internal/queue"
	"github.com/austindbirch/harbor_jobs/internal/ratelimit"
	"github.com/austindbirch/harbor_jobs/internal/registry"
	"github.com/austindbirch/harbor_jobs/internal/store"
)

type invokerFunc func(ctx context.Context, tenantID, integrationRef, actionRef string, input json.RawMessage) (*actions.InvokeResult, error)

func (f invokerFunc) Invoke(ctx context.Context, tenantID, integrationRef, actionRef string, input json.RawMessage) (*actions.InvokeResult, error) {
	return f(ctx, tenantID, integrationRef, actionRef, input)
}

type staticCreds struct {
	cred *actions.Credential
	err  error
}

func (s staticCreds) GetDecryptedCredential(context.Context, string, string) (*actions.Credential, error) {
	return s.cred, s.err
}

var echoInvoker = invokerFunc(func(_ context.Context, _, _, _ string, input json.RawMessage) (*actions.InvokeResult, error) {
	return &actions.InvokeResult{Success: true, Data: input}, nil
})

type harness struct {
	store *store.MemoryStore
	queue *queue.Queue
}

func newHarness() *harness {
	s := store.NewMemoryStore()
	return &harness{store: s, queue: queue.New(s)}
}

func defaultInput() Input {
	return Input{
		ActionID:       "act-1",
		ActionRef:      "contacts.create",
		IntegrationID:  "int-1",
		IntegrationRef: "crm",
		Config:         Config{Concurrency: 5, DelayMs: 0, TimeoutSeconds: 30},
	}
}

// start enqueues a batch job and claims it, returning the running job.
func (h *harness) start(t *testing.T, in Input, items ...string) *jobs.Job {
	t.Helper()
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	tenant := "tenant-1"
	_, err = h.queue.EnqueueWithItems(context.Background(), jobs.NewJob{
		TenantID:       &tenant,
		Type:           JobType,
		Input:          raw,
		TimeoutSeconds: jobs.MaxTimeoutSeconds,
	}, raws(items...))
	require.NoError(t, err)
	claimed, err := h.queue.ClaimNext(context.Background(), JobType, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func (h *harness) handlerContext(job *jobs.Job) *registry.HandlerContext {
	return &registry.HandlerContext{
		Job: job,
		UpdateProgress: func(ctx context.Context, p int, d map[string]any) error {
			_, err := h.queue.UpdateProgress(ctx, job.ID, p, d)
			return err
		},
	}
}

func (h *harness) execute(t *testing.T, d *Dispatcher, job *jobs.Job) Summary {
	t.Helper()
	out, err := d.Execute(context.Background(), h.handlerContext(job))
	require.NoError(t, err)
	var s Summary
	require.NoError(t, json.Unmarshal(out, &s))
	return s
}

func (h *harness) items(t *testing.T, jobID string) []*jobs.Item {
	t.Helper()
	page, err := h.store.ListItems(context.Background(), jobs.ItemFilter{JobID: jobID, Limit: jobs.MaxPageSize})
	require.NoError(t, err)
	return page.Rows
}

func TestIndividualRunsEveryItem(t *testing.T) {
	h := newHarness()
	job := h.start(t, defaultInput(), `{"n":1}`, `{"n":2}`, `{"n":3}`)
	d := New(Deps{Store: h.store, Invoker: echoInvoker})

	s := h.execute(t, d, job)
	assert.Equal(t, ModeIndividual, s.Mode)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 3, s.Succeeded)
	assert.Equal(t, 3, s.IndividualCallsMade)
	assert.Zero(t, s.Failed)
	assert.Zero(t, s.BulkCallsMade)

	for i, it := range h.items(t, job.ID) {
		assert.Equal(t, jobs.ItemCompleted, it.Status)
		assert.Equal(t, 1, it.Attempts)
		assert.JSONEq(t, fmt.Sprintf(`{"data":{"n":%d}}`, i+1), string(it.Output))
		assert.NotNil(t, it.CompletedAt)
	}

	got, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
	assert.Contains(t, string(got.ProgressDetails), `"stage":"completed"`)
}

func TestIndividualRespectsConcurrency(t *testing.T) {
	h := newHarness()
	in := defaultInput()
	in.Config.Concurrency = 2
	job := h.start(t, in, `{}`, `{}`, `{}`, `{}`, `{}`)

	var inFlight, peak atomic.Int64
	release := make(chan struct{})
	var once sync.Once
	inv := invokerFunc(func(ctx context.Context, _, _, _ string, _ json.RawMessage) (*actions.InvokeResult, error) {
		n := inFlight.Inc()
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if n == 2 {
			once.Do(func() { close(release) })
		}
		<-release
		inFlight.Dec()
		return &actions.InvokeResult{Success: true}, nil
	})

	s := h.execute(t, New(Deps{Store: h.store, Invoker: inv}), job)
	assert.Equal(t, 5, s.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, int64(2), peak.Load())
}

func TestIndividualRecordsFailures(t *testing.T) {
	h := newHarness()
	job := h.start(t, defaultInput(), `{"k":"ok"}`, `{"k":"fail"}`, `{"k":"boom"}`, `{"k":"bare"}`)
	inv := invokerFunc(func(_ context.Context, _, _, _ string, input json.RawMessage) (*actions.InvokeResult, error) {
		var p struct{ K string }
		_ = json.Unmarshal(input, &p)
		switch p.K {
		case "fail":
			return &actions.InvokeResult{Error: &actions.Error{Code: "VALIDATION", Message: "email required"}}, nil
		case "boom":
			return nil, errors.New("connection reset")
		case "bare":
			return &actions.InvokeResult{}, nil
		}
		return &actions.InvokeResult{Success: true, Data: json.RawMessage(`{"id":"c1"}`)}, nil
	})

	s := h.execute(t, New(Deps{Store: h.store, Invoker: inv}), job)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 3, s.Failed)

	items := h.items(t, job.ID)
	assert.Equal(t, jobs.ItemCompleted, items[0].Status)
	assert.Equal(t, "VALIDATION", items[1].Error.Code)
	assert.Equal(t, "email required", items[1].Error.Message)
	assert.Equal(t, jobs.CodeInvocationException, items[2].Error.Code)
	assert.Equal(t, "connection reset", items[2].Error.Message)
	assert.Equal(t, jobs.CodeInvocationFailed, items[3].Error.Code)
}

func TestIndividualStopsWhenCancelled(t *testing.T) {
	h := newHarness()
	in := defaultInput()
	in.Config.Concurrency = 1
	payloads := make([]string, IndividualChunkSize+10)
	for i := range payloads {
		payloads[i] = `{}`
	}
	job := h.start(t, in, payloads...)

	var calls atomic.Int64
	inv := invokerFunc(func(ctx context.Context, _, _, _ string, _ json.RawMessage) (*actions.InvokeResult, error) {
		if calls.Inc() == 1 {
			if _, err := h.queue.CancelJob(ctx, job.ID); err != nil {
				return nil, err
			}
		}
		return &actions.InvokeResult{Success: true}, nil
	})

	s := h.execute(t, New(Deps{Store: h.store, Invoker: inv}), job)
	assert.True(t, s.Cancelled)
	assert.Equal(t, IndividualChunkSize, s.Succeeded)
	assert.Equal(t, 10, s.Skipped)
	assert.Equal(t, int64(IndividualChunkSize), calls.Load())

	counts, err := h.store.CountItemsByStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, counts[jobs.ItemSkipped])
	assert.Zero(t, counts[jobs.ItemPending])
}

func TestIndividualInvokerPanicFailsItem(t *testing.T) {
	h := newHarness()
	job := h.start(t, defaultInput(), `{"k":"ok"}`, `{"k":"panic"}`, `{"k":"ok"}`)
	inv := invokerFunc(func(_ context.Context, _, _, _ string, input json.RawMessage) (*actions.InvokeResult, error) {
		if string(input) == `{"k":"panic"}` {
			panic("decoder state corrupted")
		}
		return &actions.InvokeResult{Success: true}, nil
	})

	s := h.execute(t, New(Deps{Store: h.store, Invoker: inv}), job)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Empty(t, s.Error)

	items := h.items(t, job.ID)
	assert.Equal(t, jobs.ItemFailed, items[1].Status)
	require.NotNil(t, items[1].Error)
	assert.Equal(t, jobs.CodeInvocationException, items[1].Error.Code)
	assert.Contains(t, items[1].Error.Message, "decoder state corrupted")
}

func TestIndividualNilResultFailsItem(t *testing.T) {
	h := newHarness()
	job := h.start(t, defaultInput(), `{}`, `{}`)
	inv := invokerFunc(func(context.Context, string, string, string, json.RawMessage) (*actions.InvokeResult, error) {
		return nil, nil
	})

	s := h.execute(t, New(Deps{Store: h.store, Invoker: inv}), job)
	assert.Equal(t, 2, s.Failed)
	for _, it := range h.items(t, job.ID) {
		assert.Equal(t, jobs.ItemFailed, it.Status)
		assert.Equal(t, jobs.CodeInvocationException, it.Error.Code)
	}
}

func TestIndividualDelayBetweenCalls(t *testing.T) {
	const delay = 60 * time.Millisecond
	h := newHarness()
	in := defaultInput()
	in.Config.Concurrency = 1
	in.Config.DelayMs = int(delay / time.Millisecond)
	job := h.start(t, in, `{}`, `{}`, `{}`)

	var mu sync.Mutex
	var at []time.Time
	inv := invokerFunc(func(context.Context, string, string, string, json.RawMessage) (*actions.InvokeResult, error) {
		mu.Lock()
		at = append(at, time.Now())
		mu.Unlock()
		return &actions.InvokeResult{Success: true}, nil
	})

	start := time.Now()
	s := h.execute(t, New(Deps{Store: h.store, Invoker: inv}), job)
	assert.Equal(t, 3, s.Succeeded)

	require.Len(t, at, 3)
	assert.Less(t, at[0].Sub(start), delay, "the first call is not delayed")
	for i := 1; i < len(at); i++ {
		assert.GreaterOrEqual(t, at[i].Sub(at[i-1]), delay, "call %d", i)
	}
}

func TestIndividualShutdownKeepsPendingItems(t *testing.T) {
	h := newHarness()
	in := defaultInput()
	in.Config.Concurrency = 1
	job := h.start(t, in, `{}`, `{}`, `{}`, `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int64
	inv := invokerFunc(func(ctx context.Context, _, _, _ string, _ json.RawMessage) (*actions.InvokeResult, error) {
		if calls.Inc() == 2 {
			cancel()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &actions.InvokeResult{Success: true}, nil
	})

	out, err := New(Deps{Store: h.store, Invoker: inv}).Execute(ctx, h.handlerContext(job))
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, out)

	items := h.items(t, job.ID)
	assert.Equal(t, jobs.ItemCompleted, items[0].Status)
	for _, it := range items[1:] {
		assert.Equal(t, jobs.ItemPending, it.Status)
		assert.Zero(t, it.Attempts)
		assert.Nil(t, it.Error)
	}

	// Released and claimed again, the job finishes the remaining items.
	_, err = h.queue.ReleaseJob(context.Background(), job)
	require.NoError(t, err)
	claimed, err := h.queue.ClaimNext(context.Background(), JobType, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	s := h.execute(t, New(Deps{Store: h.store, Invoker: echoInvoker}), claimed[0])
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 4, s.Succeeded)
	assert.Equal(t, 3, s.IndividualCallsMade)
}

func TestInvalidInputSkipsItems(t *testing.T) {
	h := newHarness()
	in := defaultInput()
	in.Config.Concurrency = 0
	job := h.start(t, in, `{}`, `{}`)

	_, err := New(Deps{Store: h.store, Invoker: echoInvoker}).Execute(context.Background(), h.handlerContext(job))
	require.Error(t, err)
	var je *jobs.JobError
	require.True(t, errors.As(err, &je))
	assert.Equal(t, jobs.CodeHandlerError, je.Code)

	counts, err := h.store.CountItemsByStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[jobs.ItemSkipped])
}

type bulkRequest struct {
	contentType string
	auth        string
	body        string
}

// bulkServer records every request and answers with respond.
func bulkServer(t *testing.T, respond func(w http.ResponseWriter, body string)) (*httptest.Server, func() []bulkRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []bulkRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, bulkRequest{contentType: r.Header.Get("Content-Type"), auth: r.Header.Get("Authorization"), body: string(b)})
		mu.Unlock()
		respond(w, string(b))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []bulkRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]bulkRequest(nil), reqs...)
	}
}

func bulkInput(baseURL string, bc string) Input {
	in := defaultInput()
	in.BaseURL = baseURL
	in.HasBulkRoute = true
	in.BulkConfig = json.RawMessage(bc)
	return in
}

func TestBulkMapsResultsByIndex(t *testing.T) {
	srv, requests := bulkServer(t, func(w http.ResponseWriter, _ string) {
		w.Header().Set("X-RateLimit-Remaining", "7")
		w.Header().Set("X-RateLimit-Limit", "10")
		_, _ = w.Write([]byte(`{"results":[{"ok":true},{"ok":false,"msg":"bad"}]}`))
	})
	h := newHarness()
	job := h.start(t, bulkInput(srv.URL, `{"endpoint":"/bulk","successField":"ok","errorField":"msg"}`), `{"a":1}`, `{"a":2}`)
	tracker := ratelimit.NewMemoryTracker()
	d := New(Deps{
		Store:       h.store,
		Invoker:     echoInvoker,
		Tracker:     tracker,
		Credentials: staticCreds{cred: &actions.Credential{Headers: map[string]string{"Authorization": "Bearer t"}}},
	})

	s := h.execute(t, d, job)
	assert.Equal(t, ModeBulk, s.Mode)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.BulkCallsMade)
	assert.Zero(t, s.IndividualCallsMade)

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, `[{"a":1},{"a":2}]`, reqs[0].body)
	assert.Equal(t, "application/json", reqs[0].contentType)
	assert.Equal(t, "Bearer t", reqs[0].auth)

	items := h.items(t, job.ID)
	assert.Equal(t, jobs.ItemCompleted, items[0].Status)
	assert.JSONEq(t, `{"data":{"ok":true}}`, string(items[0].Output))
	assert.Equal(t, jobs.ItemFailed, items[1].Status)
	assert.Equal(t, "bad", items[1].Error.Message)

	b, err := tracker.BudgetInfo(context.Background(), "int-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, 7, *b.Remaining)
	assert.Equal(t, 10, *b.Limit)
}

func TestBulkCSVChunks(t *testing.T) {
	srv, requests := bulkServer(t, func(w http.ResponseWriter, _ string) {
		_, _ = w.Write([]byte(`[{"ok":true},{"ok":true}]`))
	})
	h := newHarness()
	in := bulkInput(srv.URL, `{"endpoint":"/import","payloadTransform":"csv","maxItemsPerCall":2}`)
	job := h.start(t, in, `{"a":1}`, `{"a":2}`, `{"a":3}`)

	s := h.execute(t, New(Deps{Store: h.store, Invoker: echoInvoker}), job)
	assert.Equal(t, 2, s.BulkCallsMade)
	assert.Equal(t, 3, s.Succeeded)

	reqs := requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "a\n1\n2", reqs[0].body)
	assert.Equal(t, "text/csv", reqs[0].contentType)
	assert.Equal(t, "a\n3", reqs[1].body)
}

func TestBulkHTTPErrorFailsChunk(t *testing.T) {
	srv, _ := bulkServer(t, func(w http.ResponseWriter, _ string) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})
	h := newHarness()
	job := h.start(t, bulkInput(srv.URL, `{"endpoint":"/bulk"}`), `{}`, `{}`)

	s := h.execute(t, New(Deps{Store: h.store, Invoker: echoInvoker}), job)
	assert.Equal(t, 2, s.Failed)
	assert.Empty(t, s.Error)
	for _, it := range h.items(t, job.ID) {
		require.NotNil(t, it.Error)
		assert.Equal(t, jobs.CodeBulkHTTPError, it.Error.Code)
		assert.Contains(t, it.Error.Message, "HTTP 502")
	}
}

func TestBulkUnresolvedMapping(t *testing.T) {
	srv, _ := bulkServer(t, func(w http.ResponseWriter, _ string) {
		_, _ = w.Write([]byte(`{"accepted":true}`))
	})

	t.Run("optimistic", func(t *testing.T) {
		h := newHarness()
		job := h.start(t, bulkInput(srv.URL, `{"endpoint":"/bulk"}`), `{}`, `{}`)
		s := h.execute(t, New(Deps{Store: h.store, Invoker: echoInvoker}), job)
		assert.Equal(t, 2, s.Succeeded)
		assert.Equal(t, 1, s.MappingUnresolvedChunks)
	})

	t.Run("strict", func(t *testing.T) {
		h := newHarness()
		job := h.start(t, bulkInput(srv.URL, `{"endpoint":"/bulk"}`), `{}`, `{}`)
		s := h.execute(t, New(Deps{Store: h.store, Invoker: echoInvoker, StrictMapping: true}), job)
		assert.Equal(t, 2, s.Failed)
		for _, it := range h.items(t, job.ID) {
			assert.Equal(t, jobs.CodeBulkMappingUnresolved, it.Error.Code)
		}
	})
}

func TestBadBulkConfigFallsBackToIndividual(t *testing.T) {
	h := newHarness()
	job := h.start(t, bulkInput("https://unused.example.com", `{"method":"POST"}`), `{}`, `{}`)

	s := h.execute(t, New(Deps{Store: h.store, Invoker: echoInvoker}), job)
	assert.Equal(t, ModeIndividual, s.Mode)
	assert.Equal(t, 2, s.IndividualCallsMade)
	assert.Equal(t, 2, s.Succeeded)
}

func TestBulkShutdownKeepsPendingItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv, _ := bulkServer(t, func(w http.ResponseWriter, _ string) {
		cancel()
		_, _ = w.Write([]byte(`[{}]`))
	})
	h := newHarness()
	job := h.start(t, bulkInput(srv.URL, `{"endpoint":"/bulk","maxItemsPerCall":1}`), `{}`, `{}`, `{}`)

	out, err := New(Deps{Store: h.store, Invoker: echoInvoker}).Execute(ctx, h.handlerContext(job))
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, out)

	counts, err := h.store.CountItemsByStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Zero(t, counts[jobs.ItemSkipped])
	assert.GreaterOrEqual(t, counts[jobs.ItemPending], 2)
	assert.Equal(t, 3, counts[jobs.ItemPending]+counts[jobs.ItemCompleted])
}
