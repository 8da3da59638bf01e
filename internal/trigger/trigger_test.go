package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_jobs/internal/worker"
)

type fakeProducer struct {
	mu     sync.Mutex
	topic  string
	bodies [][]byte
	err    error
}

func (p *fakeProducer) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.bodies = append(p.bodies, body)
	return nil
}

func TestNotifierPublishesNudge(t *testing.T) {
	p := &fakeProducer{}
	n := NewNotifier(p, "worker_cycles")
	n.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, n.WithReason("retry").Nudge(context.Background()))
	require.NoError(t, n.Nudge(context.Background()))

	require.Len(t, p.bodies, 2)
	assert.Equal(t, "worker_cycles", p.topic)

	var first, second Nudge
	require.NoError(t, json.Unmarshal(p.bodies[0], &first))
	require.NoError(t, json.Unmarshal(p.bodies[1], &second))
	assert.Equal(t, "2026-03-01T12:00:00Z", first.At)
	assert.Equal(t, "retry", first.Reason)
	assert.Equal(t, "enqueued", second.Reason, "WithReason must not change the original")
}

func TestNotifierPublishError(t *testing.T) {
	n := NewNotifier(&fakeProducer{err: errors.New("nsqd down")}, "worker_cycles")
	err := n.Nudge(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker_cycles")
}

// fakeCycle records triggers and can hold the first cycle open.
type fakeCycle struct {
	mu       sync.Mutex
	triggers []string
	entered  chan struct{}
	release  chan struct{}
	err      error
}

func newFakeCycle(block bool) *fakeCycle {
	c := &fakeCycle{entered: make(chan struct{}, 16)}
	if block {
		c.release = make(chan struct{})
	}
	return c
}

func (c *fakeCycle) Run(ctx context.Context, opts worker.Options) (worker.Summary, error) {
	c.mu.Lock()
	c.triggers = append(c.triggers, opts.Trigger)
	first := len(c.triggers) == 1
	c.mu.Unlock()
	select {
	case c.entered <- struct{}{}:
	default:
	}
	if first && c.release != nil {
		<-c.release
	}
	return worker.Summary{}, c.err
}

func (c *fakeCycle) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.triggers...)
}

func startRunner(t *testing.T, r *Runner) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- r.Run(ctx) }()
	return stop, ch
}

func TestRunnerRunsAtStartAndOnTick(t *testing.T) {
	c := newFakeCycle(false)
	r := NewRunner(c, worker.Options{Type: "batch_operation", Limit: 5}, 20*time.Millisecond, nil)

	cancel, done := startRunner(t, r)
	assert.Eventually(t, func() bool { return len(c.seen()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	for _, tr := range c.seen() {
		assert.Equal(t, worker.TriggerTick, tr)
	}
}

func TestRunnerCoalescesNudges(t *testing.T) {
	c := newFakeCycle(true)
	r := NewRunner(c, worker.Options{}, time.Hour, nil)

	cancel, done := startRunner(t, r)
	defer func() {
		cancel()
		<-done
	}()

	<-c.entered // start-up cycle is now held open
	r.Nudge()
	r.Nudge()
	r.Nudge()
	close(c.release)

	assert.Eventually(t, func() bool { return len(c.seen()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(c.seen()) > 2 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, []string{worker.TriggerTick, worker.TriggerNudge}, c.seen())
}

func TestRunnerKeepsGoingAfterCycleError(t *testing.T) {
	c := newFakeCycle(false)
	c.err = errors.New("claim failed")
	r := NewRunner(c, worker.Options{}, time.Hour, nil)

	cancel, done := startRunner(t, r)
	defer func() {
		cancel()
		<-done
	}()

	<-c.entered
	r.Nudge()
	assert.Eventually(t, func() bool { return len(c.seen()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestHandleMessageNudges(t *testing.T) {
	r := NewRunner(newFakeCycle(false), worker.Options{}, time.Hour, nil)
	var id nsq.MessageID
	require.NoError(t, r.HandleMessage(nsq.NewMessage(id, []byte(`{}`))))
	select {
	case <-r.wake:
	default:
		t.Fatal("message did not queue a cycle")
	}
}

func TestHandleMessageAcceptsAnyBody(t *testing.T) {
	r := NewRunner(newFakeCycle(false), worker.Options{}, time.Hour, nil)
	var id nsq.MessageID
	body := []byte(`{"at":"2026-01-01T00:00:00Z","reason":"retry","trace_headers":{"traceparent":"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}}`)
	require.NoError(t, r.HandleMessage(nsq.NewMessage(id, body)))
	<-r.wake

	require.NoError(t, r.HandleMessage(nsq.NewMessage(id, []byte("not json"))))
	select {
	case <-r.wake:
	default:
		t.Fatal("malformed body did not queue a cycle")
	}
}

func TestLocalNotifierWakesRunner(t *testing.T) {
	r := NewRunner(newFakeCycle(false), worker.Options{}, time.Hour, nil)
	require.NoError(t, r.Local().Nudge(context.Background()))
	select {
	case <-r.wake:
	default:
		t.Fatal("local nudge did not queue a cycle")
	}
}
