package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/austindbirch/harbor_jobs/internal/jobs"
)

type fakeProducer struct {
	topic string
	body  []byte
	err   error
}

func (f *fakeProducer) Publish(topic string, body []byte) error {
	f.topic = topic
	f.body = body
	return f.err
}

func TestNewEvent(t *testing.T) {
	tenant := "tenant-1"
	job := &jobs.Job{ID: "job-1", TenantID: &tenant, Type: "batch_operation", Attempts: 2}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))

	e := NewEvent(context.Background(), job, OutcomeFailed, &jobs.JobError{Code: jobs.CodeJobTimeout, Message: "slow"}, at)

	if e.Type != EventType || e.Version != Version {
		t.Errorf("envelope = %q/%q", e.Type, e.Version)
	}
	if e.At != "2026-03-01T11:00:00Z" {
		t.Errorf("At = %q, want UTC RFC3339", e.At)
	}
	if e.JobID != "job-1" || e.TenantID != "tenant-1" || e.JobType != "batch_operation" {
		t.Errorf("identity fields = %+v", e)
	}
	if e.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", e.Attempt)
	}
	if e.Error == nil || e.Error.Code != jobs.CodeJobTimeout {
		t.Errorf("Error = %+v", e.Error)
	}
}

func TestNewEventSystemJob(t *testing.T) {
	e := NewEvent(context.Background(), &jobs.Job{ID: "j", Type: "x"}, OutcomeCompleted, nil, time.Now())
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"tenant_id", "error"} {
		if _, ok := m[k]; ok {
			t.Errorf("%s should be omitted", k)
		}
	}
}

func TestPublisher(t *testing.T) {
	fp := &fakeProducer{}
	p := NewPublisher(fp, "job_events")

	e := NewEvent(context.Background(), &jobs.Job{ID: "j", Type: "x"}, OutcomeCompleted, nil, time.Now())
	if err := p.Publish(context.Background(), e); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if fp.topic != "job_events" {
		t.Errorf("topic = %q", fp.topic)
	}
	var got Event
	if err := json.Unmarshal(fp.body, &got); err != nil {
		t.Fatalf("body is not an event: %v", err)
	}
	if got.JobID != "j" || got.Outcome != OutcomeCompleted {
		t.Errorf("decoded = %+v", got)
	}

	fp.err = errors.New("nsqd down")
	if err := p.Publish(context.Background(), e); err == nil {
		t.Error("expected producer error to surface")
	}
}

func TestDiscard(t *testing.T) {
	if err := Discard.Publish(context.Background(), Event{}); err != nil {
		t.Errorf("Discard.Publish() = %v", err)
	}
}
