// Package events publishes one envelope per processed job to NSQ so
// downstream consumers can react to job outcomes without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_jobs/internal/jobs"
	"github.com/austindbirch/harbor_jobs/internal/tracing"
)

const (
	EventType = "job.processed"
	Version   = "v1"
)

// Job outcomes carried in Event.Outcome.
const (
	OutcomeCompleted = "completed"
	OutcomeRetrying  = "retrying"
	OutcomeFailed    = "failed"
	OutcomeThrottled = "throttled"
)

type Event struct {
	Type         string            `json:"type"`    // "job.processed"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339
	JobID        string            `json:"job_id"`
	TenantID     string            `json:"tenant_id,omitempty"`
	JobType      string            `json:"job_type"`
	Outcome      string            `json:"outcome"`
	Attempt      int               `json:"attempt"`
	Error        *jobs.JobError    `json:"error,omitempty"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// NewEvent builds the envelope for job after the worker recorded outcome.
func NewEvent(ctx context.Context, job *jobs.Job, outcome string, jobErr *jobs.JobError, at time.Time) Event {
	return Event{
		Type:         EventType,
		Version:      Version,
		At:           at.UTC().Format(time.RFC3339Nano),
		JobID:        job.ID,
		TenantID:     job.Tenant(),
		JobType:      job.Type,
		Outcome:      outcome,
		Attempt:      job.Attempts,
		Error:        jobErr,
		TraceHeaders: tracing.InjectHeaders(ctx),
	}
}

// Sink receives job events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }

// Producer is the part of *nsq.Producer the publisher uses.
type Producer interface {
	Publish(topic string, body []byte) error
}

var _ Producer = (*nsq.Producer)(nil)

// Publisher writes events to one NSQ topic.
type Publisher struct {
	producer Producer
	topic    string
}

func NewPublisher(p Producer, topic string) *Publisher {
	return &Publisher{producer: p, topic: topic}
}

func (p *Publisher) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode job event: %w", err)
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		return fmt.Errorf("publish job event to %s: %w", p.topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_job_event")
	return nil
}
