// Package trigger decides when a worker cycle runs: on a fixed tick, and
// whenever a nudge arrives on the NSQ cycle topic.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_jobs/internal/metrics"
	"github.com/austindbirch/harbor_jobs/internal/tracing"
)

// Nudge is the body of a cycle topic message. Its content is informational;
// any message on the topic asks for one cycle.
type Nudge struct {
	At           string            `json:"at"` // RFC3339
	Reason       string            `json:"reason,omitempty"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Producer is the part of *nsq.Producer the notifier uses.
type Producer interface {
	Publish(topic string, body []byte) error
}

var _ Producer = (*nsq.Producer)(nil)

// Notifier publishes nudges to the cycle topic.
type Notifier struct {
	producer Producer
	topic    string
	reason   string
	now      func() time.Time
}

func NewNotifier(p Producer, topic string) *Notifier {
	return &Notifier{producer: p, topic: topic, reason: "enqueued", now: time.Now}
}

// WithReason returns a copy of n that stamps reason on its nudges.
func (n *Notifier) WithReason(reason string) *Notifier {
	cp := *n
	cp.reason = reason
	return &cp
}

func (n *Notifier) Nudge(ctx context.Context) error {
	b, err := json.Marshal(Nudge{
		At:           n.now().UTC().Format(time.RFC3339Nano),
		Reason:       n.reason,
		TraceHeaders: tracing.InjectHeaders(ctx),
	})
	if err != nil {
		return fmt.Errorf("encode nudge: %w", err)
	}
	if err := n.producer.Publish(n.topic, b); err != nil {
		return fmt.Errorf("publish nudge to %s: %w", n.topic, err)
	}
	metrics.RecordNudge("published")
	tracing.AddSpanEvent(ctx, "nsq.published_nudge")
	return nil
}
