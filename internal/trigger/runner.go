package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_jobs/internal/config"
	"github.com/austindbirch/harbor_jobs/internal/logging"
	"github.com/austindbirch/harbor_jobs/internal/metrics"
	"github.com/austindbirch/harbor_jobs/internal/tracing"
	"github.com/austindbirch/harbor_jobs/internal/worker"
)

// Cycler runs one worker cycle. *worker.Cycle satisfies it.
type Cycler interface {
	Run(ctx context.Context, opts worker.Options) (worker.Summary, error)
}

// Runner runs cycles one at a time: once at start, then on every tick and
// after nudges. Nudges that arrive while a cycle is running collapse into
// a single follow-up cycle.
type Runner struct {
	cycle    Cycler
	opts     worker.Options
	interval time.Duration
	log      *logging.Logger
	wake     chan struct{}
}

func NewRunner(c Cycler, opts worker.Options, interval time.Duration, log *logging.Logger) *Runner {
	if log == nil {
		log = logging.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{cycle: c, opts: opts, interval: interval, log: log, wake: make(chan struct{}, 1)}
}

// Nudge asks for a cycle as soon as the current one, if any, finishes.
// It never blocks.
func (r *Runner) Nudge() {
	select {
	case r.wake <- struct{}{}:
		metrics.RecordNudge("received")
	default:
		metrics.RecordNudge("coalesced")
	}
}

// Local lets a runner in the same process stand in for the NSQ notifier.
type Local struct{ r *Runner }

func (r *Runner) Local() Local { return Local{r: r} }

func (l Local) Nudge(context.Context) error {
	l.r.Nudge()
	return nil
}

// HandleMessage makes the runner an nsq.Handler for the cycle topic. A
// body that is not a Nudge still counts as one.
func (r *Runner) HandleMessage(m *nsq.Message) error {
	var n Nudge
	if err := json.Unmarshal(m.Body, &n); err == nil {
		ctx := tracing.ExtractHeaders(context.Background(), n.TraceHeaders)
		ctx, span := tracing.StartSpan(ctx, "trigger.nudge", attribute.String("nudge.reason", n.Reason))
		r.log.WithContext(ctx).WithField("reason", n.Reason).Debug("cycle nudge received")
		span.End()
	}
	r.Nudge()
	return nil
}

// Run blocks until ctx is done. Cycle errors are logged and do not stop
// the loop.
func (r *Runner) Run(ctx context.Context) error {
	r.runOnce(ctx, worker.TriggerTick)

	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.runOnce(ctx, worker.TriggerTick)
		case <-r.wake:
			r.runOnce(ctx, worker.TriggerNudge)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	opts := r.opts
	opts.Trigger = trigger
	if _, err := r.cycle.Run(ctx, opts); err != nil {
		r.log.WithContext(ctx).WithError(err).WithField("trigger", trigger).Error("worker cycle failed")
	}
}

// Subscribe attaches r to the cycle topic and connects to nsqd and
// nsqlookupd. Stop the returned consumer on shutdown.
func Subscribe(cfg config.NSQ, r *Runner) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	conf.MaxInFlight = 10
	consumer, err := nsq.NewConsumer(cfg.CycleTopic, cfg.CycleChannel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.AddHandler(r)

	// Connecting directly to nsqd creates the channel before the first nudge.
	if err := consumer.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("connect to nsqd: %w", err)
	}
	if cfg.LookupHTTPAddr != "" {
		if err := consumer.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
			consumer.Stop()
			return nil, fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	return consumer, nil
}
