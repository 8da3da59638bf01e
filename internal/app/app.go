// Package app wires configuration into the running pieces shared by the
// worker, the API and jobctl.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/austindbirch/harbor_jobs/internal/batch"
	"github.com/austindbirch/harbor_jobs/internal/config"
	"github.com/austindbirch/harbor_jobs/internal/db"
	"github.com/austindbirch/harbor_jobs/internal/events"
	"github.com/austindbirch/harbor_jobs/internal/gateway"
	"github.com/austindbirch/harbor_jobs/internal/health"
	"github.com/austindbirch/harbor_jobs/internal/logging"
	"github.com/austindbirch/harbor_jobs/internal/queue"
	"github.com/austindbirch/harbor_jobs/internal/ratelimit"
	"github.com/austindbirch/harbor_jobs/internal/registry"
	"github.com/austindbirch/harbor_jobs/internal/schema"
	"github.com/austindbirch/harbor_jobs/internal/store"
	"github.com/austindbirch/harbor_jobs/internal/submit"
	"github.com/austindbirch/harbor_jobs/internal/trigger"
	"github.com/austindbirch/harbor_jobs/internal/worker"
)

type Options struct {
	// InMemory uses a process-local store instead of Postgres.
	InMemory bool
	// Migrate applies pending migrations after connecting.
	Migrate bool
	// NSQ creates a producer for nudges and, when enabled, job events.
	NSQ bool
	// InProcess builds a Runner that submissions nudge directly when there
	// is no producer.
	InProcess bool
}

type App struct {
	Config   config.Config
	Log      *logging.Logger
	Pool     *pgxpool.Pool // nil with InMemory
	Store    store.Store
	Queue    *queue.Queue
	Registry *registry.Registry
	Gateway  *gateway.Client
	Tracker  ratelimit.Tracker
	Cycle    *worker.Cycle
	Submit   *submit.Service
	Producer *nsq.Producer   // nil unless Options.NSQ
	Runner   *trigger.Runner // nil unless Options.InProcess

	redis   *redis.Client
	closers []func() error
}

func New(ctx context.Context, cfg config.Config, log *logging.Logger, opts Options) (a *App, err error) {
	if log == nil {
		log = logging.Default()
	}
	a = &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
			a = nil
		}
	}()

	if opts.InMemory {
		a.Store = store.NewMemoryStore()
	} else {
		pool, err := db.Connect(ctx, cfg.DSN(), int32(cfg.DB.MaxConns))
		if err != nil {
			return a, fmt.Errorf("db connect: %w", err)
		}
		a.Pool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if opts.Migrate {
			if err := db.Migrate(ctx, pool); err != nil {
				return a, err
			}
		}
		a.Store = store.NewPostgresStore(pool)
	}
	a.Queue = queue.New(a.Store)

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, a.redis.Close)
		a.Tracker = ratelimit.NewRedisTracker(a.redis, "")
	} else {
		a.Tracker = ratelimit.NewMemoryTracker()
	}

	a.Gateway, err = gateway.New(cfg.Gateway.URL,
		gateway.WithToken(cfg.Gateway.Token),
		gateway.WithHTTPClient(&http.Client{Timeout: cfg.Gateway.Timeout}),
	)
	if err != nil {
		return a, fmt.Errorf("gateway client: %w", err)
	}

	if opts.NSQ {
		a.Producer, err = nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			return a, fmt.Errorf("nsq producer: %w", err)
		}
		p := a.Producer
		a.closers = append(a.closers, func() error { p.Stop(); return nil })
	}

	a.Registry = registry.New()
	batch.New(batch.Deps{
		Store:         a.Store,
		Invoker:       a.Gateway,
		Credentials:   a.Gateway,
		Tracker:       a.Tracker,
		Logger:        log,
		StrictMapping: cfg.Batch.StrictMapping,
	}).Register(a.Registry, cfg.Batch.ConcurrencyLimit)

	cycleOpts := []worker.Option{worker.WithLogger(log)}
	if a.Producer != nil && cfg.NSQ.PublishEvents {
		cycleOpts = append(cycleOpts, worker.WithEvents(events.NewPublisher(a.Producer, cfg.NSQ.EventsTopic)))
	}
	a.Cycle = worker.New(a.Queue, a.Registry, cycleOpts...)
	if opts.InProcess {
		a.Runner = trigger.NewRunner(a.Cycle, a.WorkerOptions(), cfg.Worker.PollInterval, log)
	}

	submitOpts := []submit.Option{
		submit.WithLogger(log),
		submit.WithDefaults(submit.Defaults{
			Config: batch.Config{
				Concurrency:    cfg.Batch.DefaultConcurrency,
				DelayMs:        cfg.Batch.DefaultDelayMs,
				TimeoutSeconds: cfg.Batch.DefaultTimeoutSeconds,
			},
			MaxItems: cfg.Batch.MaxItems,
		}),
	}
	if n := a.Notifier(); n != nil {
		submitOpts = append(submitOpts, submit.WithNotifier(n))
	}
	a.Submit = submit.New(a.Queue, a.Gateway, schema.New(), submitOpts...)
	return a, nil
}

// Notifier publishes cycle nudges over NSQ, falls back to the in-process
// Runner, and is nil when there is neither.
func (a *App) Notifier() submit.Notifier {
	switch {
	case a.Producer != nil:
		return trigger.NewNotifier(a.Producer, a.Config.NSQ.CycleTopic)
	case a.Runner != nil:
		return a.Runner.Local()
	}
	return nil
}

// WorkerOptions are the cycle options from the worker configuration.
func (a *App) WorkerOptions() worker.Options {
	return worker.Options{Type: a.Config.Worker.JobType, Limit: a.Config.Worker.ClaimLimit}
}

// HealthChecks probes every remote dependency the app holds.
func (a *App) HealthChecks() map[string]health.Check {
	checks := map[string]health.Check{}
	if a.Pool != nil {
		checks["database"] = health.PingCheck(a.Pool)
	}
	if a.redis != nil {
		rdb := a.redis
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	if a.Producer != nil {
		p := a.Producer
		checks["nsq"] = func(context.Context) error { return p.Ping() }
	}
	return checks
}

// Close releases everything New opened, newest first.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
