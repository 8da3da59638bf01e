package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_jobs/internal/app"
	"github.com/austindbirch/harbor_jobs/internal/config"
	"github.com/austindbirch/harbor_jobs/internal/health"
	"github.com/austindbirch/harbor_jobs/internal/logging"
	"github.com/austindbirch/harbor_jobs/internal/metrics"
	"github.com/austindbirch/harbor_jobs/internal/tracing"
	"github.com/austindbirch/harbor_jobs/internal/trigger"
)

const (
	serviceName         = "harborjobs-worker"
	healthWatchInterval = 10 * time.Second
	shutdownTimeout     = 30 * time.Second
)

// newHTTPServer serves /healthz and /metrics.
func newHTTPServer(addr string, reg *prometheus.Registry, checks map[string]health.Check) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(checks))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// newGRPCServer serves only the standard health service.
func newGRPCServer() (*grpc.Server, *grpc_health.Server) {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize structured logging
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		logging.Plain().WithError(err).Warn("unknown LOG_LEVEL, keeping info")
	}
	logger := logging.New(serviceName)
	defer func() { _ = logger.Sync() }()

	// Initialize OpenTelemetry tracing
	shutdownTracing, err := tracing.Init(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := app.New(ctx, cfg, logger, app.Options{NSQ: cfg.NSQ.PublishEvents})
	if err != nil {
		logger.Plain().WithError(err).Fatal("worker setup failed")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Plain().WithError(err).Error("close failed")
		}
	}()
	checks := a.HealthChecks()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	httpSrv := newHTTPServer(cfg.Worker.HTTPPort, reg, checks)
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	// gRPC health
	grpcSrv, hs := newGRPCServer()
	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("worker gRPC health server starting")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Error("gRPC serve failed")
		}
	}()
	go health.Watch(ctx, hs, checks, healthWatchInterval)

	runner := trigger.NewRunner(a.Cycle, a.WorkerOptions(), cfg.Worker.PollInterval, logger)
	if cfg.Worker.NSQTrigger {
		consumer, err := trigger.Subscribe(cfg.NSQ, runner)
		if err != nil {
			// Ticks alone still drain the queue.
			logger.Plain().WithError(err).Warn("nsq nudges disabled")
		} else {
			defer func() {
				consumer.Stop()
				<-consumer.StopChan
			}()
		}
	}

	logger.Plain().WithFields(map[string]any{
		"poll_interval": cfg.Worker.PollInterval.String(),
		"claim_limit":   cfg.Worker.ClaimLimit,
		"job_type":      cfg.Worker.JobType,
	}).Info("worker service started")

	// Blocks until SIGTERM/SIGINT. A cycle in flight sees the cancelled
	// context; whatever it left running is reclaimed by timeout detection.
	_ = runner.Run(ctx)

	logger.Plain().Info("Shutting down worker service")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	grpcSrv.GracefulStop()
	_ = httpSrv.Shutdown(sctx)
	logger.Plain().Info("worker service stopped")
}
