package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/austindbirch/harbor_jobs/internal/api"
	"github.com/austindbirch/harbor_jobs/internal/app"
	"github.com/austindbirch/harbor_jobs/internal/auth"
	"github.com/austindbirch/harbor_jobs/internal/config"
	"github.com/austindbirch/harbor_jobs/internal/logging"
	"github.com/austindbirch/harbor_jobs/internal/metrics"
	"github.com/austindbirch/harbor_jobs/internal/tracing"
)

const serviceName = "harborjobs-api"

// authMiddleware builds the JWT middleware, or refuses to start without a
// key unless tenant headers are trusted.
func authMiddleware(cfg config.Auth) (func(http.Handler) http.Handler, error) {
	if cfg.PublicKey == "" {
		if !cfg.TrustTenantHeader {
			return nil, errors.New("JWT_PUBLIC_KEY is required unless TRUST_TENANT_HEADER=true")
		}
		return headerOnly, nil
	}
	v, err := auth.NewJWTValidator(cfg.PublicKey, cfg.Issuer, cfg.Audience, auth.TrustTenantHeader(cfg.TrustTenantHeader))
	if err != nil {
		return nil, err
	}
	return v.HTTPMiddleware, nil
}

// headerOnly takes the tenant from X-Tenant-Id. Local development only.
func headerOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t := r.Header.Get(auth.TenantHeader); t != "" {
			r = r.WithContext(auth.WithTenant(r.Context(), t))
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	memory := pflag.Bool("memory", false, "keep jobs in process memory and run the worker cycle in this process")
	pflag.Parse()

	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		logging.Plain().WithError(err).Warn("unknown LOG_LEVEL, keeping info")
	}
	logger := logging.New(serviceName)
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := tracing.Init(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	mw, err := authMiddleware(cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("auth setup failed")
	}

	// The producer carries nudges so a worker starts a cycle right after a
	// submission instead of on its next tick. With --memory there is no
	// worker to reach, so the cycle runs here.
	opts := app.Options{NSQ: true}
	if *memory {
		opts = app.Options{InMemory: true, InProcess: true}
	}
	a, err := app.New(ctx, cfg, logger, opts)
	if err != nil {
		logger.Plain().WithError(err).Fatal("api setup failed")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Plain().WithError(err).Error("close failed")
		}
	}()
	if a.Runner != nil {
		logger.Plain().Warn("running with an in-memory store; jobs are lost on exit")
		go func() { _ = a.Runner.Run(ctx) }()
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	handler := api.NewRouter(api.Deps{
		Queue:   a.Queue,
		Submit:  a.Submit,
		Auth:    mw,
		Nudge:   a.Notifier(),
		Health:  a.HealthChecks(),
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:  logger,
	})

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("api HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("api HTTP server failed")
		}
	}()

	<-ctx.Done()
	logger.Plain().Info("Shutting down api service")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(sctx)
	logger.Plain().Info("api service stopped")
}
