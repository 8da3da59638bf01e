// Package health reports dependency liveness over HTTP and gRPC.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// CheckTimeout bounds every individual check.
const CheckTimeout = 1 * time.Second

// Check returns nil when the dependency it probes is reachable.
type Check func(ctx context.Context) error

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck wraps a Pinger. A nil Pinger always passes.
func PingCheck(p Pinger) Check {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		return p.Ping(ctx)
	}
}

type Status struct {
	OK      bool              `json:"ok"`
	Message string            `json:"message,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Evaluate runs every check and reports the combined status. Failed checks
// carry their error text.
func Evaluate(ctx context.Context, checks map[string]Check) Status {
	st := Status{OK: true, Message: "ok"}
	if len(checks) == 0 {
		return st
	}
	st.Checks = make(map[string]string, len(checks))
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
		err := checks[name](cctx)
		cancel()
		if err != nil {
			if st.OK {
				st.Message = name + " check failed"
			}
			st.OK = false
			st.Checks[name] = err.Error()
			continue
		}
		st.Checks[name] = "ok"
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Evaluate(r.Context(), checks)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Watch keeps the overall serving status of srv in line with checks until
// ctx is done, evaluating once immediately and then on every interval.
func Watch(ctx context.Context, srv *health.Server, checks map[string]Check, interval time.Duration) {
	set := func() {
		if Evaluate(ctx, checks).OK {
			srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
			return
		}
		srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}

	set()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-t.C:
			set()
		}
	}
}
