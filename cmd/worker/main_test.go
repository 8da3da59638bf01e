package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_jobs/internal/health"
	"github.com/austindbirch/harbor_jobs/internal/metrics"
)

func TestHTTPServerRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	metrics.RecordCycle("tick", 0, 0)

	tests := []struct {
		name       string
		checks     map[string]health.Check
		path       string
		wantStatus int
		wantBody   string
	}{
		{name: "healthy", path: "/healthz", wantStatus: http.StatusOK, wantBody: `"ok":true`},
		{
			name:       "unhealthy",
			checks:     map[string]health.Check{"database": func(context.Context) error { return errors.New("down") }},
			path:       "/healthz",
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `"ok":false`,
		},
		{name: "metrics", path: "/metrics", wantStatus: http.StatusOK, wantBody: "harborjobs_worker_cycles_total"},
		{name: "unknown path", path: "/v1/jobs", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newHTTPServer(":0", reg, tt.checks)
			w := httptest.NewRecorder()
			srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if w.Code != tt.wantStatus {
				t.Errorf("GET %s status = %d, want %d", tt.path, w.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("GET %s body missing %q", tt.path, tt.wantBody)
			}
		})
	}
}

func TestGRPCHealthServer(t *testing.T) {
	srv, hs := newGRPCServer()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("initial status = %v, want SERVING", resp.GetStatus())
	}

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %v, want NOT_SERVING", resp.GetStatus())
	}
}
