package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type mockPinger struct {
	pingError error
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.pingError
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		checks             map[string]Check
		expectedStatusCode int
		expectedOK         bool
		expectedMessage    string
		expectedChecks     map[string]string
	}{
		{
			name:               "healthy with no checks",
			checks:             nil,
			expectedStatusCode: http.StatusOK,
			expectedOK:         true,
			expectedMessage:    "ok",
		},
		{
			name:               "healthy with working database",
			checks:             map[string]Check{"database": PingCheck(&mockPinger{})},
			expectedStatusCode: http.StatusOK,
			expectedOK:         true,
			expectedMessage:    "ok",
			expectedChecks:     map[string]string{"database": "ok"},
		},
		{
			name:               "unhealthy with database ping failure",
			checks:             map[string]Check{"database": PingCheck(&mockPinger{pingError: context.DeadlineExceeded})},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedOK:         false,
			expectedMessage:    "database check failed",
			expectedChecks:     map[string]string{"database": context.DeadlineExceeded.Error()},
		},
		{
			name: "first failing check names the message",
			checks: map[string]Check{
				"redis":    func(context.Context) error { return errors.New("refused") },
				"database": PingCheck(&mockPinger{}),
				"nsq":      func(context.Context) error { return errors.New("down") },
			},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedOK:         false,
			expectedMessage:    "nsq check failed",
			expectedChecks:     map[string]string{"database": "ok", "nsq": "down", "redis": "refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/healthz", nil)
			w := httptest.NewRecorder()

			HTTPHandler(tt.checks)(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("HTTPHandler() status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("HTTPHandler() Content-Type = %q, want %q", ct, "application/json")
			}

			var status Status
			if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
				t.Fatalf("HTTPHandler() response JSON parse error: %v", err)
			}
			if status.OK != tt.expectedOK {
				t.Errorf("Status.OK = %v, want %v", status.OK, tt.expectedOK)
			}
			if status.Message != tt.expectedMessage {
				t.Errorf("Status.Message = %q, want %q", status.Message, tt.expectedMessage)
			}
			if len(status.Checks) != len(tt.expectedChecks) {
				t.Fatalf("Status.Checks = %v, want %v", status.Checks, tt.expectedChecks)
			}
			for k, v := range tt.expectedChecks {
				if status.Checks[k] != v {
					t.Errorf("Status.Checks[%q] = %q, want %q", k, status.Checks[k], v)
				}
			}
		})
	}
}

func TestPingCheck_NilPinger(t *testing.T) {
	if err := PingCheck(nil)(context.Background()); err != nil {
		t.Errorf("PingCheck(nil) = %v, want nil", err)
	}
}

func TestEvaluate_ChecksGetDeadline(t *testing.T) {
	var hadDeadline bool
	Evaluate(context.Background(), map[string]Check{
		"x": func(ctx context.Context) error {
			_, hadDeadline = ctx.Deadline()
			return nil
		},
	})
	if !hadDeadline {
		t.Error("check context should carry a deadline")
	}
}

func TestWatch(t *testing.T) {
	srv := health.NewServer()
	ctx, cancel := context.WithCancel(context.Background())

	failing := map[string]Check{"database": PingCheck(&mockPinger{pingError: errors.New("down")})}
	done := make(chan struct{})
	go func() {
		Watch(ctx, srv, failing, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status never became NOT_SERVING (last: %v, %v)", resp, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
