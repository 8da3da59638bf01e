// fake-integration stands in for both the integration gateway and a
// third-party bulk API so the worker can be exercised end to end locally.
package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/austindbirch/harbor_jobs/internal/actions"
)

const apiKeyHeader = "X-Api-Key"

type settings struct {
	BaseURL    string        // what the fake advertises as the integration base url
	APIKey     string        // required on bulk calls when set
	FailFirstN int           // the first N bulk calls return 500
	RateLimit  int           // bulk calls per window
	RateWindow time.Duration // window length
}

func settingsFromEnv() settings {
	s := settings{
		BaseURL:    "http://fake-integration:8091",
		RateLimit:  60,
		RateWindow: time.Minute,
	}
	if v := os.Getenv("FAKE_BASE_URL"); v != "" {
		s.BaseURL = v
	}
	s.APIKey = os.Getenv("FAKE_API_KEY")
	if n, err := strconv.Atoi(os.Getenv("FAIL_FIRST_N")); err == nil {
		s.FailFirstN = n
	}
	if n, err := strconv.Atoi(os.Getenv("FAKE_RATE_LIMIT")); err == nil && n > 0 {
		s.RateLimit = n
	}
	if d, err := time.ParseDuration(os.Getenv("FAKE_RATE_WINDOW")); err == nil && d > 0 {
		s.RateWindow = d
	}
	return s
}

type server struct {
	cfg settings
	now func() time.Time

	mu          sync.Mutex
	bulkCalls   int
	windowStart time.Time
	windowUsed  int
}

func newServer(cfg settings) *server {
	return &server{cfg: cfg, now: time.Now}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })

	r.Route("/v1/tenants/{tenant}", func(r chi.Router) {
		r.Get("/actions/{ref}", s.getAction)
		r.Get("/integrations/{id}/credential", s.getCredential)
		r.Post("/integrations/{ref}/actions/{action}/invoke", s.invoke)
	})
	r.Post("/bulk/contacts", s.bulk)
	return r
}

func main() {
	addr := ":8091"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	s := newServer(settingsFromEnv())
	log.Printf("fake-integration listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, s.routes()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// catalog is the fixed set of actions every tenant sees.
func (s *server) catalog() map[string]*actions.Action {
	concurrency := 3
	return map[string]*actions.Action{
		"contacts.create": {
			ID: "act_create", Ref: "contacts.create",
			IntegrationID: "int_crm", IntegrationRef: "crm", BaseURL: s.cfg.BaseURL,
			InputSchema:        json.RawMessage(`{"type":"object","required":["email"],"properties":{"email":{"type":"string"}}}`),
			BatchEnabled:       true,
			MaxBatchItems:      1000,
			DefaultBatchConfig: &actions.BatchConfig{Concurrency: &concurrency},
		},
		"contacts.import": {
			ID: "act_import", Ref: "contacts.import",
			IntegrationID: "int_crm", IntegrationRef: "crm", BaseURL: s.cfg.BaseURL,
			InputSchema:  json.RawMessage(`{"type":"object","required":["email"]}`),
			BatchEnabled: true,
			HasBulkRoute: true,
			BulkConfig: json.RawMessage(`{"endpoint":"/bulk/contacts","maxItemsPerCall":25,` +
				`"payloadTransform":"array","wrapperKey":"records","successField":"success","errorField":"error"}`),
		},
	}
}

func (s *server) getAction(w http.ResponseWriter, r *http.Request) {
	a, ok := s.catalog()[chi.URLParam(r, "ref")]
	if !ok {
		http.Error(w, "action not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) getCredential(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey == "" {
		http.Error(w, "no credential", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, actions.Credential{Type: "api_key", Headers: map[string]string{apiKeyHeader: s.cfg.APIKey}})
}

// invoke succeeds unless the input carries "fail": true.
func (s *server) invoke(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()
	input := gjson.GetBytes(b, "input")
	if input.Get("fail").Bool() {
		writeJSON(w, http.StatusOK, actions.InvokeResult{Error: &actions.Error{Code: "REJECTED", Message: "contact rejected"}})
		return
	}
	data, _ := json.Marshal(map[string]any{"id": uuid.NewString(), "action": chi.URLParam(r, "action"), "input": json.RawMessage(input.Raw)})
	writeJSON(w, http.StatusOK, actions.InvokeResult{Success: true, Data: data})
}

// takeBudget counts one bulk call against the window and reports what is
// left and when the window resets.
func (s *server) takeBudget() (ok bool, remaining int, reset time.Duration, call int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.windowStart.IsZero() || now.Sub(s.windowStart) >= s.cfg.RateWindow {
		s.windowStart, s.windowUsed = now, 0
	}
	reset = s.cfg.RateWindow - now.Sub(s.windowStart)
	s.bulkCalls++
	if s.windowUsed >= s.cfg.RateLimit {
		return false, 0, reset, s.bulkCalls
	}
	s.windowUsed++
	return true, s.cfg.RateLimit - s.windowUsed, reset, s.bulkCalls
}

type bulkResult struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *server) bulk(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey != "" && r.Header.Get(apiKeyHeader) != s.cfg.APIKey {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	ok, remaining, reset, call := s.takeBudget()
	resetSecs := int((reset + time.Second - 1) / time.Second)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.cfg.RateLimit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(resetSecs))
	if !ok {
		w.Header().Set("Retry-After", strconv.Itoa(resetSecs))
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	if call <= s.cfg.FailFirstN {
		log.Printf("FAILING bulk call (%d/%d)", call, s.cfg.FailFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	var results []bulkResult
	switch ct := r.Header.Get("Content-Type"); {
	case strings.HasPrefix(ct, "text/csv"):
		results = csvResults(string(b))
	case strings.HasPrefix(ct, "application/x-ndjson"):
		for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
			if line != "" {
				results = append(results, recordResult(gjson.Parse(line)))
			}
		}
	default:
		elems, found := records(b)
		if !found {
			http.Error(w, "expected a JSON array of records", http.StatusBadRequest)
			return
		}
		for _, el := range elems {
			results = append(results, recordResult(el))
		}
	}
	log.Printf("fake-integration bulk OK records=%d remaining=%d", len(results), remaining)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// records finds the record array at the root or under any top-level key.
func records(body []byte) ([]gjson.Result, bool) {
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		return root.Array(), true
	}
	var out []gjson.Result
	found := false
	root.ForEach(func(_, v gjson.Result) bool {
		if v.IsArray() {
			out, found = v.Array(), true
			return false
		}
		return true
	})
	return out, found
}

func recordResult(el gjson.Result) bulkResult {
	if el.Get("fail").Bool() {
		return bulkResult{Error: "record rejected"}
	}
	if el.Get("email").String() == "" {
		return bulkResult{Error: "email is required"}
	}
	return bulkResult{Success: true, ID: uuid.NewString()}
}

// csvResults accepts every data row after the header.
func csvResults(body string) []bulkResult {
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	if len(lines) <= 1 {
		return nil
	}
	out := make([]bulkResult, 0, len(lines)-1)
	for range lines[1:] {
		out = append(out, bulkResult{Success: true, ID: uuid.NewString()})
	}
	return out
}
