// Package gateway talks to the action gateway, the service that owns the
// action catalog, tenant credentials and single-action invocation. The
// Client implements actions.Invoker, actions.CredentialResolver and
// actions.Catalog over its HTTP API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/austindbirch/harbor_jobs/internal/actions"
	"github.com/austindbirch/harbor_jobs/internal/tracing"
)

// DefaultTimeout bounds one gateway request when the caller's context has
// no earlier deadline.
const DefaultTimeout = 30 * time.Second

const maxErrorBody = 4 << 10

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway %s: HTTP %d", e.Op, e.Status)
	}
	return fmt.Sprintf("gateway %s: HTTP %d: %s", e.Op, e.Status, e.Body)
}

type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default client, whose timeout is DefaultTimeout.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("gateway url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("gateway url %q is not absolute", baseURL)
	}
	c := &Client{base: u, http: &http.Client{Timeout: DefaultTimeout}}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

var (
	_ actions.Invoker            = (*Client)(nil)
	_ actions.CredentialResolver = (*Client)(nil)
	_ actions.Catalog            = (*Client)(nil)
)

type invokeRequest struct {
	Input json.RawMessage `json:"input"`
}

// Invoke runs one action. A gateway-reported failure comes back as an
// InvokeResult with Success false; only transport problems and non-2xx
// responses are errors.
func (c *Client) Invoke(ctx context.Context, tenantID, integrationRef, actionRef string, input json.RawMessage) (*actions.InvokeResult, error) {
	body, err := json.Marshal(invokeRequest{Input: input})
	if err != nil {
		return nil, fmt.Errorf("encode invoke request: %w", err)
	}
	var res actions.InvokeResult
	p := c.path("v1", "tenants", tenantID, "integrations", integrationRef, "actions", actionRef, "invoke")
	if err := c.do(ctx, "invoke", http.MethodPost, p, body, &res); err != nil {
		return nil, err
	}
	if !res.Success && res.Error == nil {
		res.Error = &actions.Error{Message: "action reported failure without detail"}
	}
	return &res, nil
}

// GetDecryptedCredential returns nil with no error when the integration has
// no credential configured.
func (c *Client) GetDecryptedCredential(ctx context.Context, tenantID, integrationID string) (*actions.Credential, error) {
	var cred actions.Credential
	p := c.path("v1", "tenants", tenantID, "integrations", integrationID, "credential")
	err := c.do(ctx, "credential", http.MethodGet, p, nil, &cred)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (c *Client) GetAction(ctx context.Context, tenantID, actionRef string) (*actions.Action, error) {
	var a actions.Action
	p := c.path("v1", "tenants", tenantID, "actions", actionRef)
	err := c.do(ctx, "action", http.MethodGet, p, nil, &a)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", actionRef, actions.ErrActionNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) path(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.base.String() + "/" + strings.Join(escaped, "/")
}

func (c *Client) do(ctx context.Context, op, method, target string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway %s: decode response: %w", op, err)
	}
	return nil
}
