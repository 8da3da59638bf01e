package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/austindbirch/harbor_jobs/internal/actions"
)

// JobType is the job type the dispatcher is registered under.
const JobType = "batch_operation"

const (
	MinConcurrency    = 1
	MaxConcurrency    = 20
	MinDelayMs        = 0
	MaxDelayMs        = 5000
	MinTimeoutSeconds = 30
	MaxTimeoutSeconds = 3600

	// IndividualChunkSize is how many pending items one individual-path
	// round fetches.
	IndividualChunkSize = 50
	// DefaultMaxItemsPerCall is the bulk chunk size when the bulk config
	// does not set one.
	DefaultMaxItemsPerCall = 200
)

// Transform names how a bulk chunk is encoded.
const (
	TransformArray  = "array"
	TransformCSV    = "csv"
	TransformNDJSON = "ndjson"
)

// Config is the effective, fully resolved batch configuration.
type Config struct {
	Concurrency    int `json:"concurrency"`
	DelayMs        int `json:"delayMs"`
	TimeoutSeconds int `json:"timeoutSeconds"`
}

// Input is the job input of a batch_operation job.
type Input struct {
	ActionID       string          `json:"actionId"`
	ActionRef      string          `json:"actionRef"`
	IntegrationID  string          `json:"integrationId"`
	IntegrationRef string          `json:"integrationRef"`
	BaseURL        string          `json:"baseUrl,omitempty"`
	HasBulkRoute   bool            `json:"hasBulkRoute"`
	Config         Config          `json:"config"`
	BulkConfig     json.RawMessage `json:"bulkConfig,omitempty"`
}

// ParseInput decodes and bounds-checks a job input.
func ParseInput(raw json.RawMessage) (*Input, error) {
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode batch input: %w", err)
	}
	if in.ActionRef == "" || in.IntegrationRef == "" {
		return nil, errors.New("batch input needs actionRef and integrationRef")
	}
	if err := in.Config.Validate(); err != nil {
		return nil, err
	}
	return &in, nil
}

// Validate checks the bounds of every field.
func (c Config) Validate() error {
	if c.Concurrency < MinConcurrency || c.Concurrency > MaxConcurrency {
		return fmt.Errorf("concurrency %d outside %d..%d", c.Concurrency, MinConcurrency, MaxConcurrency)
	}
	if c.DelayMs < MinDelayMs || c.DelayMs > MaxDelayMs {
		return fmt.Errorf("delayMs %d outside %d..%d", c.DelayMs, MinDelayMs, MaxDelayMs)
	}
	if c.TimeoutSeconds < MinTimeoutSeconds || c.TimeoutSeconds > MaxTimeoutSeconds {
		return fmt.Errorf("timeoutSeconds %d outside %d..%d", c.TimeoutSeconds, MinTimeoutSeconds, MaxTimeoutSeconds)
	}
	return nil
}

// Merge overlays the set fields of o onto c.
func (c Config) Merge(o *actions.BatchConfig) Config {
	if o == nil {
		return c
	}
	if o.Concurrency != nil {
		c.Concurrency = *o.Concurrency
	}
	if o.DelayMs != nil {
		c.DelayMs = *o.DelayMs
	}
	if o.TimeoutSeconds != nil {
		c.TimeoutSeconds = *o.TimeoutSeconds
	}
	return c
}

// ParseBulkConfig decodes a stored bulk config and fills defaults. Any
// error means the bulk path cannot be used.
func ParseBulkConfig(raw json.RawMessage) (*actions.BulkConfig, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("no bulk config")
	}
	var bc actions.BulkConfig
	if err := json.Unmarshal(raw, &bc); err != nil {
		return nil, fmt.Errorf("decode bulk config: %w", err)
	}
	if strings.TrimSpace(bc.Endpoint) == "" {
		return nil, errors.New("bulk config has no endpoint")
	}
	if bc.Method == "" {
		bc.Method = "POST"
	}
	bc.Method = strings.ToUpper(bc.Method)
	if bc.MaxItemsPerCall <= 0 {
		bc.MaxItemsPerCall = DefaultMaxItemsPerCall
	}
	switch bc.PayloadTransform {
	case "":
		bc.PayloadTransform = TransformArray
	case TransformArray, TransformCSV, TransformNDJSON:
	default:
		return nil, fmt.Errorf("unknown payload transform %q", bc.PayloadTransform)
	}
	return &bc, nil
}

// endpointURL resolves a bulk endpoint against the integration base URL.
// Absolute endpoints are used as-is.
func endpointURL(baseURL, endpoint string) (string, error) {
	ep, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("bulk endpoint: %w", err)
	}
	if ep.IsAbs() {
		return ep.String(), nil
	}
	if baseURL == "" {
		return "", fmt.Errorf("relative bulk endpoint %q with no base url", endpoint)
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("base url: %w", err)
	}
	return base.ResolveReference(&url.URL{Path: strings.TrimLeft(ep.Path, "/"), RawQuery: ep.RawQuery}).String(), nil
}
