// Package actions holds the contracts between the job engine and the
// services it depends on but does not implement: single action invocation,
// credential resolution, the action catalog and payload validation.
package actions

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrActionNotFound is returned by a Catalog for unknown action refs.
var ErrActionNotFound = errors.New("action not found")

// BatchConfig is the tunable part of batch execution. Pointer fields are
// unset when nil so layered configs can be merged.
type BatchConfig struct {
	Concurrency    *int `json:"concurrency,omitempty"`
	DelayMs        *int `json:"delayMs,omitempty"`
	TimeoutSeconds *int `json:"timeoutSeconds,omitempty"`
}

// BulkConfig describes an integration's bulk endpoint for one action.
type BulkConfig struct {
	Endpoint         string `json:"endpoint"`
	Method           string `json:"method,omitempty"`
	MaxItemsPerCall  int    `json:"maxItemsPerCall,omitempty"`
	PayloadTransform string `json:"payloadTransform,omitempty"`
	WrapperKey       string `json:"wrapperKey,omitempty"`
	SuccessField     string `json:"successField,omitempty"`
	ErrorField       string `json:"errorField,omitempty"`
	StrictMapping    bool   `json:"strictMapping,omitempty"`
}

// Action describes one invocable action as the catalog knows it.
type Action struct {
	ID             string `json:"id"`
	Ref            string `json:"ref"`
	IntegrationID  string `json:"integrationId"`
	IntegrationRef string `json:"integrationRef"`
	BaseURL        string `json:"baseUrl,omitempty"`

	// InputSchema validates a single item payload.
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	BatchEnabled       bool         `json:"batchEnabled"`
	MaxBatchItems      int          `json:"maxBatchItems,omitempty"`
	DefaultBatchConfig *BatchConfig `json:"defaultBatchConfig,omitempty"`

	HasBulkRoute bool `json:"hasBulkRoute"`
	// BulkConfig is kept raw; it is only parsed when a batch runs so a bad
	// stored config degrades to individual calls instead of failing.
	BulkConfig json.RawMessage `json:"bulkConfig,omitempty"`
}

// Catalog resolves action refs for a tenant.
type Catalog interface {
	GetAction(ctx context.Context, tenantID, actionRef string) (*Action, error)
}

// Error is the failure an invocation reports.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// InvokeResult is the outcome of one action call that completed at the
// transport level. Success false carries Error.
type InvokeResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Invoker performs a single action call. A returned error means the call
// could not be made at all; a failed call is reported in the result.
type Invoker interface {
	Invoke(ctx context.Context, tenantID, integrationRef, actionRef string, input json.RawMessage) (*InvokeResult, error)
}

// Credential is a decrypted integration credential. Headers are applied
// to outbound calls as-is.
type Credential struct {
	Type    string            `json:"type"`
	Headers map[string]string `json:"headers,omitempty"`
}

// CredentialResolver returns the decrypted credential for an integration,
// or nil when none is configured.
type CredentialResolver interface {
	GetDecryptedCredential(ctx context.Context, tenantID, integrationID string) (*Credential, error)
}

// ValidationResult is the outcome of validating one payload.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validator checks a payload against a JSON schema.
type Validator interface {
	Validate(schema, payload json.RawMessage) (ValidationResult, error)
}
