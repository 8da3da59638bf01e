// Package schema validates item payloads against an action's JSON schema
// with gojsonschema.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/austindbirch/harbor_jobs/internal/actions"
)

// Validator caches compiled schemas by their text. A batch validates many
// payloads against one schema, so each schema compiles once.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]*gojsonschema.Schema
}

func New() *Validator {
	return &Validator{compiled: make(map[string]*gojsonschema.Schema)}
}

var _ actions.Validator = (*Validator)(nil)

// Validate reports whether payload satisfies schema. An empty schema
// accepts everything. The error is for schemas that do not compile and
// payloads that are not JSON.
func (v *Validator) Validate(schema, payload json.RawMessage) (actions.ValidationResult, error) {
	if len(schema) == 0 || string(schema) == "null" {
		return actions.ValidationResult{Valid: true}, nil
	}
	s, err := v.compile(schema)
	if err != nil {
		return actions.ValidationResult{}, err
	}
	res, err := s.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return actions.ValidationResult{}, fmt.Errorf("validate payload: %w", err)
	}
	out := actions.ValidationResult{Valid: res.Valid()}
	for _, e := range res.Errors() {
		out.Errors = append(out.Errors, e.String())
	}
	return out, nil
}

func (v *Validator) compile(schema json.RawMessage) (*gojsonschema.Schema, error) {
	key := string(schema)
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.compiled[key]; ok {
		return s, nil
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.compiled[key] = s
	return s, nil
}
