package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const contactSchema = `{
	"type": "object",
	"required": ["email"],
	"properties": {
		"email": {"type": "string"},
		"age": {"type": "integer", "minimum": 0}
	}
}`

func TestValidate(t *testing.T) {
	v := New()
	tests := []struct {
		name      string
		payload   string
		wantValid bool
		wantErrs  int
	}{
		{name: "valid", payload: `{"email":"a@b.c","age":3}`, wantValid: true},
		{name: "missing required", payload: `{"age":3}`, wantErrs: 1},
		{name: "two problems", payload: `{"email":1,"age":-1}`, wantErrs: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.Validate(json.RawMessage(contactSchema), json.RawMessage(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, res.Valid)
			assert.Len(t, res.Errors, tt.wantErrs)
		})
	}
	assert.Len(t, v.compiled, 1)
}

func TestValidateEmptySchema(t *testing.T) {
	res, err := New().Validate(nil, json.RawMessage(`"anything"`))
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestValidateBadSchema(t *testing.T) {
	_, err := New().Validate(json.RawMessage(`{"type": 12}`), json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestValidateBadPayload(t *testing.T) {
	_, err := New().Validate(json.RawMessage(contactSchema), json.RawMessage(`{`))
	assert.Error(t, err)
}
