package batch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raws(items ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(items))
	for i, s := range items {
		out[i] = json.RawMessage(s)
	}
	return out
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name       string
		transform  string
		wrapperKey string
		payloads   []json.RawMessage
		wantBody   string
		wantType   string
		wantErr    bool
	}{
		{
			name:      "array",
			transform: TransformArray,
			payloads:  raws(`{"a": 1}`, `{"a": 2}`),
			wantBody:  `[{"a":1},{"a":2}]`,
			wantType:  "application/json",
		},
		{
			name:     "empty transform is array",
			payloads: raws(`{"a":1}`),
			wantBody: `[{"a":1}]`,
			wantType: "application/json",
		},
		{
			name:       "array with wrapper key",
			transform:  TransformArray,
			wrapperKey: "records",
			payloads:   raws(`{"a":1}`, `{"a":2}`),
			wantBody:   `{"records":[{"a":1},{"a":2}]}`,
			wantType:   "application/json",
		},
		{
			name:      "ndjson",
			transform: TransformNDJSON,
			payloads:  raws(`{"a":1}`, `{ "b" : 2 }`),
			wantBody:  "{\"a\":1}\n{\"b\":2}",
			wantType:  "application/x-ndjson",
		},
		{
			name:      "csv",
			transform: TransformCSV,
			payloads:  raws(`{"a":1}`, `{"a":2}`),
			wantBody:  "a\n1\n2",
			wantType:  "text/csv",
		},
		{
			name:      "csv header follows first item key order",
			transform: TransformCSV,
			payloads:  raws(`{"name":"x","id":1}`, `{"id":2,"name":"y, z","extra":true}`),
			wantBody:  "name,id\nx,1\n\"y, z\",2",
			wantType:  "text/csv",
		},
		{
			name:      "csv missing null and nested values",
			transform: TransformCSV,
			payloads:  raws(`{"a":1,"b":null,"c":{"d": [1, 2]}}`, `{"a":2}`),
			wantBody:  "a,b,c\n1,,\"{\"\"d\"\":[1,2]}\"\n2,,",
			wantType:  "text/csv",
		},
		{
			name:      "csv quotes only commas quotes and newlines",
			transform: TransformCSV,
			payloads:  raws(`{"a":" x","b":"p,q","c":"say \"hi\"","d":"l1\nl2","e":"cr\rend"}`),
			wantBody:  "a,b,c,d,e\n x,\"p,q\",\"say \"\"hi\"\"\",\"l1\nl2\",cr\rend",
			wantType:  "text/csv",
		},
		{
			name:      "csv needs objects",
			transform: TransformCSV,
			payloads:  raws(`[1,2]`),
			wantErr:   true,
		},
		{
			name:      "invalid json payload",
			transform: TransformArray,
			payloads:  raws(`{"a":`),
			wantErr:   true,
		},
		{
			name:      "unknown transform",
			transform: "xml",
			payloads:  raws(`{}`),
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct, err := Encode(tt.transform, tt.wrapperKey, tt.payloads)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBody, string(body))
			assert.Equal(t, tt.wantType, ct)
		})
	}
}
