package batch

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/austindbirch/harbor_jobs/internal/jobs"
)

// resultArrayKeys are searched in order when a bulk response is an object.
var resultArrayKeys = []string{"results", "items", "records", "data"}

const defaultBulkItemError = "item failed in bulk response"

// ItemResult is the mapped outcome of one item in a bulk chunk.
type ItemResult struct {
	Success bool
	Output  json.RawMessage
	Error   *jobs.ItemError
}

// Mapping is the outcome of mapping one bulk response onto n items.
type Mapping struct {
	Results []ItemResult
	// Unresolved is set when the response shape was not recognised and
	// Results carry the fallback outcome instead of a per-item mapping.
	Unresolved bool
}

// MapResponse maps a 2xx bulk response body onto n items. A top-level
// array, or an array under results/items/records/data, is matched to items
// by index. Anything else is unresolved: every item succeeds with the
// whole body as output, or fails with BULK_MAPPING_UNRESOLVED when strict.
func MapResponse(body []byte, n int, successField, errorField string, strict bool) Mapping {
	elems, ok := resultArray(body)
	if !ok {
		return unresolved(body, n, strict)
	}
	m := Mapping{Results: make([]ItemResult, n)}
	for i := 0; i < n; i++ {
		if i >= len(elems) {
			m.Results[i] = ItemResult{Error: &jobs.ItemError{
				Code:    jobs.CodeBulkItemFailed,
				Message: "no result for item in bulk response",
			}}
			continue
		}
		m.Results[i] = mapElement(elems[i], successField, errorField)
	}
	return m
}

func resultArray(body []byte) ([]gjson.Result, bool) {
	if !gjson.ValidBytes(body) {
		return nil, false
	}
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		return root.Array(), true
	}
	if root.IsObject() {
		for _, key := range resultArrayKeys {
			if v := root.Get(key); v.IsArray() {
				return v.Array(), true
			}
		}
	}
	return nil, false
}

func mapElement(el gjson.Result, successField, errorField string) ItemResult {
	if isSuccess(el, successField) {
		return ItemResult{Success: true, Output: dataOutput(json.RawMessage(el.Raw))}
	}
	msg := defaultBulkItemError
	if errorField != "" {
		if v := el.Get(errorField); v.Exists() && v.Type != gjson.Null {
			msg = v.String()
		}
	}
	return ItemResult{
		Output: dataOutput(json.RawMessage(el.Raw)),
		Error:  &jobs.ItemError{Code: jobs.CodeBulkItemFailed, Message: msg},
	}
}

// isSuccess reads successField and accepts true, "true" or "Success". With
// no successField configured, a present element counts as success.
func isSuccess(el gjson.Result, successField string) bool {
	if successField == "" {
		return true
	}
	v := el.Get(successField)
	switch v.Type {
	case gjson.True:
		return true
	case gjson.String:
		return v.Str == "true" || v.Str == "Success"
	}
	return false
}

func unresolved(body []byte, n int, strict bool) Mapping {
	m := Mapping{Results: make([]ItemResult, n), Unresolved: true}
	if strict {
		for i := range m.Results {
			m.Results[i] = ItemResult{Error: &jobs.ItemError{
				Code:    jobs.CodeBulkMappingUnresolved,
				Message: "bulk response shape not recognised",
			}}
		}
		return m
	}
	shared := sharedOutput(body)
	for i := range m.Results {
		m.Results[i] = ItemResult{Success: true, Output: shared}
	}
	return m
}

func sharedOutput(body []byte) json.RawMessage {
	if gjson.ValidBytes(body) {
		return dataOutput(body)
	}
	s, _ := json.Marshal(strings.TrimSpace(string(body)))
	return dataOutput(s)
}

// dataOutput wraps a result as the {"data": ...} item output shape.
func dataOutput(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		v = json.RawMessage("null")
	}
	out := make([]byte, 0, len(v)+9)
	out = append(out, `{"data":`...)
	out = append(out, v...)
	out = append(out, '}')
	return out
}
