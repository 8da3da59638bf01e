package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Encode turns one chunk of item payloads into a request body according
// to transform and returns the body with its content type.
func Encode(transform, wrapperKey string, payloads []json.RawMessage) ([]byte, string, error) {
	switch transform {
	case TransformArray, "":
		body, err := encodeArray(payloads, wrapperKey)
		return body, "application/json", err
	case TransformNDJSON:
		body, err := encodeNDJSON(payloads)
		return body, "application/x-ndjson", err
	case TransformCSV:
		body, err := encodeCSV(payloads)
		return body, "text/csv", err
	default:
		return nil, "", fmt.Errorf("unknown payload transform %q", transform)
	}
}

func compact(p json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, p); err != nil {
		return nil, fmt.Errorf("item payload is not valid json: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeArray(payloads []json.RawMessage, wrapperKey string) ([]byte, error) {
	var buf bytes.Buffer
	if wrapperKey != "" {
		key, _ := json.Marshal(wrapperKey)
		buf.WriteByte('{')
		buf.Write(key)
		buf.WriteByte(':')
	}
	buf.WriteByte('[')
	for i, p := range payloads {
		c, err := compact(p)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(c)
	}
	buf.WriteByte(']')
	if wrapperKey != "" {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

func encodeNDJSON(payloads []json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	for i, p := range payloads {
		c, err := compact(p)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(c)
	}
	return buf.Bytes(), nil
}

// encodeCSV writes a header row from the first item's keys, in the order
// they appear, then one row per item. Missing and null values are empty;
// nested values are written as compact JSON. A field is quoted only when it
// holds a comma, a double quote or a newline.
func encodeCSV(payloads []json.RawMessage) ([]byte, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	first := gjson.ParseBytes(payloads[0])
	if !first.IsObject() {
		return nil, fmt.Errorf("csv transform needs object items")
	}
	var header []string
	first.ForEach(func(k, _ gjson.Result) bool {
		header = append(header, k.String())
		return true
	})

	var buf bytes.Buffer
	writeCSVRow(&buf, header)
	row := make([]string, len(header))
	for i, p := range payloads {
		item := gjson.ParseBytes(p)
		if !item.IsObject() {
			return nil, fmt.Errorf("csv transform: item %d is not an object", i)
		}
		values := make(map[string]gjson.Result, len(header))
		item.ForEach(func(k, v gjson.Result) bool {
			values[k.String()] = v
			return true
		})
		for j, key := range header {
			row[j] = csvValue(values[key])
		}
		buf.WriteByte('\n')
		writeCSVRow(&buf, row)
	}
	return buf.Bytes(), nil
}

func writeCSVRow(buf *bytes.Buffer, fields []string) {
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if !strings.ContainsAny(f, ",\"\n") {
			buf.WriteString(f)
			continue
		}
		buf.WriteByte('"')
		buf.WriteString(strings.ReplaceAll(f, `"`, `""`))
		buf.WriteByte('"')
	}
}

func csvValue(v gjson.Result) string {
	switch v.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return v.Str
	case gjson.JSON:
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(v.Raw)); err != nil {
			return v.Raw
		}
		return buf.String()
	default:
		return v.Raw
	}
}
