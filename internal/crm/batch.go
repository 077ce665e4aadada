package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"crmsync/internal"
	"crmsync/internal/schema"
)

// MaxBatchCommands is the platform limit of commands in one batch call.
const MaxBatchCommands = 50

// BatchResult is the outcome of one command inside a batch call.
type BatchResult struct {
	ID  internal.TargetID
	Err error
}

// CreateBatch creates every field set in one batch call. The returned slice
// matches items in length and order. An error means the whole call failed;
// per-item rejections are reported in BatchResult.Err.
func (c *Client) CreateBatch(ctx context.Context, kind internal.Kind, items []internal.FieldSet) ([]BatchResult, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if len(items) > MaxBatchCommands {
		return nil, fmt.Errorf("batch of %d exceeds %d commands", len(items), MaxBatchCommands)
	}
	e, m, err := c.entity(kind)
	if err != nil {
		return nil, err
	}

	cmd := make(map[string]string, len(items))
	for i, fields := range items {
		params := map[string]any{"fields": encodeFields(fields)}
		if e.API == schema.APISmart {
			params["entityTypeId"] = e.EntityTypeID
		}
		query, err := encodeQuery(params)
		if err != nil {
			return nil, err
		}
		cmd[commandKey(i)] = m.add + "?" + query
	}

	env, err := c.call(ctx, "batch", map[string]any{"halt": 0, "cmd": cmd})
	if err != nil {
		return nil, err
	}

	var body struct {
		Result      json.RawMessage `json:"result"`
		ResultError json.RawMessage `json:"result_error"`
	}
	if err := json.Unmarshal(env.Result, &body); err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}
	results := decodeObject(body.Result)
	failures := decodeObject(body.ResultError)

	out := make([]BatchResult, len(items))
	for i := range items {
		key := commandKey(i)
		if raw, ok := failures[key]; ok {
			var apiErr struct {
				Error            string `json:"error"`
				ErrorDescription string `json:"error_description"`
			}
			_ = json.Unmarshal(raw, &apiErr)
			out[i].Err = &APIError{Method: m.add, Code: apiErr.Error, Description: apiErr.ErrorDescription}
			continue
		}
		raw, ok := results[key]
		if !ok {
			out[i].Err = fmt.Errorf("%s: no result for command %s", m.add, key)
			continue
		}
		id, err := createdID(raw)
		if err != nil {
			out[i].Err = fmt.Errorf("%s: %w", m.add, err)
			continue
		}
		out[i].ID = id
	}
	return out, nil
}

func commandKey(i int) string {
	return fmt.Sprintf("c%03d", i)
}

// decodeObject reads a keyed batch section. The platform sends an empty JSON
// array instead of an empty object.
func decodeObject(raw json.RawMessage) map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return out
	}
	_ = json.Unmarshal(trimmed, &out)
	return out
}

// encodeQuery renders params as a PHP-style query string
// (fields[PHONE][0][VALUE]=...), the format batch commands are written in.
func encodeQuery(params map[string]any) (string, error) {
	blob, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	dec := json.NewDecoder(bytes.NewReader(blob))
	dec.UseNumber()
	var plain any
	if err := dec.Decode(&plain); err != nil {
		return "", err
	}
	parts := make([]string, 0)
	appendQuery(&parts, "", plain)
	return strings.Join(parts, "&"), nil
}

func appendQuery(parts *[]string, name string, v any) {
	child := func(key string) string {
		if name == "" {
			return key
		}
		return name + "[" + key + "]"
	}

	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			appendQuery(parts, child(k), t[k])
		}
	case []any:
		for i, item := range t {
			appendQuery(parts, child(fmt.Sprint(i)), item)
		}
	case nil:
		*parts = append(*parts, url.QueryEscape(name)+"=")
	case bool:
		value := "N"
		if t {
			value = "Y"
		}
		*parts = append(*parts, url.QueryEscape(name)+"="+value)
	case json.Number:
		*parts = append(*parts, url.QueryEscape(name)+"="+t.String())
	default:
		*parts = append(*parts, url.QueryEscape(name)+"="+url.QueryEscape(fmt.Sprint(t)))
	}
}
