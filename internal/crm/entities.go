package crm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"crmsync/internal"
	"crmsync/internal/schema"
	"crmsync/internal/util"
)

// methods holds the REST method names of one API family.
type methods struct {
	list, add string
	idField   string
}

func methodsFor(api schema.API) methods {
	switch api {
	case schema.APISmart:
		return methods{list: "crm.item.list", add: "crm.item.add", idField: "id"}
	case schema.APIContact:
		return methods{list: "crm.contact.list", add: "crm.contact.add", idField: "ID"}
	case schema.APIProduct:
		return methods{list: "crm.product.list", add: "crm.product.add", idField: "ID"}
	default:
		return methods{list: "crm.deal.list", add: "crm.deal.add", idField: "ID"}
	}
}

func (c *Client) entity(kind internal.Kind) (*schema.Entity, methods, error) {
	e, err := c.schema.Entity(kind)
	if err != nil {
		return nil, methods{}, err
	}
	return e, methodsFor(e.API), nil
}

// Find looks up kind by an exact match on its natural-key field. Several
// matches resolve to the smallest id.
func (c *Client) Find(ctx context.Context, kind internal.Kind, value string) internal.LookupResult {
	found, err := c.FindMany(ctx, kind, []string{value})
	if err != nil {
		return internal.TransientError(err)
	}
	if id, ok := found[util.NormalizeKey(value)]; ok {
		return internal.Found(id)
	}
	return internal.NotFound()
}

// FindMany returns the ids of every existing record whose natural key is in
// values, keyed by normalized natural key.
func (c *Client) FindMany(ctx context.Context, kind internal.Kind, values []string) (map[string]internal.TargetID, error) {
	e, m, err := c.entity(kind)
	if err != nil {
		return nil, err
	}

	wanted := dedupe(values)
	out := map[string]internal.TargetID{}
	if len(wanted) == 0 {
		return out, nil
	}

	var filter map[string]any
	if len(wanted) == 1 {
		filter = map[string]any{"=" + e.KeyField: wanted[0]}
	} else {
		filter = map[string]any{"@" + e.KeyField: wanted}
	}

	params := map[string]any{
		"filter": filter,
		"select": []string{m.idField, e.KeyField},
		"order":  map[string]string{m.idField: "ASC"},
	}
	if e.API == schema.APISmart {
		params["entityTypeId"] = e.EntityTypeID
	}

	rows, err := c.listAll(ctx, m.list, params, e.API == schema.APISmart)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		id, ok := toTargetID(row[m.idField])
		if !ok {
			continue
		}
		key := util.NormalizeKey(internal.SourceRecord(row).String(e.KeyField))
		if prev, seen := out[key]; !seen || id < prev {
			out[key] = id
		}
	}
	return out, nil
}

// Create adds one record of kind and returns its id.
func (c *Client) Create(ctx context.Context, kind internal.Kind, fields internal.FieldSet) (internal.TargetID, error) {
	e, m, err := c.entity(kind)
	if err != nil {
		return 0, err
	}
	params := map[string]any{"fields": encodeFields(fields)}
	if e.API == schema.APISmart {
		params["entityTypeId"] = e.EntityTypeID
	}
	env, err := c.call(ctx, m.add, params)
	if err != nil {
		return 0, err
	}
	id, err := createdID(env.Result)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", m.add, err)
	}
	return id, nil
}

// listAll follows next offsets until the list is exhausted. Smart-entity
// lists wrap rows in {"items": [...]}.
func (c *Client) listAll(ctx context.Context, method string, params map[string]any, wrapped bool) ([]map[string]any, error) {
	out := make([]map[string]any, 0)
	seen := map[int]struct{}{}
	start := 0
	for {
		page := make(map[string]any, len(params)+1)
		for k, v := range params {
			page[k] = v
		}
		page["start"] = start

		env, err := c.call(ctx, method, page)
		if err != nil {
			return nil, err
		}
		rows, err := decodeRows(env.Result, wrapped)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		out = append(out, rows...)

		if env.Next == nil || len(rows) == 0 {
			break
		}
		if _, ok := seen[*env.Next]; ok {
			break
		}
		seen[*env.Next] = struct{}{}
		start = *env.Next
	}
	return out, nil
}

func decodeRows(raw json.RawMessage, wrapped bool) ([]map[string]any, error) {
	if wrapped {
		var body struct {
			Items []map[string]any `json:"items"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		return body.Items, nil
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// createdID reads the id of an add call: a bare number, a numeric string, or
// {"item": {"id": n}} for smart entities.
func createdID(raw json.RawMessage) (internal.TargetID, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	if m, ok := v.(map[string]any); ok {
		if item, ok := m["item"].(map[string]any); ok {
			v = item["id"]
		}
	}
	id, ok := toTargetID(v)
	if !ok || id <= 0 {
		return 0, errors.New("response carries no id")
	}
	return id, nil
}

func toTargetID(v any) (internal.TargetID, bool) {
	switch t := v.(type) {
	case int:
		return internal.TargetID(t), true
	case int64:
		return internal.TargetID(t), true
	case float64:
		return internal.TargetID(t), true
	case json.Number:
		i, err := t.Int64()
		return internal.TargetID(i), err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return internal.TargetID(i), err == nil
	default:
		return 0, false
	}
}

func toFloat(v any) float64 {
	f, err := util.ParseNumber(v)
	if err != nil {
		return 0
	}
	return f
}

// encodeFields converts attachments into the inline file format of the API.
func encodeFields(fields internal.FieldSet) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch t := v.(type) {
		case internal.Attachment:
			out[k] = map[string]any{"fileData": []string{t.Name, base64.StdEncoding.EncodeToString(t.Content)}}
		case internal.TargetID:
			out[k] = int64(t)
		default:
			out[k] = v
		}
	}
	return out
}

func dedupe(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = util.NormalizeKey(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
