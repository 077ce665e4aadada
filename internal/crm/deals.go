package crm

import (
	"context"
	"encoding/json"
	"fmt"

	"crmsync/internal"
	"crmsync/internal/util"
)

// FindDeal looks up the deal carrying key. Several matches resolve to the
// smallest id.
func (c *Client) FindDeal(ctx context.Context, key internal.DealKey) internal.LookupResult {
	e, _, err := c.entity(internal.KindDeal)
	if err != nil {
		return internal.TransientError(err)
	}
	params := map[string]any{
		"filter": map[string]any{
			"=" + e.KeyField:  key.ReceiptNumber,
			"=" + e.DateField: key.SaleDate,
		},
		"select": []string{"ID"},
		"order":  map[string]string{"ID": "ASC"},
	}
	env, err := c.call(ctx, "crm.deal.list", params)
	if err != nil {
		return internal.TransientError(err)
	}
	rows, err := decodeRows(env.Result, false)
	if err != nil {
		return internal.TransientError(err)
	}
	for _, row := range rows {
		if id, ok := toTargetID(row["ID"]); ok {
			return internal.Found(id)
		}
	}
	return internal.NotFound()
}

// ListDeals returns every deal with its composite key and amount, ordered by id.
func (c *Client) ListDeals(ctx context.Context) ([]internal.Deal, error) {
	e, _, err := c.entity(internal.KindDeal)
	if err != nil {
		return nil, err
	}
	params := map[string]any{
		"select": []string{"ID", e.KeyField, e.DateField, e.AmountField},
		"order":  map[string]string{"ID": "ASC"},
	}
	rows, err := c.listAll(ctx, "crm.deal.list", params, false)
	if err != nil {
		return nil, err
	}
	out := make([]internal.Deal, 0, len(rows))
	for _, row := range rows {
		id, ok := toTargetID(row["ID"])
		if !ok {
			continue
		}
		rec := internal.SourceRecord(row)
		out = append(out, internal.Deal{
			ID:            id,
			ReceiptNumber: util.NormalizeKey(rec.String(e.KeyField)),
			SaleDate:      util.NormalizeKey(rec.String(e.DateField)),
			Amount:        toFloat(row[e.AmountField]),
		})
	}
	return out, nil
}

func (c *Client) GetProductLines(ctx context.Context, dealID internal.TargetID) ([]internal.ProductLine, error) {
	env, err := c.call(ctx, "crm.deal.productrows.get", map[string]any{"id": int64(dealID)})
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(env.Result, &rows); err != nil {
		return nil, fmt.Errorf("crm.deal.productrows.get: %w", err)
	}
	out := make([]internal.ProductLine, 0, len(rows))
	for _, row := range rows {
		id, _ := toTargetID(row["PRODUCT_ID"])
		out = append(out, internal.ProductLine{
			ProductID: id,
			Quantity:  toFloat(row["QUANTITY"]),
			Price:     toFloat(row["PRICE"]),
		})
	}
	return out, nil
}

// SetProductLines replaces every line of the deal.
func (c *Client) SetProductLines(ctx context.Context, dealID internal.TargetID, lines []internal.ProductLine) error {
	if lines == nil {
		lines = []internal.ProductLine{}
	}
	_, err := c.call(ctx, "crm.deal.productrows.set", map[string]any{"id": int64(dealID), "rows": lines})
	return err
}

func (c *Client) UpdateDeal(ctx context.Context, dealID internal.TargetID, fields internal.FieldSet) error {
	_, err := c.call(ctx, "crm.deal.update", map[string]any{"id": int64(dealID), "fields": encodeFields(fields)})
	return err
}

func (c *Client) DeleteDeal(ctx context.Context, dealID internal.TargetID) error {
	_, err := c.call(ctx, "crm.deal.delete", map[string]any{"id": int64(dealID)})
	return err
}
