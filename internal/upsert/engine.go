package upsert

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"crmsync/internal"
	"crmsync/internal/metrics"
	"crmsync/internal/resolver"
	"crmsync/internal/schema"
	"crmsync/internal/util"
)

// DealPlatform is the part of the CRM the deal path needs.
type DealPlatform interface {
	FindDeal(ctx context.Context, key internal.DealKey) internal.LookupResult
	Create(ctx context.Context, kind internal.Kind, fields internal.FieldSet) (internal.TargetID, error)
	SetProductLines(ctx context.Context, dealID internal.TargetID, lines []internal.ProductLine) error
	UpdateDeal(ctx context.Context, dealID internal.TargetID, fields internal.FieldSet) error
}

// Engine upserts one record at a time. A failing record is audited and
// yields nil; it never stops the caller's loop.
type Engine struct {
	resolver *resolver.Resolver
	platform DealPlatform
	audit    internal.AuditSink
	logger   *zap.Logger
}

func New(r *resolver.Resolver, p DealPlatform, audit internal.AuditSink, logger *zap.Logger) *Engine {
	if audit == nil {
		audit = internal.DiscardAudit
	}
	return &Engine{resolver: r, platform: p, audit: audit, logger: logger.Named("upsert")}
}

// Upsert finds or creates rec as kind. Deals are upserted as a receipt of
// one line.
func (e *Engine) Upsert(ctx context.Context, kind internal.Kind, rec internal.SourceRecord) *internal.TargetID {
	if kind == internal.KindDeal {
		return e.UpsertDeal(ctx, []internal.SourceRecord{rec})
	}

	res, err := e.resolver.Ensure(ctx, kind, rec)
	if err != nil {
		e.fail(ctx, kind, res.Key.Value, err)
		return nil
	}
	if !res.Created {
		e.resolver.Diagnose(ctx, kind, rec)
	}

	action := "found"
	if res.Created {
		action = "created"
	}
	e.succeed(ctx, kind, res.Key.Value, res.ID, action, nil)
	return res.IDPtr()
}

// UpsertDeal writes one deal for all purchase lines of a receipt. The deal is
// looked up by (receipt_number, sale_date) first: an existing deal gets its
// product lines replaced and its total rewritten, so repeating the call never
// creates a second deal.
func (e *Engine) UpsertDeal(ctx context.Context, lines []internal.SourceRecord) *internal.TargetID {
	if len(lines) == 0 {
		return nil
	}
	deal, err := e.resolver.Schema().Entity(internal.KindDeal)
	if err != nil {
		e.fail(ctx, internal.KindDeal, "", err)
		return nil
	}
	first := lines[0]
	receipt := util.NormalizeKey(first.String(deal.SourceKey))

	// the key decides everything; nothing is resolved for a receipt without one
	mapped := internal.SourceRecord(e.resolver.Map(internal.KindDeal, first))
	key := internal.DealKey{
		ReceiptNumber: util.NormalizeKey(mapped.String(deal.KeyField)),
		SaleDate:      util.NormalizeKey(mapped.String(deal.DateField)),
	}
	if key.Empty() {
		e.resolver.Diagnose(ctx, internal.KindDeal, first)
		e.fail(ctx, internal.KindDeal, receipt, errors.New("receipt has no number or sale date"))
		return nil
	}

	// card, then warehouse, in schema order
	fields, _ := e.resolver.FieldsFor(ctx, internal.KindDeal, first)
	for _, rec := range lines[1:] {
		e.resolver.Diagnose(ctx, internal.KindDeal, rec)
	}
	e.linkClient(ctx, deal, first, fields)
	productLines, total := e.buildLines(ctx, deal, lines)

	var (
		id     internal.TargetID
		action string
	)
	switch found := e.platform.FindDeal(ctx, key); found.Status {
	case internal.LookupFound:
		id, action = found.ID, "updated"
	case internal.LookupTransientError:
		// creating blindly could duplicate the deal; the next run retries
		e.fail(ctx, internal.KindDeal, key.String(), fmt.Errorf("find deal: %w", found.Err))
		return nil
	default:
		created, err := e.platform.Create(ctx, internal.KindDeal, fields)
		if err != nil {
			e.fail(ctx, internal.KindDeal, key.String(), fmt.Errorf("create deal: %w", err))
			return nil
		}
		id, action = created, "created"
	}

	if err := e.platform.SetProductLines(ctx, id, productLines); err != nil {
		e.fail(ctx, internal.KindDeal, key.String(), fmt.Errorf("set product lines of deal %s: %w", id, err))
		return nil
	}

	update := internal.FieldSet{deal.AmountField: total}
	if action == "updated" {
		update = fields.Clone()
		update[deal.AmountField] = total
	}
	if err := e.platform.UpdateDeal(ctx, id, update); err != nil {
		e.fail(ctx, internal.KindDeal, key.String(), fmt.Errorf("write total of deal %s: %w", id, err))
		return nil
	}

	e.succeed(ctx, internal.KindDeal, key.String(), id, action, map[string]any{
		"lines":  len(productLines),
		"amount": total,
	})
	return internal.TargetIDPtr(id)
}

// linkClient copies the client of the deal's card into the deal.
func (e *Engine) linkClient(ctx context.Context, deal *schema.Entity, rec internal.SourceRecord, fields internal.FieldSet) {
	if deal.ClientField == "" {
		return
	}
	rel, ok := deal.Relation(internal.KindCard)
	if !ok {
		return
	}
	card := rec.String(rel.Source)
	if card == "" {
		return
	}
	client := e.resolver.Linked(ctx, internal.NaturalKey{Kind: internal.KindCard, Value: card}, internal.KindClient)
	if client.OK() {
		fields[deal.ClientField] = client.ID
	}
}

// buildLines resolves the product of every purchase line. Lines whose product
// cannot be resolved are dropped from the deal but still count towards the
// total.
func (e *Engine) buildLines(ctx context.Context, deal *schema.Entity, lines []internal.SourceRecord) ([]internal.ProductLine, float64) {
	out := make([]internal.ProductLine, 0, len(lines))
	total := 0.0
	for _, rec := range lines {
		qty, err := util.ParseNumber(rec[deal.Line.Quantity])
		if err != nil || qty <= 0 {
			qty = 1
		}
		price, _ := util.ParseNumber(rec[deal.Line.Price])
		amount := price * qty
		if deal.Line.Amount != "" {
			if v, err := util.ParseNumber(rec[deal.Line.Amount]); err == nil {
				amount = v
			}
		}
		total += amount

		name := rec.String(deal.Line.ProductSource)
		product := e.resolver.Resolve(ctx, internal.NaturalKey{Kind: internal.KindProduct, Value: name})
		if !product.OK() {
			e.logger.Warn("purchase line without product", zap.String("product", name))
			continue
		}
		out = append(out, internal.ProductLine{ProductID: product.ID, Quantity: qty, Price: price})
	}
	return out, math.Round(total*100) / 100
}

func (e *Engine) fail(ctx context.Context, kind internal.Kind, key string, err error) {
	metrics.UpsertsTotal.WithLabelValues(string(kind), metrics.OutcomeFailed).Inc()
	e.logger.Error("upsert failed", zap.String("kind", string(kind)), zap.String("key", key), zap.Error(err))
	e.audit.Record(ctx, internal.AuditEvent{
		Type:       internal.AuditGeneralError,
		EntityType: kind,
		EntityID:   key,
		Message:    err.Error(),
	})
}

func (e *Engine) succeed(ctx context.Context, kind internal.Kind, key string, id internal.TargetID, action string, extra map[string]any) {
	metrics.UpsertsTotal.WithLabelValues(string(kind), metrics.OutcomeOK).Inc()
	e.logger.Debug("upserted", zap.String("kind", string(kind)), zap.String("key", key),
		zap.String("target_id", id.String()), zap.String("action", action))
	ctxFields := map[string]any{"action": action, "target_id": int64(id)}
	for k, v := range extra {
		ctxFields[k] = v
	}
	e.audit.Record(ctx, internal.AuditEvent{
		Type:       internal.AuditSuccess,
		EntityType: kind,
		EntityID:   key,
		Message:    fmt.Sprintf("%s %s", kind, action),
		Context:    ctxFields,
	})
}
