package dedupe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"crmsync/internal"
	"crmsync/internal/crm"
	"crmsync/internal/metrics"
	"crmsync/internal/schema"
)

// Platform is the part of the CRM the merger needs.
type Platform interface {
	ListDeals(ctx context.Context) ([]internal.Deal, error)
	GetProductLines(ctx context.Context, dealID internal.TargetID) ([]internal.ProductLine, error)
	SetProductLines(ctx context.Context, dealID internal.TargetID, lines []internal.ProductLine) error
	UpdateDeal(ctx context.Context, dealID internal.TargetID, fields internal.FieldSet) error
	DeleteDeal(ctx context.Context, dealID internal.TargetID) error
}

type Report struct {
	Groups       int
	MergedGroups int
	Deleted      int
	Errors       int
}

// Merger collapses deals sharing (receipt_number, sale_date) into the one
// with the smallest id.
//
// The canonical deal is written before the duplicates are deleted. If a
// delete fails the duplicate survives with its amount already folded into
// the canonical deal, and the next merge counts it twice.
type Merger struct {
	platform    Platform
	amountField string
	audit       internal.AuditSink
	logger      *zap.Logger
}

func NewMerger(p Platform, s *schema.Schema, audit internal.AuditSink, logger *zap.Logger) (*Merger, error) {
	deal, err := s.Entity(internal.KindDeal)
	if err != nil {
		return nil, err
	}
	if audit == nil {
		audit = internal.DiscardAudit
	}
	return &Merger{platform: p, amountField: deal.AmountField, audit: audit, logger: logger.Named("dedupe")}, nil
}

// MergeDuplicates merges every duplicate group. A failing group is counted
// and reported in the returned error; the remaining groups are still merged.
// Only a failure to list the deals aborts the pass.
func (m *Merger) MergeDuplicates(ctx context.Context) (Report, error) {
	deals, err := m.platform.ListDeals(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list deals: %w", err)
	}

	var report Report
	var errs error
	for _, group := range groupDeals(deals) {
		report.Groups++
		if len(group) < 2 {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		deleted, err := m.mergeGroup(ctx, group)
		report.Deleted += deleted
		if err != nil {
			report.Errors++
			key := group[0].Key()
			m.logger.Error("merge failed", zap.String("key", key.String()), zap.Error(err))
			m.audit.Record(ctx, internal.AuditEvent{
				Type:       internal.AuditGeneralError,
				EntityType: internal.KindDeal,
				EntityID:   key.String(),
				Message:    err.Error(),
			})
			errs = multierr.Append(errs, fmt.Errorf("merge %s: %w", key, err))
			continue
		}
		report.MergedGroups++
		metrics.MergedGroupsTotal.Inc()
	}

	m.logger.Info("merge finished",
		zap.Int("groups", report.Groups), zap.Int("merged", report.MergedGroups),
		zap.Int("deleted", report.Deleted), zap.Int("errors", report.Errors))
	return report, errs
}

// mergeGroup folds every member of group into group[0]. It returns the number
// of duplicates deleted, which may be non-zero on error.
func (m *Merger) mergeGroup(ctx context.Context, group []internal.Deal) (int, error) {
	canonical := group[0]
	var (
		lines []internal.ProductLine
		total float64
	)
	for _, d := range group {
		dl, err := m.platform.GetProductLines(ctx, d.ID)
		if err != nil {
			return 0, fmt.Errorf("get lines of deal %s: %w", d.ID, err)
		}
		lines = append(lines, dl...)
		total += d.Amount
	}
	total = math.Round(total*100) / 100

	if err := m.platform.SetProductLines(ctx, canonical.ID, lines); err != nil {
		return 0, fmt.Errorf("set lines of deal %s: %w", canonical.ID, err)
	}
	if err := m.platform.UpdateDeal(ctx, canonical.ID, internal.FieldSet{m.amountField: total}); err != nil {
		return 0, fmt.Errorf("update deal %s: %w", canonical.ID, err)
	}

	deleted := make([]int64, 0, len(group)-1)
	var errs error
	for _, d := range group[1:] {
		err := m.platform.DeleteDeal(ctx, d.ID)
		switch {
		case errors.Is(err, crm.ErrNotFound):
			m.logger.Info("duplicate already deleted", zap.String("target_id", d.ID.String()))
		case err != nil:
			errs = multierr.Append(errs, fmt.Errorf("delete deal %s: %w", d.ID, err))
			continue
		default:
			metrics.DeletedDealsTotal.Inc()
		}
		deleted = append(deleted, int64(d.ID))
	}

	key := canonical.Key()
	m.logger.Info("deals merged", zap.String("key", key.String()),
		zap.String("target_id", canonical.ID.String()), zap.Int64s("deleted", deleted))
	if errs == nil {
		m.audit.Record(ctx, internal.AuditEvent{
			Type:       internal.AuditSuccess,
			EntityType: internal.KindDeal,
			EntityID:   key.String(),
			Message:    fmt.Sprintf("merged %d duplicates", len(deleted)),
			Context:    map[string]any{"action": "merged", "target_id": int64(canonical.ID), "deleted": deleted, "amount": total},
		})
	}
	return len(deleted), errs
}

// groupDeals groups deals with a complete key, members ordered by id and
// groups by their smallest id.
func groupDeals(deals []internal.Deal) [][]internal.Deal {
	byKey := map[internal.DealKey][]internal.Deal{}
	var order []internal.DealKey
	for _, d := range deals {
		key := d.Key()
		if key.Empty() {
			continue
		}
		if _, ok := byKey[key]; !ok {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], d)
	}

	groups := make([][]internal.Deal, 0, len(order))
	for _, key := range order {
		g := byKey[key]
		sort.Slice(g, func(i, j int) bool { return g[i].ID < g[j].ID })
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0].ID < groups[j][0].ID })
	return groups
}
