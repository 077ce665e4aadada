package batch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crmsync/internal"
	"crmsync/internal/crm"
	"crmsync/internal/metrics"
	"crmsync/internal/ratelimit"
	"crmsync/internal/resolver"
	"crmsync/internal/util"
)

// Platform is the part of the CRM bulk import needs.
type Platform interface {
	FindMany(ctx context.Context, kind internal.Kind, values []string) (map[string]internal.TargetID, error)
	CreateBatch(ctx context.Context, kind internal.Kind, items []internal.FieldSet) ([]crm.BatchResult, error)
}

// Scheduler imports records of one kind in chunks: one lookup call and one
// multiplexed create call per chunk, with a fixed pause between chunks.
type Scheduler struct {
	resolver *resolver.Resolver
	platform Platform
	audit    internal.AuditSink
	logger   *zap.Logger
	delay    time.Duration
}

func NewScheduler(r *resolver.Resolver, p Platform, audit internal.AuditSink, delay time.Duration, logger *zap.Logger) *Scheduler {
	if audit == nil {
		audit = internal.DiscardAudit
	}
	return &Scheduler{resolver: r, platform: p, audit: audit, logger: logger.Named("batch"), delay: delay}
}

// ImportBatch upserts records as kind. The result matches records in length
// and order; a nil entry is a record that could not be imported.
func (s *Scheduler) ImportBatch(ctx context.Context, kind internal.Kind, records []internal.SourceRecord, chunkSize int) []*internal.TargetID {
	if chunkSize <= 0 || chunkSize > crm.MaxBatchCommands {
		chunkSize = crm.MaxBatchCommands
	}
	out := make([]*internal.TargetID, len(records))
	logger := s.logger.With(zap.String("kind", string(kind)))

	for start, chunk := 0, 0; start < len(records); start, chunk = start+chunkSize, chunk+1 {
		if chunk > 0 {
			if err := ratelimit.Sleep(ctx, s.delay); err != nil {
				logger.Warn("import interrupted", zap.Int("remaining", len(records)-start), zap.Error(err))
				break
			}
		}
		end := min(start+chunkSize, len(records))
		s.importChunk(ctx, kind, records[start:end], out[start:end], logger.With(zap.Int("chunk", chunk)))
	}
	return out
}

type pending struct {
	pos int
	key string
}

func (s *Scheduler) importChunk(ctx context.Context, kind internal.Kind, records []internal.SourceRecord, out []*internal.TargetID, logger *zap.Logger) {
	e, err := s.resolver.Schema().Entity(kind)
	if err != nil {
		s.failChunk(ctx, kind, records, nil, logger, err)
		return
	}
	keys := make([]string, len(records))
	for i, rec := range records {
		keys[i] = util.NormalizeKey(rec.String(e.SourceKey))
	}

	s.preResolve(ctx, kind, records)

	// keys the resolver already knows need no remote lookup
	var unknown []string
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, ok := s.resolver.Known(internal.NaturalKey{Kind: kind, Value: key}); !ok {
			unknown = append(unknown, key)
		}
	}
	existing := map[string]internal.TargetID{}
	if len(unknown) > 0 {
		existing, err = s.platform.FindMany(ctx, kind, unknown)
		if err != nil {
			s.failChunk(ctx, kind, records, nil, logger, fmt.Errorf("find existing: %w", err))
			return
		}
	}

	var (
		items   []internal.FieldSet
		waiting []pending
		// first position of each key submitted in this chunk
		submitted = map[string]int{}
		repeats   = map[int][]int{}
	)
	for i, rec := range records {
		key := keys[i]
		nk := internal.NaturalKey{Kind: kind, Value: key}
		if key != "" {
			if id, ok := s.resolver.Known(nk); ok {
				out[i] = internal.TargetIDPtr(id)
				s.succeed(ctx, kind, key, id, "found")
				continue
			}
			if id, ok := existing[key]; ok {
				s.resolver.Remember(nk, id)
				s.resolver.Diagnose(ctx, kind, rec)
				out[i] = internal.TargetIDPtr(id)
				s.succeed(ctx, kind, key, id, "found")
				continue
			}
			if first, dup := submitted[key]; dup {
				repeats[first] = append(repeats[first], i)
				continue
			}
			submitted[key] = len(waiting)
		}
		fields, _ := s.resolver.FieldsFor(ctx, kind, rec)
		items = append(items, fields)
		waiting = append(waiting, pending{pos: i, key: key})
	}
	if len(items) == 0 {
		return
	}

	results, err := s.platform.CreateBatch(ctx, kind, items)
	if err == nil && len(results) != len(items) {
		err = fmt.Errorf("batch returned %d results for %d items", len(results), len(items))
	}
	if err != nil {
		s.failChunk(ctx, kind, records, waiting, logger, err)
		for n := range waiting {
			for _, pos := range repeats[n] {
				s.failItem(ctx, kind, keys[pos], logger, err)
			}
		}
		return
	}

	for n, res := range results {
		p := waiting[n]
		if res.Err != nil {
			s.failItem(ctx, kind, p.key, logger, res.Err)
			for _, pos := range repeats[n] {
				s.failItem(ctx, kind, keys[pos], logger, res.Err)
			}
			continue
		}
		s.resolver.Remember(internal.NaturalKey{Kind: kind, Value: p.key}, res.ID)
		out[p.pos] = internal.TargetIDPtr(res.ID)
		s.succeed(ctx, kind, p.key, res.ID, "created")
		for _, pos := range repeats[n] {
			out[pos] = internal.TargetIDPtr(res.ID)
			s.succeed(ctx, kind, keys[pos], res.ID, "found")
		}
	}
	logger.Info("chunk imported", zap.Int("records", len(records)), zap.Int("created", len(items)))
}

// preResolve resolves every distinct relation key referenced by the chunk
// once, before any record of the chunk is mapped.
func (s *Scheduler) preResolve(ctx context.Context, kind internal.Kind, records []internal.SourceRecord) {
	e, err := s.resolver.Schema().Entity(kind)
	if err != nil {
		return
	}
	for _, rel := range e.Relations {
		seen := map[string]struct{}{}
		for _, rec := range records {
			value := util.NormalizeKey(rec.String(rel.Source))
			if value == "" {
				continue
			}
			if _, dup := seen[value]; dup {
				continue
			}
			seen[value] = struct{}{}
			s.resolver.Resolve(ctx, internal.NaturalKey{Kind: rel.Kind, Value: value})
		}
	}
}

// failChunk fails every waiting record, or every record of the chunk when
// waiting is nil. Each record is logged on its own.
func (s *Scheduler) failChunk(ctx context.Context, kind internal.Kind, records []internal.SourceRecord, waiting []pending, logger *zap.Logger, err error) {
	if waiting == nil {
		key := ""
		if e, eerr := s.resolver.Schema().Entity(kind); eerr == nil {
			key = e.SourceKey
		}
		for _, rec := range records {
			s.failItem(ctx, kind, util.NormalizeKey(rec.String(key)), logger, err)
		}
		return
	}
	for _, p := range waiting {
		s.failItem(ctx, kind, p.key, logger, err)
	}
}

func (s *Scheduler) failItem(ctx context.Context, kind internal.Kind, key string, logger *zap.Logger, err error) {
	metrics.BatchItemsTotal.WithLabelValues(string(kind), metrics.OutcomeFailed).Inc()
	logger.Error("import failed", zap.String("key", key), zap.Error(err))
	s.audit.Record(ctx, internal.AuditEvent{
		Type:       internal.AuditGeneralError,
		EntityType: kind,
		EntityID:   key,
		Message:    err.Error(),
	})
}

func (s *Scheduler) succeed(ctx context.Context, kind internal.Kind, key string, id internal.TargetID, action string) {
	metrics.BatchItemsTotal.WithLabelValues(string(kind), metrics.OutcomeOK).Inc()
	s.audit.Record(ctx, internal.AuditEvent{
		Type:       internal.AuditSuccess,
		EntityType: kind,
		EntityID:   key,
		Message:    fmt.Sprintf("%s %s", kind, action),
		Context:    map[string]any{"action": action, "target_id": int64(id)},
	})
}
