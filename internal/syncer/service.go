package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crmsync/internal"
	"crmsync/internal/audit"
	"crmsync/internal/batch"
	"crmsync/internal/config"
	"crmsync/internal/dedupe"
	"crmsync/internal/mapper"
	"crmsync/internal/metrics"
	"crmsync/internal/resolver"
	"crmsync/internal/runlock"
	"crmsync/internal/schema"
	"crmsync/internal/source"
	"crmsync/internal/upsert"
)

// CRM is every platform operation a run may use. *crm.Client implements it.
type CRM interface {
	resolver.Platform
	batch.Platform
	upsert.DealPlatform
	dedupe.Platform
}

// Store persists the audit log, run history and sync metadata.
// *audit.Store implements it.
type Store interface {
	internal.AuditSink
	Clear(ctx context.Context) error
	InsertRun(ctx context.Context, run audit.Run) error
	SetMetadata(ctx context.Context, key, value string) error
}

// LastRecentKey is the metadata key holding the time of the last recent sync.
const LastRecentKey = "sync.last_recent"

// Kinds imported in bulk by a full sync, in dependency order.
var importOrder = []internal.Kind{
	internal.KindWarehouse,
	internal.KindBrand,
	internal.KindClient,
	internal.KindCard,
	internal.KindProduct,
}

type Service struct {
	cfg    config.Config
	schema *schema.Schema
	source source.TableFetcher
	crm    CRM
	media  resolver.MediaFetcher
	store  Store
	locker runlock.Locker
	logger *zap.Logger
	now    func() time.Time
}

// Deps are the collaborators of a Service. Media and Locker are optional.
type Deps struct {
	Config config.Config
	Schema *schema.Schema
	Source source.TableFetcher
	CRM    CRM
	Media  resolver.MediaFetcher
	Store  Store
	Locker runlock.Locker
	Logger *zap.Logger
}

func NewService(d Deps) *Service {
	locker := d.Locker
	if locker == nil {
		locker = runlock.Noop{}
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:    d.Config,
		schema: d.Schema,
		source: d.Source,
		crm:    d.CRM,
		media:  d.Media,
		store:  d.Store,
		locker: locker,
		logger: logger.Named("sync"),
		now:    time.Now,
	}
}

// Result summarizes one run. Counts holds successes per kind and failures
// under "<kind>_failed".
type Result struct {
	RunID  string
	Counts map[string]int
}

// FullSync clears the audit log and imports the whole dataset: reference
// entities in bulk, then every receipt as a deal.
func (s *Service) FullSync(ctx context.Context) (Result, error) {
	return s.run(ctx, "full", func(ctx context.Context, logger *zap.Logger, counts map[string]int) error {
		if err := s.store.Clear(ctx); err != nil {
			return fmt.Errorf("clear audit log: %w", err)
		}
		snap, err := source.Fetch(ctx, s.source, s.schema)
		if err != nil {
			return fmt.Errorf("fetch dataset: %w", err)
		}
		logger.Info("dataset fetched", zap.Any("counts", snap.Counts()))

		r := s.newResolver(snap, logger)
		sched := batch.NewScheduler(r, s.crm, s.store, s.cfg.BatchDelay, logger)
		for _, kind := range importOrder {
			if err := ctx.Err(); err != nil {
				return err
			}
			ids := sched.ImportBatch(ctx, kind, snap.Records(kind), s.cfg.BatchChunkSize)
			tally(counts, kind, ids)
			logger.Info("kind imported", zap.String("kind", string(kind)),
				zap.Int("ok", counts[string(kind)]), zap.Int("failed", counts[string(kind)+"_failed"]))
		}

		if err := s.upsertReceipts(ctx, r, snap.Receipts(), logger, counts); err != nil {
			return err
		}
		return s.mergeAfterSync(ctx, logger, counts)
	})
}

// RecentSync upserts the receipts sold within lookback. Reference entities
// are resolved on demand from the dataset. The audit log is kept.
func (s *Service) RecentSync(ctx context.Context, lookback time.Duration) (Result, error) {
	if lookback <= 0 {
		lookback = s.cfg.RecentLookback
	}
	return s.run(ctx, "recent", func(ctx context.Context, logger *zap.Logger, counts map[string]int) error {
		snap, err := source.Fetch(ctx, s.source, s.schema)
		if err != nil {
			return fmt.Errorf("fetch dataset: %w", err)
		}
		now := s.now()
		receipts, err := snap.RecentReceipts(now.Add(-lookback))
		if err != nil {
			return err
		}
		logger.Info("recent receipts selected", zap.Int("receipts", len(receipts)),
			zap.Int("total", len(snap.Receipts())), zap.Duration("lookback", lookback))

		r := s.newResolver(snap, logger)
		if err := s.upsertReceipts(ctx, r, receipts, logger, counts); err != nil {
			return err
		}
		if err := s.mergeAfterSync(ctx, logger, counts); err != nil {
			return err
		}
		if err := s.store.SetMetadata(ctx, LastRecentKey, now.UTC().Format(time.RFC3339)); err != nil {
			logger.Warn("metadata write failed", zap.String("key", LastRecentKey), zap.Error(err))
		}
		return nil
	})
}

// MergeDeals runs the duplicate deal merger on its own.
func (s *Service) MergeDeals(ctx context.Context) (Result, error) {
	return s.run(ctx, "merge", func(ctx context.Context, logger *zap.Logger, counts map[string]int) error {
		return s.merge(ctx, logger, counts)
	})
}

func (s *Service) newResolver(snap *source.Snapshot, logger *zap.Logger) *resolver.Resolver {
	opts := []resolver.Option{resolver.WithAudit(s.store), resolver.WithLogger(logger)}
	if s.media != nil {
		opts = append(opts, resolver.WithMedia(s.media))
	}
	return resolver.New(mapper.New(s.schema), s.crm, snap, opts...)
}

func (s *Service) upsertReceipts(ctx context.Context, r *resolver.Resolver, receipts []source.Receipt, logger *zap.Logger, counts map[string]int) error {
	engine := upsert.New(r, s.crm, s.store, logger)
	for i, receipt := range receipts {
		if err := ctx.Err(); err != nil {
			logger.Warn("deal upsert interrupted", zap.Int("remaining", len(receipts)-i))
			return err
		}
		tally(counts, internal.KindDeal, []*internal.TargetID{engine.UpsertDeal(ctx, receipt.Lines)})
	}
	stats := r.Stats()
	logger.Info("receipts upserted",
		zap.Int("ok", counts[string(internal.KindDeal)]), zap.Int("failed", counts[string(internal.KindDeal)+"_failed"]),
		zap.Int("cache_hits", stats.Hits), zap.Int("finds", stats.Finds), zap.Int("creates", stats.Creates))
	return nil
}

func (s *Service) mergeAfterSync(ctx context.Context, logger *zap.Logger, counts map[string]int) error {
	if !s.cfg.MergeAfterSync {
		return nil
	}
	return s.merge(ctx, logger, counts)
}

func (s *Service) merge(ctx context.Context, logger *zap.Logger, counts map[string]int) error {
	m, err := dedupe.NewMerger(s.crm, s.schema, s.store, logger)
	if err != nil {
		return err
	}
	report, err := m.MergeDuplicates(ctx)
	counts["merged_groups"] += report.MergedGroups
	counts["deleted_deals"] += report.Deleted
	counts["merge_errors"] += report.Errors
	return err
}

// run holds the run lock around fn and records the run history row.
func (s *Service) run(ctx context.Context, kind string, fn func(ctx context.Context, logger *zap.Logger, counts map[string]int) error) (Result, error) {
	res := Result{RunID: uuid.NewString(), Counts: map[string]int{}}
	logger := s.logger.With(zap.String("run", kind), zap.String("run_id", res.RunID))
	started := s.now()
	logger.Info("run started")

	err := s.locker.WithLock(ctx, func(ctx context.Context) error {
		return fn(ctx, logger, res.Counts)
	})

	finished := s.now()
	duration := finished.Sub(started)
	metrics.RunDuration.WithLabelValues(kind).Observe(duration.Seconds())

	row := audit.Run{
		RunID:      res.RunID,
		Kind:       kind,
		Status:     "ok",
		Counts:     res.Counts,
		Duration:   duration,
		StartedAt:  started,
		FinishedAt: finished,
	}
	switch {
	case errors.Is(err, runlock.ErrLockNotAcquired):
		row.Status = "skipped"
	case errors.Is(err, context.Canceled):
		row.Status = "cancelled"
	case err != nil:
		row.Status = "failed"
	}
	if err != nil {
		row.Error = err.Error()
	}
	if ierr := s.store.InsertRun(context.WithoutCancel(ctx), row); ierr != nil {
		logger.Warn("run history write failed", zap.Error(ierr))
	}

	if err != nil {
		logger.Error("run finished with error", zap.String("status", row.Status), zap.Duration("duration", duration), zap.Error(err))
		return res, err
	}
	logger.Info("run finished", zap.Duration("duration", duration), zap.Any("counts", res.Counts))
	return res, nil
}

func tally(counts map[string]int, kind internal.Kind, ids []*internal.TargetID) {
	for _, id := range ids {
		if id == nil {
			counts[string(kind)+"_failed"]++
			continue
		}
		counts[string(kind)]++
	}
}
