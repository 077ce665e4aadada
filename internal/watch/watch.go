package watch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"crmsync/internal/metrics"
	"crmsync/internal/syncer"
)

// RecentSyncer is implemented by *syncer.Service.
type RecentSyncer interface {
	RecentSync(ctx context.Context, lookback time.Duration) (syncer.Result, error)
}

// Service runs a recent sync every interval until its context is cancelled.
type Service struct {
	sync            RecentSyncer
	interval        time.Duration
	lookback        time.Duration
	metricsTextfile string
	logger          *zap.Logger
}

func NewService(s RecentSyncer, interval, lookback time.Duration, metricsTextfile string, logger *zap.Logger) *Service {
	return &Service{
		sync:            s,
		interval:        interval,
		lookback:        lookback,
		metricsTextfile: metricsTextfile,
		logger:          logger.Named("watch"),
	}
}

// Run returns nil once ctx is done. A failing cycle is logged and the next
// one runs on schedule.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("watching", zap.Duration("interval", s.interval), zap.Duration("lookback", s.lookback))
	for {
		if err := s.runCycle(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("watch cycle error", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.interval):
		}
	}
}

func (s *Service) runCycle(ctx context.Context) error {
	res, err := s.sync.RecentSync(ctx, s.lookback)
	if werr := metrics.WriteTextfile(s.metricsTextfile); werr != nil {
		s.logger.Warn("metrics textfile write failed", zap.String("path", s.metricsTextfile), zap.Error(werr))
	}
	if err != nil {
		return err
	}
	s.logger.Info("watch cycle done", zap.String("run_id", res.RunID), zap.Any("counts", res.Counts))
	return nil
}
