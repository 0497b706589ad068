package tiers

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Scheduler struct {
	eval     *Evaluator
	interval time.Duration
	log      *zap.Logger
}

func NewScheduler(eval *Evaluator, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{eval: eval, interval: interval, log: eval.log}
}

// Start runs one pass immediately, then downgrade followed by upgrade on every tick until ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info("tier scheduler started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			s.log.Info("tier scheduler stopped")
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.eval.RunDowngradeJob(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("downgrade job failed", zap.Error(err))
	}
	if _, err := s.eval.RunUpgradeJob(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("upgrade job failed", zap.Error(err))
	}
}
