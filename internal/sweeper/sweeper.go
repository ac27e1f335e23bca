// Package sweeper periodically archives stale artifacts.
package sweeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Archiver is the archival pass the sweeper drives.
type Archiver interface {
	Archive(ctx context.Context, olderThanDays int) (int, error)
}

type Config struct {
	Interval      time.Duration
	OlderThanDays int
	// RunOnStart runs a pass immediately instead of waiting one interval.
	RunOnStart bool
}

type Sweeper struct {
	archiver Archiver
	logger   *zap.Logger
	cfg      Config
	running  atomic.Bool
	passes   sync.WaitGroup
}

func New(archiver Archiver, logger *zap.Logger, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.OlderThanDays <= 0 {
		cfg.OlderThanDays = 90
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{archiver: archiver, logger: logger, cfg: cfg}
}

// Run sweeps on every tick until ctx is cancelled. A tick that arrives while
// the previous pass is still running is skipped. Run returns only after the
// pass in flight, if any, has finished.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("archival sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("older_than_days", s.cfg.OlderThanDays),
	)
	defer s.logger.Info("archival sweeper stopped")
	defer s.passes.Wait()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	if s.cfg.RunOnStart {
		s.spawn(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.spawn(ctx)
		}
	}
}

func (s *Sweeper) spawn(ctx context.Context) {
	s.passes.Add(1)
	go func() {
		defer s.passes.Done()
		s.Tick(ctx)
	}()
}

// Tick runs one pass unless one is already in flight. It reports whether a
// pass ran.
func (s *Sweeper) Tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("archival pass still running, skipping tick")
		return false
	}
	defer s.running.Store(false)

	if ctx.Err() != nil {
		return false
	}
	start := time.Now()
	n, err := s.archiver.Archive(ctx, s.cfg.OlderThanDays)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("archival pass failed", zap.Error(err))
		}
		return true
	}
	s.logger.Info("archival pass finished", zap.Int("archived", n), zap.Duration("took", time.Since(start)))
	return true
}
