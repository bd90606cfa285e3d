package server

import (
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nicktill/tileproxy/pkg/config"
	"github.com/nicktill/tileproxy/pkg/logger"
	"github.com/nicktill/tileproxy/pkg/source"
)

// GarbageCollector is implemented by sources that reclaim disk space
// periodically (badger's value log).
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// Scheduler runs the server's periodic maintenance jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// NewScheduler registers the maintenance jobs: value log GC when src supports
// it, and error tile expiry for every chart so the planner retries failed
// ranges.
func NewScheduler(src source.Source, charts *Charts, log *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger.OrNop(log),
	}

	if gc, ok := src.(GarbageCollector); ok {
		if _, err := s.cron.AddFunc(config.BadgerGCSchedule, func() { s.runGC(gc) }); err != nil {
			return nil, fmt.Errorf("failed to schedule gc: %w", err)
		}
		s.logger.Info("value log gc scheduled", zap.String("schedule", config.BadgerGCSchedule))
	} else {
		s.logger.Info("source has no value log, skipping gc")
	}

	if charts != nil {
		if _, err := s.cron.AddFunc(config.ErrorExpirySchedule, func() { s.expireErrors(charts) }); err != nil {
			return nil, fmt.Errorf("failed to schedule error expiry: %w", err)
		}
	}

	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// runGC rewrites at most one value log file per run.
func (s *Scheduler) runGC(gc GarbageCollector) {
	start := time.Now()
	err := gc.RunGC(config.SourceGCDiscard)
	switch {
	case err == nil:
		s.logger.Info("gc completed, disk space reclaimed", zap.Duration("took", time.Since(start)))
	case errors.Is(err, badgerdb.ErrNoRewrite), errors.Is(err, badgerdb.ErrRejected):
		// Nothing to collect, or a GC is already running
		s.logger.Debug("gc completed, no rewrite needed", zap.Duration("took", time.Since(start)))
	default:
		s.logger.Warn("gc failed", zap.Error(err))
	}
}

func (s *Scheduler) expireErrors(charts *Charts) {
	if n := charts.ClearErrors(config.ErrorTileTTL); n > 0 {
		s.logger.Info("expired error tiles", zap.Int("count", n))
	}
}
