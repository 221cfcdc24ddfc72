package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mkarlsen/pdfbatch/internal/cache"
	"github.com/mkarlsen/pdfbatch/internal/storage"
)

// Supervisor runs the periodic maintenance work: failing jobs stuck in
// running past their deadline and sweeping expired cache entries.
type Supervisor struct {
	repo       *storage.Repository
	store      *cache.Store
	logger     *slog.Logger
	staleAfter time.Duration
	cron       *cron.Cron
}

// NewSupervisor wires the reaper and sweeper. staleAfter should exceed the
// per-job timeout so the reaper only catches jobs the processor lost track
// of (crash, kill).
func NewSupervisor(repo *storage.Repository, store *cache.Store, logger *slog.Logger, staleAfter time.Duration) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		repo:       repo,
		store:      store,
		logger:     logger,
		staleAfter: staleAfter,
		cron:       cron.New(),
	}
}

// Start schedules the maintenance jobs and launches the cron loop.
func (s *Supervisor) Start() error {
	if _, err := s.cron.AddFunc("@every 1m", s.reap); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 5m", s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for running maintenance to finish.
func (s *Supervisor) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Supervisor) reap() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.repo.ReapStale(ctx, s.staleAfter)
	if err != nil {
		s.logger.Error("stale job reap failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Warn("reaped stale running jobs", "count", n)
		s.store.InvalidateCategory(cache.CategoryJobs)
		s.store.InvalidateCategory(cache.CategoryMetrics)
	}
}

func (s *Supervisor) sweep() {
	if n := s.store.Sweep(); n > 0 {
		s.logger.Debug("swept expired cache entries", "count", n)
	}
}
