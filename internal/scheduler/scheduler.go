// Package scheduler enqueues re-ingest jobs for sources whose refresh
// schedule has come due. It only enqueues; the ingest workers do the
// rest.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/queue"
	"github.com/minirag/minirag/internal/repository"
)

// DefaultInterval is how often refresh eligibility is evaluated.
const DefaultInterval = 15 * time.Minute

// Scheduler periodically scans for due sources and enqueues an ingest
// job for each.
type Scheduler struct {
	sources  *repository.SourceRepository
	jobs     *queue.Queue
	interval time.Duration
	cron     *cron.Cron
	logger   observability.Logger
}

// New creates a scheduler. A non-positive interval falls back to
// DefaultInterval.
func New(sources *repository.SourceRepository, jobs *queue.Queue, interval time.Duration, logger observability.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		sources:  sources,
		jobs:     jobs,
		interval: interval,
		logger:   logger.WithPrefix("scheduler"),
	}
}

// Start begins periodic scanning. The first scan runs after one full
// interval, not immediately, so a restarting worker does not stampede
// the queue.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := c.AddFunc(spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule refresh scan: %w", err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("Refresh scheduler started", map[string]interface{}{
		"interval": s.interval.String(),
	})
	return nil
}

// Stop halts scheduling and waits for an in-flight scan to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunOnce scans for refresh-eligible sources and enqueues one ingest
// job per source, returning how many were enqueued. Enqueue failures
// are logged and skipped so one bad source cannot stall the rest.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	due, err := s.sources.ListRefreshEligible(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("Failed to list refresh-eligible sources", map[string]interface{}{
			"error": err.Error(),
		})
		return 0
	}
	if len(due) == 0 {
		s.logger.Debug("No sources due for refresh", nil)
		return 0
	}

	enqueued := 0
	for _, src := range due {
		if _, err := s.jobs.Enqueue(ctx, queue.NewIngestJob(src.TenantID, src.ID)); err != nil {
			s.logger.Error("Failed to enqueue refresh job", map[string]interface{}{
				"source_id": src.ID.String(),
				"tenant_id": src.TenantID.String(),
				"error":     err.Error(),
			})
			continue
		}
		enqueued++
	}

	s.logger.Info("Enqueued refresh jobs", map[string]interface{}{
		"due":      len(due),
		"enqueued": enqueued,
	})
	return enqueued
}
