// Package scheduler runs the periodic maintenance work the service needs
// beyond request handling: sweeping expired outputs and leaked workspaces
// out of the data root. It wraps gocron and owns the artifact reaper tick.
//
// The reaper runs in singleton mode: if a sweep is still walking the data
// root when the next tick fires, the new run is rescheduled rather than
// stacked, so two sweeps never race over the same directories.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/artifacts"
	"github.com/resline/dify-plugin-repackaging-sub000/internal/metrics"
)

const (
	// defaultInterval is how often the reaper sweeps when the caller does
	// not override it.
	defaultInterval = 5 * time.Minute

	// sweepTimeout bounds a single sweep. A sweep touches the filesystem
	// and Redis; if either stalls, the run is abandoned and the next tick
	// starts fresh.
	sweepTimeout = time.Minute

	reaperTag = "artifact-reaper"
)

// Scheduler wraps gocron and drives the artifact reaper. The zero value is
// not usable; create instances with New.
type Scheduler struct {
	cron     gocron.Scheduler
	files    *artifacts.Store
	store    artifacts.OutputClearer
	interval time.Duration
	logger   *zap.Logger
}

// New creates a Scheduler sweeping every interval; 0 selects the default.
// Call Start to begin processing.
func New(files *artifacts.Store, store artifacts.OutputClearer, interval time.Duration, logger *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		cron:     cron,
		files:    files,
		store:    store,
		interval: interval,
		logger:   logger.Named("scheduler"),
	}, nil
}

// Start registers the reaper job and starts the underlying gocron scheduler.
// It should be called once at startup, after the data root and the job store
// are ready.
func (s *Scheduler) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.sweep),
		gocron.WithTags(reaperTag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register reaper (interval %s): %w", s.interval, err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Duration("reap_interval", s.interval))
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for a
// sweep in flight to finish before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// sweep is the reaper tick. Failures are logged, never fatal; whatever a
// run could not remove is picked up by a later one.
func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	start := time.Now()
	outputs, workspaces, err := s.files.Reap(ctx, start, s.store)
	if err != nil {
		s.logger.Error("artifact sweep failed", zap.Error(err))
		return
	}

	metrics.ArtifactsReaped("output", outputs)
	metrics.ArtifactsReaped("workspace", workspaces)

	if outputs > 0 || workspaces > 0 {
		s.logger.Info("artifact sweep finished",
			zap.Int("outputs_removed", outputs),
			zap.Int("workspaces_removed", workspaces),
			zap.Duration("took", time.Since(start).Round(time.Millisecond)),
		)
	}
}
