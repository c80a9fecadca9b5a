package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/ytgrab/internal/controllers"
)

// Cron specs of the maintenance tasks
const (
	PartialCleanupSpec = "0 * * * *"
	HistoryPruneSpec   = "30 3 * * *"
)

// Scheduler manages scheduled tasks
type Scheduler struct {
	cron        *cron.Cron
	cleanupCtrl *controllers.CleanupController
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *logrus.Logger
}

// NewScheduler creates a new scheduler
func NewScheduler(cleanupCtrl *controllers.CleanupController, logger *logrus.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:        cron.New(),
		cleanupCtrl: cleanupCtrl,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.logger.Info("Starting scheduler")

	// Every hour: remove partial files of crashed transfers
	_, err := s.cron.AddFunc(PartialCleanupSpec, func() {
		s.runPartialCleanup()
	})
	if err != nil {
		return fmt.Errorf("failed to add partial cleanup job: %w", err)
	}

	// Every night: prune history beyond the retention period
	_, err = s.cron.AddFunc(HistoryPruneSpec, func() {
		s.runHistoryPrune()
	})
	if err != nil {
		return fmt.Errorf("failed to add history prune job: %w", err)
	}

	s.cron.Start()
	s.logger.WithField("jobs", len(s.cron.Entries())).Info("Scheduler started")

	// Leftovers from a previous run are removed right away
	go func() {
		s.runPartialCleanup()
		s.runHistoryPrune()
	}()

	return nil
}

// Stop stops the scheduler and waits for running tasks
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	s.cancel()
	<-s.cron.Stop().Done()
}

// runPartialCleanup executes the partial file cleanup job
func (s *Scheduler) runPartialCleanup() {
	s.logger.Debug("Running scheduled partial file cleanup")

	removed, err := s.cleanupCtrl.CleanupPartials(s.ctx)
	if err != nil {
		s.logger.WithError(err).Error("Partial file cleanup failed")
		return
	}
	if removed > 0 {
		s.logger.WithField("removed", removed).Info("Partial file cleanup completed")
	}
}

// runHistoryPrune executes the history prune job
func (s *Scheduler) runHistoryPrune() {
	s.logger.Debug("Running scheduled history prune")

	if err := s.cleanupCtrl.CleanupHistory(s.ctx); err != nil {
		s.logger.WithError(err).Error("History prune failed")
	}
}
