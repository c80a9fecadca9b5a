package controllers

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/ytgrab/internal/fetch"
)

// finishedJobTTL is how long finished jobs stay listed in memory
const finishedJobTTL = 24 * time.Hour

// HistoryPruner deletes old history entries
type HistoryPruner interface {
	PruneHistory(before time.Time) (int, error)
}

// CleanupController removes stale partial files and old history
type CleanupController struct {
	history       HistoryPruner
	jobs          *JobController
	downloadDir   string
	partialMaxAge time.Duration
	retention     time.Duration
	logger        *logrus.Logger
}

// NewCleanupController creates a new cleanup controller. history and jobs may be nil.
func NewCleanupController(history HistoryPruner, jobs *JobController, downloadDir string, partialMaxAge, retention time.Duration, logger *logrus.Logger) *CleanupController {
	return &CleanupController{
		history:       history,
		jobs:          jobs,
		downloadDir:   downloadDir,
		partialMaxAge: partialMaxAge,
		retention:     retention,
		logger:        logger,
	}
}

// CleanupPartials removes ".part" files left behind by crashed transfers.
// Running transfers keep touching their file, so only files untouched for
// partialMaxAge are removed.
func (c *CleanupController) CleanupPartials(ctx context.Context) (int, error) {
	if c.partialMaxAge <= 0 {
		return 0, nil
	}
	c.logger.Debug("Starting cleanup of partial downloads")

	cutoff := time.Now().Add(-c.partialMaxAge)
	removed := 0

	err := filepath.WalkDir(c.downloadDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), fetch.PartSuffix) {
			return nil
		}

		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil {
			c.logger.WithError(err).WithField("path", path).Warn("Failed to remove partial file")
			return nil
		}
		c.logger.WithFields(logrus.Fields{
			"path":     path,
			"modified": info.ModTime(),
		}).Info("Removed stale partial file")
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to scan %s: %w", c.downloadDir, err)
	}

	return removed, nil
}

// CleanupHistory prunes history entries older than the retention period and
// forgets finished jobs kept in memory
func (c *CleanupController) CleanupHistory(ctx context.Context) error {
	now := time.Now()

	if c.jobs != nil {
		if n := c.jobs.ForgetFinished(now.Add(-finishedJobTTL)); n > 0 {
			c.logger.WithField("count", n).Debug("Forgot finished jobs")
		}
	}

	if c.history == nil || c.retention <= 0 {
		return nil
	}

	pruned, err := c.history.PruneHistory(now.Add(-c.retention))
	if err != nil {
		return fmt.Errorf("failed to prune history: %w", err)
	}
	if pruned > 0 {
		c.logger.WithFields(logrus.Fields{
			"count":     pruned,
			"retention": c.retention,
		}).Info("Pruned history")
	}
	return nil
}

// Run performs every cleanup task, logging failures
func (c *CleanupController) Run(ctx context.Context) {
	if _, err := c.CleanupPartials(ctx); err != nil {
		c.logger.WithError(err).Error("Partial file cleanup failed")
	}
	if err := c.CleanupHistory(ctx); err != nil {
		c.logger.WithError(err).Error("History cleanup failed")
	}
}
