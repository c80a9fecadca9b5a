package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/amaumene/ytgrab/internal/api/handlers"
	"github.com/amaumene/ytgrab/internal/config"
	"github.com/amaumene/ytgrab/internal/controllers"
	"github.com/amaumene/ytgrab/internal/fetch"
	"github.com/amaumene/ytgrab/internal/metrics"
	"github.com/amaumene/ytgrab/internal/models"
	"github.com/amaumene/ytgrab/internal/postprocess"
	"github.com/amaumene/ytgrab/internal/resolver"
	"github.com/amaumene/ytgrab/internal/services/ffmpeg"
	"github.com/amaumene/ytgrab/internal/services/stream"
	"github.com/amaumene/ytgrab/internal/services/ytdlp"
	"github.com/amaumene/ytgrab/internal/tracing"
	"github.com/amaumene/ytgrab/internal/utils"
)

// app holds every wired component
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	db      *models.Database
	metrics *metrics.Metrics
	jobs    *controllers.JobController
	search  *controllers.SearchController
	cleanup *controllers.CleanupController
	engines []handlers.Engine

	shutdownTracing func(context.Context) error
}

// newApp builds the pipeline from configuration. When historyRequired is
// false a locked or broken database only disables history.
func newApp(cfg *config.Config, logger *logrus.Logger, historyRequired bool) (*app, error) {
	// 1. Tracing
	tp, shutdownTracing := tracing.Setup(cfg.TracingEnabled, logger)
	otel.SetTracerProvider(tp)

	// 2. Database
	var (
		history controllers.HistoryStore
		pruner  controllers.HistoryPruner
	)
	db, err := models.NewDatabase(cfg.DatabaseFile)
	switch {
	case err == nil:
		history, pruner = db, db
		logger.WithField("path", cfg.DatabaseFile).Debug("Database initialized")
	case historyRequired:
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	default:
		db = nil
		logger.WithError(err).Warn("History disabled")
	}

	// 3. Extraction and transcoding
	res, ytdlpClient := newResolver(cfg, logger)
	ffmpegEngine := ffmpeg.NewEngine(cfg.FFmpegPath, logger)

	// 4. Pipeline
	m := metrics.New()
	jobs := controllers.NewJobController(
		res,
		fetch.NewWorker(stream.NewClient(logger), logger),
		postprocess.New(ffmpegEngine, logger),
		history,
		m,
		controllers.JobOptions{
			DownloadDir:    cfg.DownloadDir,
			MaxConcurrency: cfg.MaxConcurrency,
			QueueCapacity:  cfg.QueueCapacity,
			SpeedLimit:     cfg.SpeedLimit,
			DefaultQuality: cfg.DefaultQuality,
			AudioFormat:    cfg.AudioFormat,
			AudioBitrate:   cfg.AudioBitrate,
			HistoryLimit:   cfg.HistoryLimit,
		},
		logger,
	)

	return &app{
		cfg:             cfg,
		logger:          logger,
		db:              db,
		metrics:         m,
		jobs:            jobs,
		search:          controllers.NewSearchController(res, logger),
		cleanup:         controllers.NewCleanupController(pruner, jobs, cfg.DownloadDir, cfg.PartialMaxAge, cfg.HistoryRetention, logger),
		engines:         newEngines(ytdlpClient, ffmpegEngine),
		shutdownTracing: shutdownTracing,
	}, nil
}

// newResolver creates the cached resolver over yt-dlp
func newResolver(cfg *config.Config, logger *logrus.Logger) (*resolver.Resolver, *ytdlp.Client) {
	hosts, err := utils.LoadHostList(cfg.HostsFile)
	if err != nil {
		logger.WithError(err).Warn("Failed to load hosts file, using defaults")
		hosts = utils.NewHostList(utils.DefaultMediaHosts...)
	}

	client := ytdlp.NewClient(cfg, logger)
	return resolver.New(client, resolver.Options{
		Timeout:  cfg.ResolveTimeout,
		CacheTTL: cfg.ResolveCache,
		Hosts:    hosts,
	}, logger), client
}

func newEngines(client *ytdlp.Client, engine *ffmpeg.Engine) []handlers.Engine {
	return []handlers.Engine{
		{Name: "yt-dlp", Path: client.Executable(), Version: client.Version},
		{Name: "ffmpeg", Path: engine.Path(), Version: engine.Version},
	}
}

// checkEngines logs the state of each engine. A missing engine only makes
// the jobs that need it fail.
func (a *app) checkEngines(ctx context.Context) []handlers.EngineStatus {
	statuses := handlers.CheckEngines(ctx, a.engines)
	for _, st := range statuses {
		entry := a.logger.WithFields(logrus.Fields{
			"engine": st.Name,
			"path":   st.Path,
		})
		if st.Available {
			entry.WithField("version", st.Version).Info("Engine available")
		} else {
			entry.WithField("error", st.Error).Warn("Engine unavailable")
		}
	}
	return statuses
}

func (a *app) Close() {
	if err := a.shutdownTracing(context.Background()); err != nil {
		a.logger.WithError(err).Warn("Failed to flush traces")
	}
	if a.db == nil {
		return
	}
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close database")
	}
}
