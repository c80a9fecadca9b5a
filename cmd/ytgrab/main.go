package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/amaumene/ytgrab/internal/api"
	"github.com/amaumene/ytgrab/internal/config"
	"github.com/amaumene/ytgrab/internal/scheduler"
	"github.com/amaumene/ytgrab/internal/utils"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ytgrab",
		Short:         "Download and convert videos from YouTube",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.String("download-dir", "", "directory for finished files (DOWNLOAD_DIR)")
	flags.Int("concurrency", 0, "maximum concurrent jobs (MAX_CONCURRENCY)")
	flags.String("speed-limit", "", "per-job speed limit: unlimited, slow, medium, fast or a rate like 2MiB/s (SPEED_LIMIT)")
	flags.String("log-level", "", "log level (LOG_LEVEL)")
	viper.BindPFlag("DOWNLOAD_DIR", flags.Lookup("download-dir"))
	viper.BindPFlag("MAX_CONCURRENCY", flags.Lookup("concurrency"))
	viper.BindPFlag("SPEED_LIMIT", flags.Lookup("speed-limit"))
	viper.BindPFlag("LOG_LEVEL", flags.Lookup("log-level"))

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the job pipeline with the HTTP API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	serve.Flags().String("port", "", "HTTP port (SERVER_PORT)")
	viper.BindPFlag("SERVER_PORT", serve.Flags().Lookup("port"))

	root.AddCommand(
		serve,
		newResolveCommand(),
		newSearchCommand(),
		newGetCommand(),
		newEnginesCommand(),
		newHistoryCommand(),
	)
	return root
}

// setup loads configuration and creates the logger
func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := utils.NewLogger(cfg.LogLevel, cfg.LogFormat)
	return cfg, logger, nil
}

func runServe(ctx context.Context) error {
	// 1. Load configuration
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	logger.Info("Starting ytgrab")
	logger.WithFields(logrus.Fields{
		"config_dir":   filepath.Dir(cfg.DatabaseFile),
		"download_dir": cfg.DownloadDir,
		"concurrency":  cfg.MaxConcurrency,
		"speed_limit":  utils.FormatSpeed(cfg.SpeedLimit),
	}).Info("Configuration loaded")

	// 2. Wire the pipeline
	a, err := newApp(cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.checkEngines(ctx)

	// 3. Start workers
	a.jobs.Start(ctx)
	defer func() {
		cancel()
		a.jobs.Wait()
	}()

	// 4. Initialize scheduler
	sched := scheduler.NewScheduler(a.cleanup, logger)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	// 5. Initialize HTTP server
	server := api.NewServer(cfg.ServerPort, a.jobs, a.search, a.metrics, a.engines, logger)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil {
			serverErrChan <- err
		}
	}()

	// 6. Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("ytgrab is running")

	select {
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Error("Error during server shutdown")
		}
	}

	logger.Info("ytgrab stopped")
	return nil
}
