package ytdlp

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lrstanley/go-ytdlp"
	"github.com/sirupsen/logrus"
)

// Provision downloads yt-dlp and ffmpeg into the go-ytdlp cache. It is an
// explicit step run by the operator, never by a failing job. Network hiccups
// are retried with exponential backoff.
func Provision(ctx context.Context, logger *logrus.Logger) (ytdlpPath, ffmpegPath string, err error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), 4), ctx)

	err = backoff.RetryNotify(func() error {
		resolved, err := ytdlp.Install(ctx, nil)
		if err != nil {
			return err
		}
		ytdlpPath = resolved.Executable
		return nil
	}, policy, notify(logger, "yt-dlp"))
	if err != nil {
		return "", "", fmt.Errorf("failed to install yt-dlp: %w", err)
	}

	policy.Reset()
	err = backoff.RetryNotify(func() error {
		resolved, err := ytdlp.InstallFFmpeg(ctx, nil)
		if err != nil {
			return err
		}
		ffmpegPath = resolved.Executable
		return nil
	}, policy, notify(logger, "ffmpeg"))
	if err != nil {
		return ytdlpPath, "", fmt.Errorf("failed to install ffmpeg: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"yt-dlp": ytdlpPath,
		"ffmpeg": ffmpegPath,
	}).Info("Engines installed")
	return ytdlpPath, ffmpegPath, nil
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	return b
}

func notify(logger *logrus.Logger, engine string) backoff.Notify {
	return func(err error, wait time.Duration) {
		logger.WithFields(logrus.Fields{
			"engine": engine,
			"retry":  wait.String(),
		}).WithError(err).Warn("Engine install failed, retrying")
	}
}
