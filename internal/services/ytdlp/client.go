package ytdlp

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/lrstanley/go-ytdlp"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/ytgrab/internal/config"
	"github.com/amaumene/ytgrab/internal/models"
)

const defaultExecutable = "yt-dlp"

// Client wraps yt-dlp invocations through go-ytdlp
type Client struct {
	executable string
	logger     *logrus.Logger
}

// NewClient creates a new yt-dlp client
func NewClient(cfg *config.Config, logger *logrus.Logger) *Client {
	executable := cfg.YtdlpPath
	if executable == "" {
		executable = defaultExecutable
	}
	return &Client{
		executable: executable,
		logger:     logger,
	}
}

// Executable returns the configured yt-dlp binary
func (c *Client) Executable() string {
	return c.executable
}

// Extract dumps the metadata of a single video and converts it to a MediaSource
func (c *Client) Extract(ctx context.Context, url string) (*models.MediaSource, error) {
	c.logger.WithFields(logrus.Fields{
		"url":        url,
		"executable": c.executable,
	}).Debug("Extracting video info")

	result, err := ytdlp.New().
		SetExecutable(c.executable).
		DumpSingleJSON().
		SkipDownload().
		NoPlaylist().
		NoWarnings().
		Run(ctx, url)
	if err != nil {
		return nil, c.failure(ctx, url, result, err)
	}

	source, err := ParseInfo([]byte(result.Stdout))
	if err != nil {
		return nil, &models.ResolutionError{Kind: models.ErrParseError, URL: url, Err: err}
	}
	if source.URL == "" {
		source.URL = url
	}
	return source, nil
}

// Search runs a flat "ytsearchN:" query
func (c *Client) Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	target := fmt.Sprintf("ytsearch%d:%s", limit, query)

	c.logger.WithFields(logrus.Fields{
		"query": query,
		"limit": limit,
	}).Debug("Searching videos")

	result, err := ytdlp.New().
		SetExecutable(c.executable).
		DumpSingleJSON().
		FlatPlaylist().
		SkipDownload().
		NoWarnings().
		Run(ctx, target)
	if err != nil {
		return nil, c.failure(ctx, target, result, err)
	}

	results, err := ParseSearch([]byte(result.Stdout))
	if err != nil {
		return nil, &models.ResolutionError{Kind: models.ErrParseError, URL: target, Err: err}
	}
	return results, nil
}

// Version returns the output of "yt-dlp --version"
func (c *Client) Version(ctx context.Context) (string, error) {
	result, err := ytdlp.New().SetExecutable(c.executable).Version(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}

// failure turns a failed run into a ResolutionError
func (c *Client) failure(ctx context.Context, url string, result *ytdlp.Result, err error) error {
	stderr := ""
	if result != nil {
		stderr = result.Stderr
	}

	kind := ClassifyError(stderr, err)
	if ctx.Err() != nil {
		kind = models.ErrNetworkError
	}

	c.logger.WithFields(logrus.Fields{
		"url":  url,
		"kind": kind,
	}).WithError(err).Warn("yt-dlp failed")

	if msg := lastErrorLine(stderr); msg != "" {
		err = fmt.Errorf("%w: %s", err, msg)
	}
	return &models.ResolutionError{Kind: kind, URL: url, Err: err}
}

var (
	invalidMarkers = []string{
		"unsupported url",
		"is not a valid url",
	}
	notFoundMarkers = []string{
		"incomplete youtube id",
		"does not exist",
		"http error 404",
		"no video formats found",
		"requested format is not available",
	}
	unavailableMarkers = []string{
		"video unavailable",
		"private video",
		"this video is unavailable",
		"has been removed",
		"copyright",
		"not available in your country",
		"sign in to confirm",
		"members-only",
		"premieres in",
		"this live event will begin",
	}
	networkMarkers = []string{
		"unable to download webpage",
		"unable to download api page",
		"urlopen error",
		"timed out",
		"temporary failure in name resolution",
		"connection reset",
		"connection refused",
		"getaddrinfo",
		"network is unreachable",
		"http error 5",
		"http error 429",
	}
)

// ClassifyError maps yt-dlp diagnostics to a resolution error kind
func ClassifyError(stderr string, err error) models.ErrorKind {
	if errors.Is(err, exec.ErrNotFound) {
		return models.ErrBackendMissing
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.ErrNetworkError
	}

	msg := strings.ToLower(stderr)
	if msg == "" && err != nil {
		msg = strings.ToLower(err.Error())
	}

	switch {
	case containsAny(msg, invalidMarkers):
		return models.ErrInvalidURL
	case containsAny(msg, unavailableMarkers):
		return models.ErrUnavailable
	case containsAny(msg, notFoundMarkers):
		return models.ErrNotFound
	case containsAny(msg, networkMarkers):
		return models.ErrNetworkError
	default:
		return models.ErrUnavailable
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// lastErrorLine returns the last "ERROR:" line yt-dlp printed
func lastErrorLine(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); strings.HasPrefix(line, "ERROR:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		}
	}
	return ""
}
