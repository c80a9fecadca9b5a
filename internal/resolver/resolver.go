package resolver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/ytgrab/internal/models"
	"github.com/amaumene/ytgrab/internal/utils"
)

const (
	DefaultTimeout     = 15 * time.Second
	DefaultCacheTTL    = 5 * time.Minute
	DefaultSearchLimit = 15
	maxSearchLimit     = 50
)

// Backend is the extraction backend the resolver queries
type Backend interface {
	Extract(ctx context.Context, url string) (*models.MediaSource, error)
	Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error)
}

// Options tunes a Resolver
type Options struct {
	Timeout  time.Duration // per call, DefaultTimeout when 0
	CacheTTL time.Duration // 0 = DefaultCacheTTL, negative disables caching
	Hosts    *utils.HostList
}

// Resolver turns media URLs into MediaSources
type Resolver struct {
	backend Backend
	timeout time.Duration
	hosts   *utils.HostList
	cache   *cache.Cache
	logger  *logrus.Logger
}

// New creates a resolver over backend
func New(backend Backend, opts Options, logger *logrus.Logger) *Resolver {
	r := &Resolver{
		backend: backend,
		timeout: opts.Timeout,
		hosts:   opts.Hosts,
		logger:  logger,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.hosts == nil {
		r.hosts = utils.NewHostList(utils.DefaultMediaHosts...)
	}

	ttl := opts.CacheTTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	if ttl > 0 {
		r.cache = cache.New(ttl, 2*ttl)
	}
	return r
}

// Resolve validates url, queries the backend within the timeout and returns
// a source with at least one variant
func (r *Resolver) Resolve(ctx context.Context, url string) (*models.MediaSource, error) {
	url = strings.TrimSpace(url)
	if _, err := r.hosts.ValidateMediaURL(url); err != nil {
		return nil, &models.ResolutionError{Kind: models.ErrInvalidURL, URL: url, Err: err}
	}

	if r.cache != nil {
		if cached, ok := r.cache.Get(url); ok {
			r.logger.WithField("url", url).Debug("Resolve cache hit")
			return cached.(*models.MediaSource), nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	source, err := r.backend.Extract(ctx, url)
	if err != nil {
		return nil, r.wrap(ctx, url, err)
	}
	if ctx.Err() != nil {
		return nil, r.wrap(ctx, url, ctx.Err())
	}
	if source == nil || len(source.Variants) == 0 {
		return nil, &models.ResolutionError{Kind: models.ErrNotFound, URL: url, Err: errors.New("no downloadable variants")}
	}

	r.logger.WithFields(logrus.Fields{
		"url":      url,
		"video_id": source.VideoID,
		"title":    source.Title,
		"variants": len(source.Variants),
		"elapsed":  time.Since(start).Round(time.Millisecond).String(),
	}).Info("Resolved media source")

	if r.cache != nil {
		r.cache.SetDefault(url, source)
	}
	return source, nil
}

// Search runs a backend search. The limit is clamped to [1, 50].
func (r *Resolver) Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &models.ResolutionError{Kind: models.ErrInvalidURL, URL: query, Err: errors.New("empty search query")}
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	results, err := r.backend.Search(ctx, query, limit)
	if err != nil {
		return nil, r.wrap(ctx, query, err)
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Forget drops a cached resolution
func (r *Resolver) Forget(url string) {
	if r.cache != nil {
		r.cache.Delete(strings.TrimSpace(url))
	}
}

// wrap normalizes backend failures into ResolutionErrors. Timeouts are
// network errors.
func (r *Resolver) wrap(ctx context.Context, url string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &models.ResolutionError{Kind: models.ErrNetworkError, URL: url, Err: err}
	}
	var re *models.ResolutionError
	if errors.As(err, &re) {
		return err
	}
	return &models.ResolutionError{Kind: models.ErrNetworkError, URL: url, Err: err}
}
