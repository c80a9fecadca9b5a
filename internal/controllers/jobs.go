package controllers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/amaumene/ytgrab/internal/events"
	"github.com/amaumene/ytgrab/internal/fetch"
	"github.com/amaumene/ytgrab/internal/metrics"
	"github.com/amaumene/ytgrab/internal/models"
	"github.com/amaumene/ytgrab/internal/postprocess"
	"github.com/amaumene/ytgrab/internal/queue"
	"github.com/amaumene/ytgrab/internal/tracing"
	"github.com/amaumene/ytgrab/internal/utils"
)

const defaultProgressInterval = 250 * time.Millisecond

// ErrInvalidRequest is returned for job requests that can never succeed
var ErrInvalidRequest = errors.New("invalid request")

// Resolver resolves media URLs
type Resolver interface {
	Resolve(ctx context.Context, url string) (*models.MediaSource, error)
}

// Fetcher transfers a job's variant to disk
type Fetcher interface {
	Run(ctx context.Context, job *models.Job, target string, throttle *fetch.Throttle, progress fetch.ProgressFunc) (*fetch.Result, error)
}

// PostProcessor converts fetched media
type PostProcessor interface {
	Process(ctx context.Context, rawPath string, conv postprocess.Conversion, progress func(float64)) (string, error)
}

// HistoryStore records finished jobs
type HistoryStore interface {
	AppendHistory(entry *models.HistoryEntry, limit int) error
	ListHistory(limit int) ([]*models.HistoryEntry, error)
	ClearHistory() error
}

// JobOptions configures the job controller
type JobOptions struct {
	DownloadDir      string
	MaxConcurrency   int
	QueueCapacity    int
	SpeedLimit       int64 // default for new jobs, 0 = unlimited
	DefaultQuality   string
	AudioFormat      string
	AudioBitrate     string
	HistoryLimit     int
	ProgressInterval time.Duration
}

// Stats summarizes the controller state
type Stats struct {
	Pending        int   `json:"pending"`
	Active         int   `json:"active"`
	Total          int   `json:"total"`
	MaxConcurrency int   `json:"max_concurrency"`
	SpeedLimit     int64 `json:"speed_limit"`
	Subscribers    int   `json:"subscribers"`
}

// JobController owns the queue and every job state transition. It runs a
// fixed pool of workers, each taking one job through resolve, fetch and
// post-processing.
type JobController struct {
	resolver  Resolver
	fetcher   Fetcher
	processor PostProcessor
	history   HistoryStore
	queue     *queue.Queue
	bus       *events.Bus
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	opts      JobOptions
	logger    *logrus.Logger

	mu         sync.RWMutex
	jobs       map[string]*models.Job
	order      []string
	cancels    map[string]context.CancelFunc
	speedLimit int64

	wg sync.WaitGroup
}

// NewJobController creates a new job controller. history and m may be nil.
func NewJobController(resolver Resolver, fetcher Fetcher, processor PostProcessor, history HistoryStore, m *metrics.Metrics, opts JobOptions, logger *logrus.Logger) *JobController {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaultProgressInterval
	}
	if opts.AudioFormat == "" {
		opts.AudioFormat = "mp3"
	}
	if opts.AudioBitrate == "" {
		opts.AudioBitrate = postprocess.DefaultAudioBitrate
	}
	if m == nil {
		m = metrics.New()
	}
	m.SpeedLimit.Set(float64(opts.SpeedLimit))

	return &JobController{
		resolver:   resolver,
		fetcher:    fetcher,
		processor:  processor,
		history:    history,
		queue:      queue.New(opts.MaxConcurrency, opts.QueueCapacity),
		bus:        events.NewBus(),
		metrics:    m,
		tracer:     otel.Tracer(tracing.InstrumentationName),
		opts:       opts,
		logger:     logger,
		jobs:       make(map[string]*models.Job),
		cancels:    make(map[string]context.CancelFunc),
		speedLimit: opts.SpeedLimit,
	}
}

// Start launches the worker pool. Workers stop when ctx is done; jobs they
// are running at that point end Cancelled.
func (c *JobController) Start(ctx context.Context) {
	for i := 0; i < c.queue.MaxConcurrency(); i++ {
		c.wg.Add(1)
		go func(worker int) {
			defer c.wg.Done()
			for {
				job, err := c.queue.Next(ctx)
				if err != nil {
					return
				}
				c.runJob(ctx, job, worker)
			}
		}(i + 1)
	}

	c.logger.WithFields(logrus.Fields{
		"workers":     c.queue.MaxConcurrency(),
		"speed_limit": utils.FormatSpeed(c.SpeedLimit()),
	}).Info("Job controller started")
}

// Wait blocks until every worker has returned, then hands the last events
// to subscribers and detaches them
func (c *JobController) Wait() {
	c.wg.Wait()
	c.bus.Close()
}

// Enqueue validates a request and queues a job for it. When no destination
// is given the URL is resolved right away to name the file, and the worker
// skips the resolving stage.
func (c *JobController) Enqueue(ctx context.Context, req models.JobRequest) (models.JobStatus, error) {
	req, quality, err := c.normalize(req)
	if err != nil {
		return models.JobStatus{}, err
	}

	var (
		source  *models.MediaSource
		variant models.VariantDescriptor
	)
	if req.Destination == "" {
		source, err = c.resolver.Resolve(ctx, req.URL)
		if err != nil {
			return models.JobStatus{}, err
		}
		variant, err = utils.SelectVariant(source, req.Mode, quality, req.FormatID)
		if err != nil {
			return models.JobStatus{}, &models.ResolutionError{Kind: models.ErrNotFound, URL: req.URL, Err: err}
		}
		ext := utils.OutputExt(req.Mode, variant, req.AudioFormat, req.Container)
		req.Destination = utils.DestinationPath(c.opts.DownloadDir, source.Title, source.VideoID, ext)
	} else if !filepath.IsAbs(req.Destination) {
		req.Destination = filepath.Join(c.opts.DownloadDir, req.Destination)
	}

	job := models.NewJob(uuid.NewString(), req)
	if source != nil {
		job.Bind(source, variant)
	}

	c.mu.Lock()
	if _, err := c.queue.Enqueue(job); err != nil {
		c.mu.Unlock()
		c.logger.WithFields(logrus.Fields{
			"url":         req.URL,
			"destination": req.Destination,
		}).WithError(err).Warn("Job rejected")
		return models.JobStatus{}, err
	}
	c.jobs[job.ID] = job
	c.order = append(c.order, job.ID)
	// published under the lock so a worker cannot report on the job first
	c.publish(job)
	c.mu.Unlock()

	c.metrics.JobsPending.Set(float64(c.queue.Pending()))
	c.logger.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"url":         job.URL,
		"mode":        job.Mode,
		"destination": job.Destination,
	}).Info("Job queued")

	return job.Status(), nil
}

// normalize fills defaults and rejects requests that cannot succeed
func (c *JobController) normalize(req models.JobRequest) (models.JobRequest, utils.Quality, error) {
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return req, utils.Quality{}, fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}

	if req.Mode == "" {
		req.Mode = models.OutputModeVideo
	}
	if !req.Mode.Valid() {
		return req, utils.Quality{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, req.Mode)
	}

	if req.Quality == "" {
		req.Quality = c.opts.DefaultQuality
	}
	quality, err := utils.ParseQuality(req.Quality)
	if err != nil {
		return req, utils.Quality{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Quality = quality.Name

	switch req.Mode {
	case models.OutputModeAudio:
		if req.AudioFormat == "" {
			req.AudioFormat = c.opts.AudioFormat
		}
		req.AudioFormat = strings.ToLower(req.AudioFormat)
		if !slices.Contains(postprocess.SupportedAudioFormats(), req.AudioFormat) {
			return req, quality, fmt.Errorf("%w: audio format %q is not supported", ErrInvalidRequest, req.AudioFormat)
		}
		if req.AudioBitrate == "" {
			req.AudioBitrate = c.opts.AudioBitrate
		}
	case models.OutputModeRecontainer:
		if req.Container == "" {
			req.Container = "mkv"
		}
		req.Container = strings.ToLower(req.Container)
		if !slices.Contains(postprocess.SupportedContainers(), req.Container) {
			return req, quality, fmt.Errorf("%w: container %q is not supported", ErrInvalidRequest, req.Container)
		}
	}

	if req.SpeedLimit <= 0 {
		req.SpeedLimit = c.SpeedLimit()
	}
	return req, quality, nil
}

// Cancel stops a job. A queued job is removed at once; a running one stops at
// its next chunk or step. It returns false when the job already finished.
func (c *JobController) Cancel(id string) (bool, error) {
	job := c.job(id)
	if job == nil {
		return false, &models.QueueError{Kind: models.ErrJobNotFound, JobID: id}
	}

	switch c.queue.Cancel(queue.Handle(id)) {
	case queue.CancelRemoved:
		c.logger.WithField("job_id", id).Info("Queued job cancelled")
		c.emit(job)
		c.finish(job)
		return true, nil
	case queue.CancelSignalled:
		c.logger.WithField("job_id", id).Info("Cancelling running job")
		c.mu.RLock()
		cancel := c.cancels[id]
		c.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		return true, nil
	default:
		return false, nil
	}
}

// SetSpeedLimit sets the default limit for new jobs and applies it to every
// unfinished job, including running transfers
func (c *JobController) SetSpeedLimit(limit int64) {
	if limit < 0 {
		limit = 0
	}

	c.mu.Lock()
	c.speedLimit = limit
	var unfinished []*models.Job
	for _, job := range c.jobs {
		if !job.State().IsTerminal() {
			unfinished = append(unfinished, job)
		}
	}
	c.mu.Unlock()

	for _, job := range unfinished {
		job.SetSpeedLimit(limit)
	}
	c.metrics.SpeedLimit.Set(float64(limit))

	c.logger.WithFields(logrus.Fields{
		"speed_limit": utils.FormatSpeed(limit),
		"jobs":        len(unfinished),
	}).Info("Speed limit changed")
}

// SetJobSpeedLimit changes the limit of a single job
func (c *JobController) SetJobSpeedLimit(id string, limit int64) error {
	job := c.job(id)
	if job == nil {
		return &models.QueueError{Kind: models.ErrJobNotFound, JobID: id}
	}
	job.SetSpeedLimit(limit)
	return nil
}

// SpeedLimit returns the default limit for new jobs
func (c *JobController) SpeedLimit() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.speedLimit
}

// Get returns the status of a job
func (c *JobController) Get(id string) (models.JobStatus, error) {
	job := c.job(id)
	if job == nil {
		return models.JobStatus{}, &models.QueueError{Kind: models.ErrJobNotFound, JobID: id}
	}
	return job.Status(), nil
}

// List returns every known job in enqueue order
func (c *JobController) List() []models.JobStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := make([]models.JobStatus, 0, len(c.order))
	for _, id := range c.order {
		list = append(list, c.jobs[id].Status())
	}
	return list
}

// Subscribe calls fn for every status event, in order, until cancel is called
func (c *JobController) Subscribe(fn func(models.StatusEvent)) (cancel func()) {
	return c.bus.Subscribe(fn)
}

// Stats returns queue and subscriber counts
func (c *JobController) Stats() Stats {
	c.mu.RLock()
	total := len(c.jobs)
	limit := c.speedLimit
	c.mu.RUnlock()

	return Stats{
		Pending:        c.queue.Pending(),
		Active:         c.queue.Active(),
		Total:          total,
		MaxConcurrency: c.queue.MaxConcurrency(),
		SpeedLimit:     limit,
		Subscribers:    c.bus.Subscribers(),
	}
}

// History returns finished jobs, newest first
func (c *JobController) History(limit int) ([]*models.HistoryEntry, error) {
	if c.history == nil {
		return nil, nil
	}
	return c.history.ListHistory(limit)
}

// ClearHistory deletes every history entry
func (c *JobController) ClearHistory() error {
	if c.history == nil {
		return nil
	}
	if err := c.history.ClearHistory(); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	c.logger.Info("History cleared")
	return nil
}

// ForgetFinished drops finished jobs older than cutoff from memory and
// returns how many were dropped. Their history entries are kept.
func (c *JobController) ForgetFinished(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.order[:0]
	dropped := 0
	for _, id := range c.order {
		st := c.jobs[id].Status()
		if st.State.IsTerminal() && st.FinishedAt != nil && st.FinishedAt.Before(cutoff) {
			delete(c.jobs, id)
			dropped++
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	return dropped
}

func (c *JobController) job(id string) *models.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jobs[id]
}

// runJob takes one job from Queued to a terminal state
func (c *JobController) runJob(workerCtx context.Context, job *models.Job, worker int) {
	ctx, cancel := context.WithCancel(workerCtx)
	defer cancel()

	c.mu.Lock()
	c.cancels[job.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, job.ID)
		c.mu.Unlock()
	}()

	ctx, span := c.tracer.Start(ctx, "job", trace.WithAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("url", job.URL),
		attribute.String("mode", string(job.Mode)),
	))
	defer span.End()

	logger := c.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"worker": worker,
	})
	c.metrics.JobsPending.Set(float64(c.queue.Pending()))
	c.metrics.JobsActive.Set(float64(c.queue.Active()))

	if job.CancelRequested() {
		c.cancelled(job, "", logger)
		return
	}

	// Resolving
	if job.Source() == nil {
		if !c.advance(job, models.JobStateResolving, "") {
			return
		}
		if err := c.resolve(ctx, job); err != nil {
			c.stop(ctx, job, err, "", span, logger)
			return
		}
	}
	variant := job.Variant()

	// Downloading
	if !c.advance(job, models.JobStateDownloading, "") {
		return
	}
	target := job.Destination
	if job.Mode.RequiresPostProcessing() {
		target = rawPath(job.Destination, job.ID, variant.Ext)
	}

	result, err := c.download(ctx, job, target)
	if err != nil {
		c.stop(ctx, job, err, "", span, logger)
		return
	}
	output, size := result.Path, result.Bytes

	// PostProcessing
	if job.Mode.RequiresPostProcessing() {
		if !c.advance(job, models.JobStatePostProcessing, target) {
			return
		}
		output, err = c.postProcess(ctx, job, target)
		if err != nil {
			c.stop(ctx, job, err, target, span, logger)
			return
		}
		if info, err := os.Stat(output); err == nil {
			size = info.Size()
		}
	}

	// a cancel that lands after the last chunk still discards the artifact
	job.SetOutput(output, size)
	if !c.advance(job, models.JobStateCompleted, output) {
		return
	}
	c.metrics.BytesDownloaded.Add(float64(result.Bytes))
	c.finish(job)

	span.SetStatus(codes.Ok, "")
	logger.WithFields(logrus.Fields{
		"output": output,
		"bytes":  size,
	}).Info("Job completed")
}

func (c *JobController) resolve(ctx context.Context, job *models.Job) error {
	ctx, span := c.tracer.Start(ctx, "resolve")
	defer span.End()
	defer c.observe("resolve", time.Now())

	source, err := c.resolver.Resolve(ctx, job.URL)
	if err != nil {
		span.RecordError(err)
		return err
	}

	quality, _ := utils.ParseQuality(job.Quality)
	variant, err := utils.SelectVariant(source, job.Mode, quality, job.FormatID)
	if err != nil {
		return &models.ResolutionError{Kind: models.ErrNotFound, URL: job.URL, Err: err}
	}
	job.Bind(source, variant)
	span.SetAttributes(attribute.String("variant", variant.FormatID))
	return nil
}

func (c *JobController) download(ctx context.Context, job *models.Job, target string) (*fetch.Result, error) {
	ctx, span := c.tracer.Start(ctx, "fetch", trace.WithAttributes(attribute.String("target", target)))
	defer span.End()
	defer c.observe("fetch", time.Now())

	throttle := fetch.NewThrottle(job.SpeedLimit())
	job.OnSpeedLimitChange(throttle.SetLimit)
	defer job.OnSpeedLimitChange(nil)

	progress := c.progressReporter(job)
	result, err := c.fetcher.Run(ctx, job, target, throttle, func(written, total int64) {
		if total > 0 {
			progress(float64(written) / float64(total))
		}
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("bytes", result.Bytes))
	return result, nil
}

func (c *JobController) postProcess(ctx context.Context, job *models.Job, raw string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "postprocess")
	defer span.End()
	defer c.observe("postprocess", time.Now())

	variant := job.Variant()
	conv := postprocess.Conversion{
		Mode:         job.Mode,
		AudioFormat:  job.AudioFormat,
		AudioBitrate: job.AudioBitrate,
		Container:    job.Container,
		VideoCodec:   variant.VideoCodec,
		AudioCodec:   variant.AudioCodec,
		Output:       job.Destination,
	}
	if source := job.Source(); source != nil {
		conv.Duration = source.Duration
	}

	output, err := c.processor.Process(ctx, raw, conv, c.progressReporter(job))
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return output, nil
}

// progressReporter updates the job and emits progress events at most once
// per interval
func (c *JobController) progressReporter(job *models.Job) func(float64) {
	limiter := &rate.Sometimes{Interval: c.opts.ProgressInterval}
	return func(fraction float64) {
		job.SetProgress(fraction)
		limiter.Do(func() { c.emit(job) })
	}
}

// advance moves a running job to the next stage, or to Cancelled when a
// cancel was requested meanwhile. leftover is the file the job produced so
// far, removed on cancel.
func (c *JobController) advance(job *models.Job, to models.JobState, leftover string) bool {
	if job.CancelRequested() {
		c.cancelled(job, leftover, c.logger.WithField("job_id", job.ID))
		return false
	}
	if !job.Transition(to, nil) {
		c.logger.WithFields(logrus.Fields{
			"job_id": job.ID,
			"from":   job.State(),
			"to":     to,
		}).Error("Invalid job transition")
		return false
	}
	c.emit(job)
	return true
}

// stop ends a job after a stage error: Cancelled when the error comes from a
// cancel request or shutdown, Failed otherwise
func (c *JobController) stop(ctx context.Context, job *models.Job, err error, raw string, span trace.Span, logger *logrus.Entry) {
	if job.CancelRequested() || ctx.Err() != nil || fetch.IsCancelled(err) {
		c.cancelled(job, raw, logger)
		return
	}

	if job.Transition(models.JobStateFailed, err) {
		kind := models.KindOf(err)
		c.metrics.Errors.WithLabelValues(string(kind)).Inc()
		span.SetStatus(codes.Error, string(kind))
		logger.WithFields(logrus.Fields{
			"kind":  kind,
			"cause": models.Cause(err),
		}).WithError(err).Error("Job failed")
		c.emit(job)
		c.finish(job)
	}
}

// cancelled moves a job to Cancelled and removes the file it left behind,
// if any
func (c *JobController) cancelled(job *models.Job, leftover string, logger *logrus.Entry) {
	if leftover != "" {
		os.Remove(leftover)
		if job.Output() == leftover {
			job.SetOutput("", 0)
		}
	}
	if job.Transition(models.JobStateCancelled, nil) {
		logger.Info("Job cancelled")
		c.emit(job)
		c.finish(job)
	}
}

// finish releases the job's queue slot and records it
func (c *JobController) finish(job *models.Job) {
	c.queue.Release(job)

	st := job.Status()
	c.metrics.JobsTotal.WithLabelValues(string(st.State)).Inc()
	c.metrics.JobsActive.Set(float64(c.queue.Active()))
	c.metrics.JobsPending.Set(float64(c.queue.Pending()))

	if c.history == nil {
		return
	}
	if err := c.history.AppendHistory(models.NewHistoryEntry(st), c.opts.HistoryLimit); err != nil {
		c.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to record history")
	}
}

func (c *JobController) observe(stage string, start time.Time) {
	c.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// emit publishes the job's current status
func (c *JobController) emit(job *models.Job) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.publish(job)
}

// publish requires c.mu to be held
func (c *JobController) publish(job *models.Job) {
	st := job.Status()
	c.bus.Publish(models.StatusEvent{
		JobID:    st.ID,
		State:    st.State,
		Progress: st.Progress,
		Error:    st.Error,
		Output:   st.Output,
	})
}

// rawPath names the fetched file of a job that is post-processed:
// "song.mp3" with a webm variant gives "song.<job id>.raw.webm". The job id
// keeps jobs that convert the same source to different targets apart.
func rawPath(destination, jobID, ext string) string {
	if ext == "" {
		ext = "bin"
	}
	return strings.TrimSuffix(destination, filepath.Ext(destination)) + "." + jobID + ".raw." + ext
}
