package models

import (
	"sync"
	"sync/atomic"
	"time"
)

// JobRequest carries everything a caller specifies when asking for a download
type JobRequest struct {
	URL          string     `json:"url"`
	FormatID     string     `json:"format_id,omitempty"` // explicit variant, wins over Quality
	Quality      string     `json:"quality,omitempty"`   // preset such as "1080p", "audio", "best"
	Mode         OutputMode `json:"mode"`
	AudioFormat  string     `json:"audio_format,omitempty"`  // mp3, m4a, opus, flac, wav
	AudioBitrate string     `json:"audio_bitrate,omitempty"` // kbps: 128, 192, 320
	Container    string     `json:"container,omitempty"`     // recontainer target: mkv, mp4, webm, mov
	SpeedLimit   int64      `json:"speed_limit,omitempty"`   // bytes per second, 0 = controller default
	Destination  string     `json:"destination,omitempty"`   // final artifact path
}

// Job represents one download-and-optionally-convert operation.
//
// Identity fields are set once by NewJob. Everything the pipeline mutates is
// behind the mutex and reached through methods.
type Job struct {
	ID           string
	URL          string
	FormatID     string
	Quality      string
	Mode         OutputMode
	AudioFormat  string
	AudioBitrate string
	Container    string
	Destination  string
	CreatedAt    time.Time

	mu         sync.RWMutex
	state      JobState
	progress   float64
	source     *MediaSource
	variant    *VariantDescriptor
	speedLimit int64
	onLimit    func(int64)
	err        error
	output     string
	bytes      int64
	startedAt  time.Time
	finishedAt time.Time

	cancelled atomic.Bool
}

// NewJob creates a queued job from a request
func NewJob(id string, req JobRequest) *Job {
	return &Job{
		ID:           id,
		URL:          req.URL,
		FormatID:     req.FormatID,
		Quality:      req.Quality,
		Mode:         req.Mode,
		AudioFormat:  req.AudioFormat,
		AudioBitrate: req.AudioBitrate,
		Container:    req.Container,
		Destination:  req.Destination,
		CreatedAt:    time.Now(),
		state:        JobStateQueued,
		speedLimit:   req.SpeedLimit,
	}
}

// State returns the current state
func (j *Job) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Transition moves the job to a new state. It returns false, leaving the job
// untouched, when the state machine does not allow the move.
func (j *Job) Transition(to JobState, err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !CanTransition(j.state, to) {
		return false
	}

	now := time.Now()
	if j.state == JobStateQueued {
		j.startedAt = now
	}
	j.state = to

	switch to {
	case JobStateFailed:
		j.err = err
		j.finishedAt = now
	case JobStateCancelled:
		j.finishedAt = now
	case JobStateCompleted:
		j.progress = 1.0
		j.finishedAt = now
	case JobStateDownloading, JobStatePostProcessing:
		// each stage reports its own fraction
		j.progress = 0
	}
	return true
}

// Progress returns the fraction [0,1] of the current stage
func (j *Job) Progress() float64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.progress
}

// SetProgress records stage progress, clamped to [0,1]
func (j *Job) SetProgress(fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	j.mu.Lock()
	j.progress = fraction
	j.mu.Unlock()
}

// Source returns the resolved media source, nil until resolved
func (j *Job) Source() *MediaSource {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.source
}

// Variant returns the chosen variant, nil until selected
func (j *Job) Variant() *VariantDescriptor {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.variant
}

// Bind attaches the resolved source and the selected variant
func (j *Job) Bind(source *MediaSource, variant VariantDescriptor) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.source = source
	j.variant = &variant
}

// SpeedLimit returns the byte-rate cap, 0 meaning unlimited
func (j *Job) SpeedLimit() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.speedLimit
}

// SetSpeedLimit changes the byte-rate cap and notifies a running transfer
func (j *Job) SetSpeedLimit(limit int64) {
	if limit < 0 {
		limit = 0
	}
	j.mu.Lock()
	j.speedLimit = limit
	hook := j.onLimit
	j.mu.Unlock()

	if hook != nil {
		hook(limit)
	}
}

// OnSpeedLimitChange registers the callback of the transfer currently running
// for this job. Passing nil detaches it.
func (j *Job) OnSpeedLimitChange(fn func(int64)) {
	j.mu.Lock()
	j.onLimit = fn
	j.mu.Unlock()
}

// Err returns the error recorded when the job failed
func (j *Job) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

// Output returns the final artifact path once completed
func (j *Job) Output() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.output
}

// SetOutput records the final artifact path and its size
func (j *Job) SetOutput(path string, size int64) {
	j.mu.Lock()
	j.output = path
	j.bytes = size
	j.mu.Unlock()
}

// RequestCancel flags the job for cancellation. It returns false if the job
// was already flagged or is finished.
func (j *Job) RequestCancel() bool {
	if j.State().IsTerminal() {
		return false
	}
	return j.cancelled.CompareAndSwap(false, true)
}

// CancelRequested reports whether a cancel was requested
func (j *Job) CancelRequested() bool {
	return j.cancelled.Load()
}

// Status returns a consistent snapshot for presentation
func (j *Job) Status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()

	st := JobStatus{
		ID:          j.ID,
		URL:         j.URL,
		State:       j.state,
		Progress:    j.progress,
		Mode:        j.Mode,
		Destination: j.Destination,
		Output:      j.output,
		Bytes:       j.bytes,
		SpeedLimit:  j.speedLimit,
		CreatedAt:   j.CreatedAt,
	}
	if j.source != nil {
		st.Title = j.source.Title
	}
	if j.variant != nil {
		st.Variant = j.variant.Label()
	}
	if j.err != nil {
		st.Error = Cause(j.err)
		st.ErrorKind = KindOf(j.err)
	}
	if !j.startedAt.IsZero() {
		started := j.startedAt
		st.StartedAt = &started
	}
	if !j.finishedAt.IsZero() {
		finished := j.finishedAt
		st.FinishedAt = &finished
	}
	return st
}

// JobStatus is a read-only view of a job
type JobStatus struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Title       string     `json:"title,omitempty"`
	State       JobState   `json:"state"`
	Progress    float64    `json:"progress"`
	Mode        OutputMode `json:"mode"`
	Variant     string     `json:"variant,omitempty"`
	Destination string     `json:"destination"`
	Output      string     `json:"output,omitempty"`
	Bytes       int64      `json:"bytes,omitempty"`
	SpeedLimit  int64      `json:"speed_limit,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorKind   ErrorKind  `json:"error_kind,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// StatusEvent is emitted for every state transition and for progress in between
type StatusEvent struct {
	Seq       uint64    `json:"seq"`
	JobID     string    `json:"job_id"`
	State     JobState  `json:"state"`
	Progress  float64   `json:"progress"`
	Error     string    `json:"error,omitempty"`
	Output    string    `json:"output,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
