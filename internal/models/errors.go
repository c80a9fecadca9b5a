package models

import (
	"errors"
	"fmt"
)

// ErrorKind identifies the cause of a pipeline failure. Kinds are comparable
// sentinels, so errors.Is(err, models.ErrNotFound) works on any wrapped pipeline error.
type ErrorKind string

func (k ErrorKind) Error() string {
	return string(k)
}

// Resolution error kinds
const (
	ErrInvalidURL     ErrorKind = "invalid_url"
	ErrNotFound       ErrorKind = "not_found"
	ErrUnavailable    ErrorKind = "unavailable"
	ErrNetworkError   ErrorKind = "network_error"
	ErrParseError     ErrorKind = "parse_error"
	ErrBackendMissing ErrorKind = "backend_missing"
)

// Fetch error kinds
const (
	ErrInterrupted ErrorKind = "interrupted"
	ErrDiskFull    ErrorKind = "disk_full"
	ErrForbidden   ErrorKind = "forbidden"
	ErrCorrupt     ErrorKind = "corrupt"
)

// Process error kinds
const (
	ErrEngineMissing    ErrorKind = "engine_missing"
	ErrUnsupportedCodec ErrorKind = "unsupported_codec"
	ErrEngineCrashed    ErrorKind = "engine_crashed"
)

// Queue error kinds
const (
	ErrDuplicateDestination ErrorKind = "duplicate_destination"
	ErrQueueFull            ErrorKind = "queue_full"
	ErrJobNotFound          ErrorKind = "job_not_found"
)

var causes = map[ErrorKind]string{
	ErrInvalidURL:           "not a supported media link",
	ErrNotFound:             "video not found or has no downloadable formats",
	ErrUnavailable:          "video is unavailable (private, removed or geo-blocked)",
	ErrNetworkError:         "network error while contacting the media site",
	ErrParseError:           "could not read the extraction backend response",
	ErrBackendMissing:       "yt-dlp is not installed",
	ErrInterrupted:          "transfer was interrupted",
	ErrDiskFull:             "not enough disk space",
	ErrForbidden:            "access to the media stream was refused",
	ErrCorrupt:              "downloaded file failed the integrity check",
	ErrEngineMissing:        "ffmpeg is not installed",
	ErrUnsupportedCodec:     "the requested output format is not supported",
	ErrEngineCrashed:        "ffmpeg failed while converting",
	ErrDuplicateDestination: "another job is already writing to this destination",
	ErrQueueFull:            "download queue is full",
	ErrJobNotFound:          "job not found",
}

// ResolutionError is returned by the format resolver
type ResolutionError struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("resolve %s: %s", e.URL, e.Kind)
}

func (e *ResolutionError) Unwrap() error        { return e.Err }
func (e *ResolutionError) Is(target error) bool { return target == e.Kind }
func (e *ResolutionError) ErrorKind() ErrorKind { return e.Kind }

// FetchError is returned by the fetch worker
type FetchError struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.Path, e.Kind)
}

func (e *FetchError) Unwrap() error        { return e.Err }
func (e *FetchError) Is(target error) bool { return target == e.Kind }
func (e *FetchError) ErrorKind() ErrorKind { return e.Kind }

// ProcessError is returned by the post-processor
type ProcessError struct {
	Kind   ErrorKind
	Input  string
	Detail string // last lines of engine output, if any
	Err    error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("process %s: %s", e.Input, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *ProcessError) Unwrap() error        { return e.Err }
func (e *ProcessError) Is(target error) bool { return target == e.Kind }
func (e *ProcessError) ErrorKind() ErrorKind { return e.Kind }

// QueueError is returned when the job queue rejects an operation
type QueueError struct {
	Kind  ErrorKind
	JobID string
	Path  string
}

func (e *QueueError) Error() string {
	switch {
	case e.Path != "":
		return fmt.Sprintf("queue: %s: %s", e.Kind, e.Path)
	case e.JobID != "":
		return fmt.Sprintf("queue: %s: %s", e.Kind, e.JobID)
	default:
		return "queue: " + string(e.Kind)
	}
}

func (e *QueueError) Is(target error) bool { return target == e.Kind }
func (e *QueueError) ErrorKind() ErrorKind { return e.Kind }

// KindOf extracts the pipeline error kind from err, or "" for foreign errors
func KindOf(err error) ErrorKind {
	var k interface{ ErrorKind() ErrorKind }
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	var kind ErrorKind
	if errors.As(err, &kind) {
		return kind
	}
	return ""
}

// Cause returns the human readable reason shown to users for a failed job
func Cause(err error) string {
	if err == nil {
		return ""
	}
	if msg, ok := causes[KindOf(err)]; ok {
		return msg
	}
	return err.Error()
}
