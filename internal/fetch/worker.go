package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/ytgrab/internal/models"
	"github.com/amaumene/ytgrab/internal/services/stream"
)

const (
	// PartSuffix marks files still being written
	PartSuffix       = ".part"
	defaultChunkSize = 32 * 1024
)

// ErrCancelled is wrapped in the FetchError returned when the job's cancel
// flag stopped the transfer
var ErrCancelled = errors.New("transfer cancelled")

// Opener opens the byte stream of a variant
type Opener interface {
	Open(ctx context.Context, variant models.VariantDescriptor) (*stream.Stream, error)
}

// ProgressFunc receives the bytes written so far and the expected total
// (0 when unknown)
type ProgressFunc func(written, total int64)

// Result describes a completed transfer
type Result struct {
	Path     string
	Bytes    int64
	Checksum string // hex sha256 of the written bytes
	Elapsed  time.Duration
}

// Worker streams one variant to disk
type Worker struct {
	opener    Opener
	chunkSize int
	logger    *logrus.Logger
}

// NewWorker creates a fetch worker
func NewWorker(opener Opener, logger *logrus.Logger) *Worker {
	return &Worker{
		opener:    opener,
		chunkSize: defaultChunkSize,
		logger:    logger,
	}
}

// Run downloads the job's chosen variant to target. Bytes go to
// target+".part" which is renamed on success and removed on any failure.
// The cancel flag and ctx are checked between chunks.
func (w *Worker) Run(ctx context.Context, job *models.Job, target string, throttle *Throttle, progress ProgressFunc) (*Result, error) {
	variant := job.Variant()
	if variant == nil {
		return nil, &models.FetchError{Kind: models.ErrInterrupted, Path: target, Err: errors.New("no variant selected")}
	}
	if throttle == nil {
		throttle = NewThrottle(0)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, &models.FetchError{Kind: diskKind(err), Path: target, Err: err}
	}

	src, err := w.opener.Open(ctx, *variant)
	if err != nil {
		if job.CancelRequested() || errors.Is(ctx.Err(), context.Canceled) {
			return nil, &models.FetchError{Kind: models.ErrInterrupted, Path: target, Err: ErrCancelled}
		}
		var fe *models.FetchError
		if errors.As(err, &fe) {
			fe.Path = target
			return nil, fe
		}
		return nil, &models.FetchError{Kind: models.ErrInterrupted, Path: target, Err: err}
	}
	defer src.Body.Close()

	total := variant.EstimatedSize()
	if src.ContentLength > 0 {
		total = src.ContentLength
	}

	partPath := target + PartSuffix
	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, &models.FetchError{Kind: diskKind(err), Path: target, Err: err}
	}

	start := time.Now()
	result, err := w.copy(ctx, job, file, src, throttle, total, progress)
	closeErr := file.Close()
	if err == nil && closeErr != nil {
		err = &models.FetchError{Kind: diskKind(closeErr), Err: closeErr}
	}
	if err == nil {
		err = verify(*variant, src.ContentLength, result)
	}
	if err == nil {
		if renameErr := os.Rename(partPath, target); renameErr != nil {
			err = &models.FetchError{Kind: diskKind(renameErr), Err: renameErr}
		}
	}
	if err != nil {
		os.Remove(partPath)
		var fe *models.FetchError
		if errors.As(err, &fe) {
			fe.Path = target
		}
		return nil, err
	}

	result.Path = target
	result.Elapsed = time.Since(start)

	w.logger.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"path":    target,
		"bytes":   result.Bytes,
		"elapsed": result.Elapsed.Round(time.Millisecond).String(),
	}).Info("Transfer completed")
	return result, nil
}

func (w *Worker) copy(ctx context.Context, job *models.Job, dst io.Writer, src *stream.Stream, throttle *Throttle, total int64, progress ProgressFunc) (*Result, error) {
	hasher := sha256.New()
	out := io.MultiWriter(dst, hasher)
	buf := make([]byte, w.chunkSize)

	var written int64
	for {
		if job.CancelRequested() || ctx.Err() != nil {
			return nil, &models.FetchError{Kind: models.ErrInterrupted, Err: ErrCancelled}
		}

		n, readErr := src.Body.Read(buf)
		if n > 0 {
			if err := throttle.WaitN(ctx, n); err != nil {
				return nil, &models.FetchError{Kind: models.ErrInterrupted, Err: ErrCancelled}
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return nil, &models.FetchError{Kind: diskKind(err), Err: err}
			}
			written += int64(n)
			if progress != nil {
				progress(written, total)
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if job.CancelRequested() || ctx.Err() != nil {
				return nil, &models.FetchError{Kind: models.ErrInterrupted, Err: ErrCancelled}
			}
			return nil, &models.FetchError{Kind: models.ErrInterrupted, Err: readErr}
		}
	}

	return &Result{Bytes: written, Checksum: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// verify checks the written file against what the backend and the server
// announced
func verify(variant models.VariantDescriptor, contentLength int64, result *Result) error {
	if contentLength > 0 && result.Bytes != contentLength {
		return &models.FetchError{Kind: models.ErrInterrupted, Err: fmt.Errorf("stream ended after %d of %d bytes", result.Bytes, contentLength)}
	}
	if variant.Size > 0 && result.Bytes != variant.Size {
		return &models.FetchError{Kind: models.ErrCorrupt, Err: fmt.Errorf("wrote %d bytes, expected %d", result.Bytes, variant.Size)}
	}
	if variant.Checksum != "" && !strings.EqualFold(variant.Checksum, result.Checksum) {
		return &models.FetchError{Kind: models.ErrCorrupt, Err: fmt.Errorf("sha256 %s does not match %s", result.Checksum, variant.Checksum)}
	}
	return nil
}

// IsCancelled reports whether err is the result of a cancel request
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

func diskKind(err error) models.ErrorKind {
	if errors.Is(err, syscall.ENOSPC) {
		return models.ErrDiskFull
	}
	return models.ErrInterrupted
}
