package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/ytgrab/internal/models"
)

const (
	defaultExecutable  = "ffmpeg"
	progressTimePrefix = "out_time_us="
	stderrTailLines    = 8
)

// Engine runs the ffmpeg command line tool
type Engine struct {
	path   string
	logger *logrus.Logger
}

// NewEngine returns an engine for the given binary, "ffmpeg" on PATH when empty
func NewEngine(path string, logger *logrus.Logger) *Engine {
	if path == "" {
		path = defaultExecutable
	}
	return &Engine{path: path, logger: logger}
}

// Path returns the configured binary
func (e *Engine) Path() string {
	return e.path
}

// Available checks if ffmpeg is executable
func (e *Engine) Available() bool {
	_, err := exec.LookPath(e.path)
	return err == nil
}

// Version runs "ffmpeg -version" and returns its first line
func (e *Engine) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, e.path, "-version").Output()
	if err != nil {
		if missing(err) {
			return "", &models.ProcessError{Kind: models.ErrEngineMissing, Err: err}
		}
		return "", fmt.Errorf("failed to run ffmpeg -version: %w", err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// Run executes ffmpeg with args and writes output, reporting the fraction of
// duration encoded so far to progress. Progress is not reported when duration
// is unknown. Cancelling ctx kills the process.
func (e *Engine) Run(ctx context.Context, args []string, output string, duration time.Duration, progress func(float64)) error {
	full := []string{"-hide_banner", "-nostdin", "-y"}
	full = append(full, args...)
	full = append(full, "-progress", "pipe:1", "-nostats", output)

	cmd := exec.CommandContext(ctx, e.path, full...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	tail := &tailWriter{max: stderrTailLines}
	cmd.Stderr = tail

	e.logger.WithFields(logrus.Fields{
		"args": strings.Join(full, " "),
	}).Debug("Starting ffmpeg")

	if err := cmd.Start(); err != nil {
		if missing(err) {
			return &models.ProcessError{Kind: models.ErrEngineMissing, Err: err}
		}
		return &models.ProcessError{Kind: models.ErrEngineCrashed, Err: fmt.Errorf("failed to start ffmpeg: %w", err)}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		MonitorProgress(stdout, duration, progress)
	}()

	<-done
	err = cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		detail := tail.String()
		return &models.ProcessError{Kind: classify(detail), Detail: detail, Err: err}
	}
	return nil
}

// MonitorProgress parses "-progress" key=value output until r is exhausted
func MonitorProgress(r io.Reader, duration time.Duration, progress func(float64)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Parse progress line: out_time_us=123456
		if !strings.HasPrefix(line, progressTimePrefix) || duration <= 0 || progress == nil {
			continue
		}
		us, err := strconv.ParseInt(strings.TrimPrefix(line, progressTimePrefix), 10, 64)
		if err != nil || us < 0 {
			continue
		}

		fraction := float64(us) / float64(duration.Microseconds())
		if fraction > 1.0 {
			fraction = 1.0
		}
		progress(fraction)
	}
}

func missing(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

var unsupportedMarkers = []string{
	"unknown encoder",
	"encoder not found",
	"could not find tag for codec",
	"not currently supported in container",
	"unsupported codec",
	"does not support",
	"incorrect codec parameters",
	"automatic encoder selection failed",
}

// classify maps ffmpeg diagnostics to a process error kind
func classify(stderr string) models.ErrorKind {
	msg := strings.ToLower(stderr)
	for _, m := range unsupportedMarkers {
		if strings.Contains(msg, m) {
			return models.ErrUnsupportedCodec
		}
	}
	return models.ErrEngineCrashed
}

// tailWriter keeps the last max lines written to it
type tailWriter struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial string
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	parts := strings.Split(w.partial+string(p), "\n")
	w.partial = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		if line = strings.TrimSpace(line); line != "" {
			w.lines = append(w.lines, line)
		}
	}
	if len(w.lines) > w.max {
		w.lines = w.lines[len(w.lines)-w.max:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	lines := w.lines
	if p := strings.TrimSpace(w.partial); p != "" {
		lines = append(append([]string(nil), lines...), p)
	}
	return strings.Join(lines, "; ")
}
