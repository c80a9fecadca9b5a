package postprocess

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/ytgrab/internal/models"
	"github.com/amaumene/ytgrab/internal/services/ffmpeg"
)

type fakeEngine struct {
	missing bool
	err     error
	block   bool
	args    []string
}

func (f *fakeEngine) Available() bool { return !f.missing }

func (f *fakeEngine) Run(ctx context.Context, args []string, output string, duration time.Duration, progress func(float64)) error {
	f.args = args
	if err := os.WriteFile(output, []byte("partial"), 0644); err != nil {
		return err
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	if progress != nil {
		progress(1)
	}
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func rawFile(t *testing.T) (raw, out string) {
	t.Helper()
	dir := t.TempDir()
	raw = filepath.Join(dir, "song.raw.webm")
	if err := os.WriteFile(raw, []byte("raw media"), 0644); err != nil {
		t.Fatalf("Failed to write raw file: %v", err)
	}
	return raw, filepath.Join(dir, "song.mp3")
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name string
		conv Conversion
		want []string
	}{
		{
			name: "mp3 default bitrate",
			conv: Conversion{Mode: models.OutputModeAudio, AudioCodec: "opus"},
			want: []string{"-i", "in", "-vn", "-map", "0:a:0", "-c:a", "libmp3lame", "-b:a", "192k"},
		},
		{
			name: "mp3 320",
			conv: Conversion{Mode: models.OutputModeAudio, AudioFormat: "mp3", AudioBitrate: "320", AudioCodec: "mp4a.40.2"},
			want: []string{"-i", "in", "-vn", "-map", "0:a:0", "-c:a", "libmp3lame", "-b:a", "320k"},
		},
		{
			name: "m4a copies aac",
			conv: Conversion{Mode: models.OutputModeAudio, AudioFormat: "m4a", AudioCodec: "mp4a.40.2"},
			want: []string{"-i", "in", "-vn", "-map", "0:a:0", "-c:a", "copy"},
		},
		{
			name: "flac ignores bitrate",
			conv: Conversion{Mode: models.OutputModeAudio, AudioFormat: "flac", AudioBitrate: "320"},
			want: []string{"-i", "in", "-vn", "-map", "0:a:0", "-c:a", "flac"},
		},
		{
			name: "mkv copies anything",
			conv: Conversion{Mode: models.OutputModeRecontainer, VideoCodec: "vp9", AudioCodec: "opus"},
			want: []string{"-i", "in", "-map", "0", "-c", "copy"},
		},
		{
			name: "mp4 copies h264/aac",
			conv: Conversion{Mode: models.OutputModeRecontainer, Container: "mp4", VideoCodec: "avc1.64001F", AudioCodec: "mp4a.40.2"},
			want: []string{"-i", "in", "-map", "0", "-c", "copy", "-movflags", "+faststart"},
		},
		{
			name: "mp4 re-encodes vp9/opus",
			conv: Conversion{Mode: models.OutputModeRecontainer, Container: "mp4", VideoCodec: "vp09.00.40.08", AudioCodec: "opus"},
			want: []string{"-i", "in", "-map", "0", "-c:v", "libx264", "-c:a", "aac", "-movflags", "+faststart"},
		},
		{
			name: "webm keeps vp9, re-encodes aac",
			conv: Conversion{Mode: models.OutputModeRecontainer, Container: "webm", VideoCodec: "vp9", AudioCodec: "mp4a.40.2"},
			want: []string{"-i", "in", "-map", "0", "-c:v", "copy", "-c:a", "libopus"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildArgs("in", tt.conv)
			if err != nil {
				t.Fatalf("BuildArgs failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Unexpected args (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildArgsUnsupported(t *testing.T) {
	convs := []Conversion{
		{Mode: models.OutputModeAudio, AudioFormat: "aiff"},
		{Mode: models.OutputModeRecontainer, Container: "avi"},
		{Mode: models.OutputModeVideo},
	}
	for _, conv := range convs {
		if _, err := BuildArgs("in", conv); !errors.Is(err, models.ErrUnsupportedCodec) {
			t.Errorf("Expected UnsupportedCodec for %+v, got %v", conv, err)
		}
	}
}

func TestCodecFamily(t *testing.T) {
	tests := map[string]string{
		"avc1.64001F": "h264",
		"hev1.1.6":    "hevc",
		"av01.0.08M":  "av1",
		"vp09.00.51":  "vp9",
		"vp9":         "vp9",
		"mp4a.40.2":   "aac",
		"mp4a.40.34":  "mp3",
		"opus":        "opus",
		"none":        "",
	}
	for in, want := range tests {
		if got := CodecFamily(in); got != want {
			t.Errorf("CodecFamily(%q) = %q, expected %q", in, got, want)
		}
	}
}

func TestProcessSuccessRemovesRaw(t *testing.T) {
	raw, out := rawFile(t)
	p := New(&fakeEngine{}, testLogger())

	var last float64
	got, err := p.Process(context.Background(), raw, Conversion{Mode: models.OutputModeAudio, Output: out}, func(f float64) { last = f })
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got != out || !exists(out) {
		t.Errorf("Expected output at %s", out)
	}
	if exists(raw) {
		t.Error("Expected raw file to be removed")
	}
	if last != 1 {
		t.Errorf("Expected final progress 1, got %f", last)
	}
}

func TestProcessFailureKeepsRaw(t *testing.T) {
	raw, out := rawFile(t)
	engine := &fakeEngine{err: &models.ProcessError{Kind: models.ErrEngineCrashed, Detail: "Invalid data found"}}
	p := New(engine, testLogger())

	_, err := p.Process(context.Background(), raw, Conversion{Mode: models.OutputModeAudio, Output: out}, nil)
	if !errors.Is(err, models.ErrEngineCrashed) {
		t.Fatalf("Expected EngineCrashed, got %v", err)
	}
	var pe *models.ProcessError
	if errors.As(err, &pe) && pe.Input != raw {
		t.Errorf("Expected input %s on the error, got %s", raw, pe.Input)
	}
	if !exists(raw) {
		t.Error("Expected raw file to be preserved")
	}
	if exists(out) {
		t.Error("Expected partial output to be removed")
	}
}

func TestProcessEngineMissing(t *testing.T) {
	raw, out := rawFile(t)
	p := New(&fakeEngine{missing: true}, testLogger())

	_, err := p.Process(context.Background(), raw, Conversion{Mode: models.OutputModeAudio, Output: out}, nil)
	if !errors.Is(err, models.ErrEngineMissing) {
		t.Fatalf("Expected EngineMissing, got %v", err)
	}
	if !exists(raw) {
		t.Error("Expected raw file to be preserved")
	}
}

func TestProcessCancelDiscardsOutput(t *testing.T) {
	raw, out := rawFile(t)
	p := New(&fakeEngine{block: true}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Process(ctx, raw, Conversion{Mode: models.OutputModeRecontainer, Output: out}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if exists(out) {
		t.Error("Expected partial output to be discarded")
	}
}

func TestProcessWithFFmpeg(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not on PATH")
	}

	dir := t.TempDir()
	raw := filepath.Join(dir, "clip.raw.mkv")
	gen := exec.Command("ffmpeg", "-hide_banner", "-loglevel", "error", "-y",
		"-f", "lavfi", "-i", "testsrc=duration=1:size=160x120:rate=10",
		"-f", "lavfi", "-i", "sine=frequency=440:duration=1",
		"-c:v", "mpeg4", "-c:a", "flac", "-shortest", raw)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("ffmpeg cannot generate test media: %v (%s)", err, out)
	}

	out := filepath.Join(dir, "clip.flac")
	p := New(ffmpeg.NewEngine("", testLogger()), testLogger())

	final, err := p.Process(context.Background(), raw, Conversion{
		Mode:        models.OutputModeAudio,
		AudioFormat: "flac",
		AudioCodec:  "flac",
		Duration:    time.Second,
		Output:      out,
	}, nil)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if exists(raw) {
		t.Error("Expected raw file to be removed")
	}

	probe, err := exec.Command("ffmpeg", "-hide_banner", "-i", final).CombinedOutput()
	if err == nil {
		t.Fatalf("Expected ffmpeg -i without output to exit non-zero")
	}
	if !strings.Contains(string(probe), "Audio: flac") {
		t.Errorf("Expected a flac audio stream, got:\n%s", probe)
	}
	if strings.Contains(string(probe), "Video:") {
		t.Errorf("Expected no video stream, got:\n%s", probe)
	}
}
