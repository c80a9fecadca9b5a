package models

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobState
		want     bool
	}{
		{JobStateQueued, JobStateResolving, true},
		{JobStateQueued, JobStateDownloading, true},
		{JobStateQueued, JobStateCompleted, false},
		{JobStateResolving, JobStateDownloading, true},
		{JobStateResolving, JobStatePostProcessing, false},
		{JobStateDownloading, JobStatePostProcessing, true},
		{JobStateDownloading, JobStateCompleted, true},
		{JobStatePostProcessing, JobStateCompleted, true},
		{JobStatePostProcessing, JobStateDownloading, false},
		{JobStateQueued, JobStateCancelled, true},
		{JobStatePostProcessing, JobStateFailed, true},
		{JobStateCompleted, JobStateFailed, false},
		{JobStateCancelled, JobStateQueued, false},
		{JobStateFailed, JobStateCancelled, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, expected %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestJobLifecycle(t *testing.T) {
	job := NewJob("job-1", JobRequest{URL: "https://youtu.be/abc", Mode: OutputModeAudio})

	if job.State() != JobStateQueued {
		t.Fatalf("Expected new job to be queued, got %s", job.State())
	}
	if !job.Transition(JobStateResolving, nil) {
		t.Fatal("Expected queued -> resolving to be allowed")
	}
	if !job.Transition(JobStateDownloading, nil) {
		t.Fatal("Expected resolving -> downloading to be allowed")
	}

	job.SetProgress(1.7)
	if job.Progress() != 1 {
		t.Errorf("Expected progress clamped to 1, got %f", job.Progress())
	}

	if !job.Transition(JobStatePostProcessing, nil) {
		t.Fatal("Expected downloading -> post_processing to be allowed")
	}
	if job.Progress() != 0 {
		t.Errorf("Expected progress reset on new stage, got %f", job.Progress())
	}

	job.SetOutput("/tmp/out.mp3", 42)
	if !job.Transition(JobStateCompleted, nil) {
		t.Fatal("Expected post_processing -> completed to be allowed")
	}
	if job.Transition(JobStateFailed, errors.New("late")) {
		t.Error("Expected terminal state to be final")
	}

	st := job.Status()
	if st.State != JobStateCompleted || st.Progress != 1 {
		t.Errorf("Expected completed at progress 1, got %s at %f", st.State, st.Progress)
	}
	if st.Output != "/tmp/out.mp3" || st.Bytes != 42 {
		t.Errorf("Unexpected output %q (%d bytes)", st.Output, st.Bytes)
	}
	if st.StartedAt == nil || st.FinishedAt == nil {
		t.Error("Expected start and finish times to be set")
	}
	if st.Error != "" {
		t.Errorf("Expected no error, got %q", st.Error)
	}
}

func TestJobFailureCarriesCause(t *testing.T) {
	job := NewJob("job-2", JobRequest{URL: "https://youtu.be/abc"})
	err := &FetchError{Kind: ErrForbidden, Path: "/tmp/x", Err: errors.New("status 403")}

	job.Transition(JobStateDownloading, nil)
	job.Transition(JobStateFailed, err)

	st := job.Status()
	if st.ErrorKind != ErrForbidden {
		t.Errorf("Expected kind %s, got %s", ErrForbidden, st.ErrorKind)
	}
	if st.Error != causes[ErrForbidden] {
		t.Errorf("Expected cause %q, got %q", causes[ErrForbidden], st.Error)
	}
	if !errors.Is(job.Err(), ErrForbidden) {
		t.Error("Expected errors.Is to match the kind sentinel")
	}
}

func TestJobCancelFlag(t *testing.T) {
	job := NewJob("job-3", JobRequest{})

	if !job.RequestCancel() {
		t.Fatal("Expected first cancel request to succeed")
	}
	if job.RequestCancel() {
		t.Error("Expected second cancel request to be a no-op")
	}
	if !job.CancelRequested() {
		t.Error("Expected cancel flag to be set")
	}

	done := NewJob("job-4", JobRequest{})
	done.Transition(JobStateCancelled, nil)
	if done.RequestCancel() {
		t.Error("Expected cancel of a terminal job to be refused")
	}
}

func TestJobSpeedLimitHook(t *testing.T) {
	job := NewJob("job-5", JobRequest{SpeedLimit: 1000})

	var seen int64 = -1
	job.OnSpeedLimitChange(func(limit int64) { seen = limit })
	job.SetSpeedLimit(2048)

	if seen != 2048 {
		t.Errorf("Expected hook to receive 2048, got %d", seen)
	}
	if job.SpeedLimit() != 2048 {
		t.Errorf("Expected speed limit 2048, got %d", job.SpeedLimit())
	}

	job.OnSpeedLimitChange(nil)
	job.SetSpeedLimit(-5)
	if job.SpeedLimit() != 0 {
		t.Errorf("Expected negative limit to mean unlimited, got %d", job.SpeedLimit())
	}
	if seen != 2048 {
		t.Errorf("Expected detached hook not to fire, got %d", seen)
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("worker: %w", &ResolutionError{Kind: ErrUnavailable, URL: "u"})

	if KindOf(wrapped) != ErrUnavailable {
		t.Errorf("Expected %s, got %s", ErrUnavailable, KindOf(wrapped))
	}
	if KindOf(fmt.Errorf("x: %w", ErrQueueFull)) != ErrQueueFull {
		t.Error("Expected bare kind to be found")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("Expected empty kind for foreign errors")
	}
	if Cause(errors.New("plain")) != "plain" {
		t.Error("Expected foreign errors to fall back to their message")
	}
	if errors.Is(wrapped, ErrNotFound) {
		t.Error("Expected kinds not to match each other")
	}
}

func TestCauseNamesMissingEngine(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{&ResolutionError{Kind: ErrBackendMissing, URL: "u"}, "yt-dlp is not installed"},
		{&ProcessError{Kind: ErrEngineMissing, Input: "raw.webm"}, "ffmpeg is not installed"},
	}
	for _, tt := range tests {
		if got := Cause(tt.err); got != tt.expected {
			t.Errorf("Expected cause %q for %v, got %q", tt.expected, tt.err, got)
		}
	}
}

func TestVariantLabel(t *testing.T) {
	tests := []struct {
		v    VariantDescriptor
		want string
	}{
		{VariantDescriptor{FormatID: "22", Ext: "mp4", Height: 720, VideoCodec: "avc1.64001F", AudioCodec: "mp4a.40.2"}, "720p mp4 (avc1/mp4a)"},
		{VariantDescriptor{FormatID: "140", Ext: "m4a", AudioOnly: true, Bitrate: 128.3, AudioCodec: "mp4a.40.2"}, "audio 128k m4a (mp4a)"},
		{VariantDescriptor{FormatID: "sb0"}, "sb0"},
	}

	for _, tt := range tests {
		if got := tt.v.Label(); got != tt.want {
			t.Errorf("Expected label %q, got %q", tt.want, got)
		}
	}
}

func TestHistoryStore(t *testing.T) {
	db, err := NewDatabase(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		entry := &HistoryEntry{
			JobID:      fmt.Sprintf("job-%d", i),
			State:      JobStateCompleted,
			FinishedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.AppendHistory(entry, 3); err != nil {
			t.Fatalf("Failed to append history: %v", err)
		}
	}

	entries, err := db.ListHistory(0)
	if err != nil {
		t.Fatalf("Failed to list history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected history trimmed to 3 entries, got %d", len(entries))
	}
	if entries[0].JobID != "job-4" || entries[2].JobID != "job-2" {
		t.Errorf("Expected newest first, got %s..%s", entries[0].JobID, entries[2].JobID)
	}

	if _, err := db.GetHistoryByJobID("job-3"); err != nil {
		t.Errorf("Expected job-3 in history: %v", err)
	}

	removed, err := db.PruneHistory(base.Add(3 * time.Minute))
	if err != nil {
		t.Fatalf("Failed to prune history: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 pruned entry, got %d", removed)
	}

	if err := db.ClearHistory(); err != nil {
		t.Fatalf("Failed to clear history: %v", err)
	}
	entries, _ = db.ListHistory(0)
	if len(entries) != 0 {
		t.Errorf("Expected empty history, got %d entries", len(entries))
	}
}
