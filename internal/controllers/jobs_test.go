package controllers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/ytgrab/internal/events"
	"github.com/amaumene/ytgrab/internal/fetch"
	"github.com/amaumene/ytgrab/internal/models"
	"github.com/amaumene/ytgrab/internal/postprocess"
	"github.com/amaumene/ytgrab/internal/services/stream"
)

const waitTimeout = 5 * time.Second

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

var testPayload = bytes.Repeat([]byte("0123456789abcdef"), 4096)

// testServer serves testPayload at /media. /hold sends the first chunk and
// then waits for release or for the client to go away.
type testServer struct {
	*httptest.Server
	release     chan struct{}
	releaseOnce sync.Once
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{release: make(chan struct{})}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(testPayload)))
		switch r.URL.Path {
		case "/media":
			w.Write(testPayload)
		case "/hold":
			w.Write(testPayload[:4096])
			w.(http.Flusher).Flush()
			select {
			case <-ts.release:
				w.Write(testPayload[4096:])
			case <-r.Context().Done():
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ts.Server.Close)
	t.Cleanup(ts.Release)
	return ts
}

func (ts *testServer) Release() {
	ts.releaseOnce.Do(func() { close(ts.release) })
}

// fakeResolver maps watch URLs to sources. Video ids starting with "hold"
// point at /hold, "gone" fails as unavailable.
type fakeResolver struct {
	base string

	mu    sync.Mutex
	calls int
}

func (f *fakeResolver) Resolve(ctx context.Context, url string) (*models.MediaSource, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	id := url[strings.LastIndex(url, "=")+1:]
	if strings.HasPrefix(id, "gone") {
		return nil, &models.ResolutionError{Kind: models.ErrUnavailable, URL: url}
	}
	path := "/media"
	if strings.HasPrefix(id, "hold") {
		path = "/hold"
	}
	size := int64(len(testPayload))
	return &models.MediaSource{
		URL:      url,
		VideoID:  id,
		Title:    "Clip " + id,
		Duration: 10 * time.Second,
		Variants: []models.VariantDescriptor{
			{FormatID: "18", Ext: "mp4", VideoCodec: "avc1.42001E", AudioCodec: "mp4a.40.2", Height: 360, Size: size, URL: f.base + path},
			{FormatID: "22", Ext: "mp4", VideoCodec: "avc1.64001F", AudioCodec: "mp4a.40.2", Height: 720, Size: size, URL: f.base + path},
			{FormatID: "251", Ext: "webm", AudioCodec: "opus", Bitrate: 160, AudioOnly: true, Size: size, URL: f.base + path},
		},
		ResolvedAt: time.Now(),
	}, nil
}

func (f *fakeResolver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeEngine writes a small output file instead of transcoding
type fakeEngine struct{}

func (fakeEngine) Available() bool { return true }

func (fakeEngine) Run(ctx context.Context, args []string, output string, duration time.Duration, progress func(float64)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	progress(0.5)
	return os.WriteFile(output, []byte("converted"), 0644)
}

type harness struct {
	controller *JobController
	recorder   *events.Recorder
	resolver   *fakeResolver
	server     *testServer
	db         *models.Database
	dir        string
}

func newHarness(t *testing.T, maxConcurrency int, start bool) *harness {
	t.Helper()
	logger := testLogger()
	dir := t.TempDir()

	db, err := models.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	server := newTestServer(t)
	resolver := &fakeResolver{base: server.URL}
	controller := NewJobController(
		resolver,
		fetch.NewWorker(stream.NewClient(logger), logger),
		postprocess.New(fakeEngine{}, logger),
		db,
		nil,
		JobOptions{
			DownloadDir:      dir,
			MaxConcurrency:   maxConcurrency,
			DefaultQuality:   "best",
			HistoryLimit:     20,
			ProgressInterval: time.Millisecond,
		},
		logger,
	)

	recorder := events.NewRecorder()
	unsubscribe := controller.Subscribe(recorder.Record)

	if start {
		ctx, cancel := context.WithCancel(context.Background())
		controller.Start(ctx)
		t.Cleanup(func() {
			unsubscribe()
			server.Release()
			cancel()
			controller.Wait()
		})
	} else {
		t.Cleanup(unsubscribe)
	}

	return &harness{
		controller: controller,
		recorder:   recorder,
		resolver:   resolver,
		server:     server,
		db:         db,
		dir:        dir,
	}
}

func watchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

func (h *harness) enqueue(t *testing.T, req models.JobRequest) models.JobStatus {
	t.Helper()
	st, err := h.controller.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("Failed to enqueue %s: %v", req.URL, err)
	}
	return st
}

func (h *harness) waitState(t *testing.T, id string, state models.JobState) {
	t.Helper()
	if !h.recorder.WaitForState(id, state, waitTimeout) {
		t.Fatalf("Expected job %s to reach %s, states were %v", id, state, h.recorder.States(id))
	}
}

func TestJobController_VideoJobCompletes(t *testing.T) {
	h := newHarness(t, 2, true)

	st := h.enqueue(t, models.JobRequest{URL: watchURL("abc"), Quality: "720p"})

	expectedDest := filepath.Join(h.dir, "Clip abc [abc].mp4")
	if st.Destination != expectedDest {
		t.Errorf("Expected destination %s, got %s", expectedDest, st.Destination)
	}
	if st.State != models.JobStateQueued {
		t.Errorf("Expected queued, got %s", st.State)
	}

	h.waitState(t, st.ID, models.JobStateCompleted)

	// resolved at enqueue, so the worker skips resolving
	expected := []models.JobState{models.JobStateQueued, models.JobStateDownloading, models.JobStateCompleted}
	if diff := cmp.Diff(expected, h.recorder.States(st.ID)); diff != "" {
		t.Errorf("Unexpected states (-want +got):\n%s", diff)
	}

	data, err := os.ReadFile(expectedDest)
	if err != nil {
		t.Fatalf("Expected output file: %v", err)
	}
	if !bytes.Equal(data, testPayload) {
		t.Errorf("Expected %d bytes of payload, got %d", len(testPayload), len(data))
	}

	got, err := h.controller.Get(st.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Output != expectedDest || got.Progress != 1 {
		t.Errorf("Expected output %s at progress 1, got %s at %v", expectedDest, got.Output, got.Progress)
	}
	if got.Variant != "720p mp4 (avc1/mp4a)" {
		t.Errorf("Expected 720p variant, got %q", got.Variant)
	}

	entry, err := h.db.GetHistoryByJobID(st.ID)
	if err != nil {
		t.Fatalf("Expected history entry: %v", err)
	}
	if entry.State != models.JobStateCompleted {
		t.Errorf("Expected completed history entry, got %s", entry.State)
	}
}

func TestJobController_ResolvesInWorkerWhenDestinationGiven(t *testing.T) {
	h := newHarness(t, 1, true)

	st := h.enqueue(t, models.JobRequest{URL: watchURL("given"), Destination: "custom.mp4"})
	if st.Destination != filepath.Join(h.dir, "custom.mp4") {
		t.Errorf("Expected relative destination under download dir, got %s", st.Destination)
	}

	h.waitState(t, st.ID, models.JobStateCompleted)

	expected := []models.JobState{
		models.JobStateQueued,
		models.JobStateResolving,
		models.JobStateDownloading,
		models.JobStateCompleted,
	}
	if diff := cmp.Diff(expected, h.recorder.States(st.ID)); diff != "" {
		t.Errorf("Unexpected states (-want +got):\n%s", diff)
	}
	if h.resolver.Calls() != 1 {
		t.Errorf("Expected 1 resolve call, got %d", h.resolver.Calls())
	}
}

func TestJobController_AudioJobRemovesRawFile(t *testing.T) {
	h := newHarness(t, 1, true)

	st := h.enqueue(t, models.JobRequest{URL: watchURL("song"), Mode: models.OutputModeAudio, AudioFormat: "mp3"})
	h.waitState(t, st.ID, models.JobStateCompleted)

	expected := []models.JobState{
		models.JobStateQueued,
		models.JobStateDownloading,
		models.JobStatePostProcessing,
		models.JobStateCompleted,
	}
	if diff := cmp.Diff(expected, h.recorder.States(st.ID)); diff != "" {
		t.Errorf("Unexpected states (-want +got):\n%s", diff)
	}

	output := filepath.Join(h.dir, "Clip song [song].mp3")
	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("Expected converted output: %v", err)
	}
	if string(data) != "converted" {
		t.Errorf("Expected converted content, got %q", data)
	}

	raw := filepath.Join(h.dir, "Clip song [song]."+st.ID+".raw.webm")
	if _, err := os.Stat(raw); !os.IsNotExist(err) {
		t.Errorf("Expected raw file %s to be removed, got %v", raw, err)
	}

	got, _ := h.controller.Get(st.ID)
	if got.Bytes != int64(len("converted")) {
		t.Errorf("Expected output size %d, got %d", len("converted"), got.Bytes)
	}
}

func TestJobController_CancelQueuedJob(t *testing.T) {
	h := newHarness(t, 1, true)

	first := h.enqueue(t, models.JobRequest{URL: watchURL("hold1")})
	h.waitState(t, first.ID, models.JobStateDownloading)

	second := h.enqueue(t, models.JobRequest{URL: watchURL("next")})

	ok, err := h.controller.Cancel(second.ID)
	if err != nil || !ok {
		t.Fatalf("Expected cancel to succeed, got %v, %v", ok, err)
	}
	h.waitState(t, second.ID, models.JobStateCancelled)

	h.server.Release()
	h.waitState(t, first.ID, models.JobStateCompleted)

	expected := []models.JobState{models.JobStateQueued, models.JobStateCancelled}
	if diff := cmp.Diff(expected, h.recorder.States(second.ID)); diff != "" {
		t.Errorf("Unexpected states (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(second.Destination); !os.IsNotExist(err) {
		t.Errorf("Expected no file for cancelled job, got %v", err)
	}

	ok, err = h.controller.Cancel(second.ID)
	if err != nil || ok {
		t.Errorf("Expected second cancel to be a no-op, got %v, %v", ok, err)
	}
}

func TestJobController_CancelWhileDownloading(t *testing.T) {
	h := newHarness(t, 1, true)

	st := h.enqueue(t, models.JobRequest{URL: watchURL("hold2")})
	h.waitState(t, st.ID, models.JobStateDownloading)

	ok, err := h.controller.Cancel(st.ID)
	if err != nil || !ok {
		t.Fatalf("Expected cancel to succeed, got %v, %v", ok, err)
	}
	h.waitState(t, st.ID, models.JobStateCancelled)

	for _, path := range []string{st.Destination, st.Destination + fetch.PartSuffix} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("Expected %s to not exist, got %v", path, err)
		}
	}

	got, _ := h.controller.Get(st.ID)
	if got.Error != "" {
		t.Errorf("Expected no error on cancelled job, got %q", got.Error)
	}
}

func TestJobController_SingleWorkerRunsSerially(t *testing.T) {
	h := newHarness(t, 1, true)

	var ids []string
	for _, id := range []string{"s1", "s2", "s3"} {
		ids = append(ids, h.enqueue(t, models.JobRequest{URL: watchURL(id)}).ID)
	}
	for _, id := range ids {
		h.waitState(t, id, models.JobStateCompleted)
	}

	seq := func(id string, state models.JobState) uint64 {
		ev, ok := h.recorder.WaitFor(waitTimeout, func(ev models.StatusEvent) bool {
			return ev.JobID == id && ev.State == state
		})
		if !ok {
			t.Fatalf("No %s event for %s", state, id)
		}
		return ev.Seq
	}
	for i := 1; i < len(ids); i++ {
		if seq(ids[i-1], models.JobStateCompleted) > seq(ids[i], models.JobStateDownloading) {
			t.Errorf("Expected job %d to start after job %d completed", i+1, i)
		}
	}
}

func TestJobController_ActiveNeverExceedsLimit(t *testing.T) {
	h := newHarness(t, 2, true)

	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, h.enqueue(t, models.JobRequest{URL: watchURL("par" + strconv.Itoa(i))}).ID)
	}
	for _, id := range ids {
		h.waitState(t, id, models.JobStateCompleted)
	}

	active := make(map[string]bool)
	peak := 0
	for _, ev := range h.recorder.Events() {
		if ev.State.IsActive() {
			active[ev.JobID] = true
		} else {
			delete(active, ev.JobID)
		}
		if len(active) > peak {
			peak = len(active)
		}
	}
	if peak > 2 {
		t.Errorf("Expected at most 2 active jobs, got %d", peak)
	}

	stats := h.controller.Stats()
	if stats.Active != 0 || stats.Pending != 0 || stats.Total != 6 {
		t.Errorf("Expected drained queue with 6 jobs, got %+v", stats)
	}
}

func TestJobController_DuplicateDestination(t *testing.T) {
	h := newHarness(t, 1, false)

	h.enqueue(t, models.JobRequest{URL: watchURL("dup1"), Destination: "same.mp4"})

	_, err := h.controller.Enqueue(context.Background(), models.JobRequest{URL: watchURL("dup2"), Destination: "same.mp4"})
	if !errors.Is(err, models.ErrDuplicateDestination) {
		t.Errorf("Expected duplicate destination error, got %v", err)
	}
	if len(h.controller.List()) != 1 {
		t.Errorf("Expected rejected job to be forgotten, got %d jobs", len(h.controller.List()))
	}
}

func TestJobController_ResolutionFailure(t *testing.T) {
	h := newHarness(t, 1, true)

	_, err := h.controller.Enqueue(context.Background(), models.JobRequest{URL: watchURL("gone1")})
	if !errors.Is(err, models.ErrUnavailable) {
		t.Errorf("Expected unavailable error at enqueue, got %v", err)
	}

	st := h.enqueue(t, models.JobRequest{URL: watchURL("gone2"), Destination: "gone.mp4"})
	h.waitState(t, st.ID, models.JobStateFailed)

	got, _ := h.controller.Get(st.ID)
	if got.ErrorKind != models.ErrUnavailable {
		t.Errorf("Expected unavailable kind, got %q", got.ErrorKind)
	}
	if got.Error == "" {
		t.Error("Expected a cause on the failed job")
	}

	history, err := h.controller.History(10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].ErrorKind != models.ErrUnavailable {
		t.Errorf("Expected one failed history entry, got %+v", history)
	}
}

func TestJobController_InvalidRequests(t *testing.T) {
	h := newHarness(t, 1, false)

	tests := []struct {
		name string
		req  models.JobRequest
	}{
		{"missing url", models.JobRequest{}},
		{"unknown mode", models.JobRequest{URL: watchURL("x"), Mode: "karaoke"}},
		{"unknown quality", models.JobRequest{URL: watchURL("x"), Quality: "potato"}},
		{"unsupported audio format", models.JobRequest{URL: watchURL("x"), Mode: models.OutputModeAudio, AudioFormat: "wma"}},
		{"unsupported container", models.JobRequest{URL: watchURL("x"), Mode: models.OutputModeRecontainer, Container: "avi"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.controller.Enqueue(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Expected invalid request error, got %v", err)
			}
		})
	}
	if h.resolver.Calls() != 0 {
		t.Errorf("Expected no resolve calls for invalid requests, got %d", h.resolver.Calls())
	}
}

func TestJobController_SpeedLimit(t *testing.T) {
	h := newHarness(t, 1, false)

	st := h.enqueue(t, models.JobRequest{URL: watchURL("lim"), SpeedLimit: 2048})
	if st.SpeedLimit != 2048 {
		t.Errorf("Expected per-request limit 2048, got %d", st.SpeedLimit)
	}

	h.controller.SetSpeedLimit(1024)
	got, _ := h.controller.Get(st.ID)
	if got.SpeedLimit != 1024 {
		t.Errorf("Expected unfinished job to follow the new limit, got %d", got.SpeedLimit)
	}

	next := h.enqueue(t, models.JobRequest{URL: watchURL("lim2")})
	if next.SpeedLimit != 1024 {
		t.Errorf("Expected new job to inherit 1024, got %d", next.SpeedLimit)
	}

	if err := h.controller.SetJobSpeedLimit(next.ID, 0); err != nil {
		t.Fatalf("SetJobSpeedLimit failed: %v", err)
	}
	got, _ = h.controller.Get(next.ID)
	if got.SpeedLimit != 0 {
		t.Errorf("Expected unlimited job, got %d", got.SpeedLimit)
	}

	if err := h.controller.SetJobSpeedLimit("missing", 10); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("Expected job not found, got %v", err)
	}
}

func TestJobController_UnknownJob(t *testing.T) {
	h := newHarness(t, 1, false)

	if _, err := h.controller.Cancel("missing"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("Expected job not found on cancel, got %v", err)
	}
	if _, err := h.controller.Get("missing"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("Expected job not found on get, got %v", err)
	}
}

func TestJobController_ForgetFinished(t *testing.T) {
	h := newHarness(t, 1, true)

	st := h.enqueue(t, models.JobRequest{URL: watchURL("old")})
	h.waitState(t, st.ID, models.JobStateCompleted)

	if n := h.controller.ForgetFinished(time.Now().Add(-time.Hour)); n != 0 {
		t.Errorf("Expected recent job to be kept, dropped %d", n)
	}
	if n := h.controller.ForgetFinished(time.Now().Add(time.Second)); n != 1 {
		t.Errorf("Expected 1 dropped job, got %d", n)
	}
	if len(h.controller.List()) != 0 {
		t.Errorf("Expected empty job list, got %d", len(h.controller.List()))
	}
}

func TestRawPath(t *testing.T) {
	tests := []struct {
		dest, id, ext, expected string
	}{
		{"/d/song.mp3", "j1", "webm", "/d/song.j1.raw.webm"},
		{"/d/song.m4a", "j2", "webm", "/d/song.j2.raw.webm"},
		{"/d/clip [id].mkv", "j3", "mp4", "/d/clip [id].j3.raw.mp4"},
		{"/d/noext", "j4", "", "/d/noext.j4.raw.bin"},
	}
	for _, tt := range tests {
		if got := rawPath(tt.dest, tt.id, tt.ext); got != tt.expected {
			t.Errorf("rawPath(%q, %q, %q): expected %q, got %q", tt.dest, tt.id, tt.ext, tt.expected, got)
		}
	}
}

func TestJobController_SameSourceToTwoAudioFormats(t *testing.T) {
	h := newHarness(t, 2, true)

	mp3 := h.enqueue(t, models.JobRequest{URL: watchURL("hold3"), Mode: models.OutputModeAudio, AudioFormat: "mp3"})
	m4a := h.enqueue(t, models.JobRequest{URL: watchURL("hold3"), Mode: models.OutputModeAudio, AudioFormat: "m4a"})
	h.waitState(t, mp3.ID, models.JobStateDownloading)
	h.waitState(t, m4a.ID, models.JobStateDownloading)

	deadline := time.Now().Add(waitTimeout)
	var parts []string
	for time.Now().Before(deadline) {
		parts, _ = filepath.Glob(filepath.Join(h.dir, "*"+fetch.PartSuffix))
		if len(parts) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(parts) != 2 {
		t.Errorf("Expected one partial file per job, got %v", parts)
	}

	h.server.Release()
	h.waitState(t, mp3.ID, models.JobStateCompleted)
	h.waitState(t, m4a.ID, models.JobStateCompleted)

	for _, dest := range []string{mp3.Destination, m4a.Destination} {
		if _, err := os.Stat(dest); err != nil {
			t.Errorf("Expected output %s: %v", dest, err)
		}
	}
}

func TestJobController_LateCancelRemovesArtifact(t *testing.T) {
	h := newHarness(t, 1, false)

	output := filepath.Join(h.dir, "late.mp3")
	if err := os.WriteFile(output, []byte("converted"), 0644); err != nil {
		t.Fatal(err)
	}

	job := models.NewJob("late", models.JobRequest{URL: watchURL("late"), Mode: models.OutputModeAudio, Destination: output})
	job.Transition(models.JobStateDownloading, nil)
	job.Transition(models.JobStatePostProcessing, nil)
	job.SetOutput(output, 9)
	job.RequestCancel()

	if h.controller.advance(job, models.JobStateCompleted, output) {
		t.Fatal("Expected a cancelled job not to complete")
	}
	if job.State() != models.JobStateCancelled {
		t.Errorf("Expected cancelled, got %s", job.State())
	}
	if _, err := os.Stat(output); !os.IsNotExist(err) {
		t.Errorf("Expected %s to be removed, got %v", output, err)
	}
	if job.Output() != "" {
		t.Errorf("Expected no output on cancelled job, got %s", job.Output())
	}
}
