package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/clipferry/backend/internal/config"
	apperrors "github.com/clipferry/backend/internal/errors"
	"github.com/clipferry/backend/internal/metrics"
	"github.com/clipferry/backend/internal/platform"
)

func testSnapshot(workDir string) *config.Snapshot {
	return &config.Snapshot{
		WorkDir:          workDir,
		CommandPrefix:    "!",
		PassiveDetection: true,
		BatchProcessing:  true,
		MaxMessageURLs:   3,

		QueueCapacity:    4,
		AcquireWorkers:   2,
		TranscodeWorkers: 1,
		AcquireTimeout:   5 * time.Second,
		TranscodeTimeout: 5 * time.Second,
		PublishRetries:   1,

		EnableLivestreamPreviews: true,
		EnableThumbnailFallback:  true,
		TargetVideoFormat:        "mp4",
		TargetAudioFormat:        "mp3",

		Limits: config.Limits{
			MaxFileBytes:     10 << 20,
			MaxDuration:      10 * time.Minute,
			MaxAudioDuration: 30 * time.Minute,
			PreviewDuration:  15 * time.Second,
		},
		TrackerParams: []string{"utm_*", "si"},
		Platforms: []config.PlatformProfile{
			{Name: "youtube", Domains: []string{"youtube.com", "youtu.be"}, Enabled: true, UseYtdlp: true},
			{Name: "files", Domains: []string{"example.com"}, Enabled: true},
		},
	}
}

type fakeAcquirer struct {
	mu         sync.Mutex
	probe      MediaProbe
	probeErrs  []error
	probeCalls int
	fetchErr   error
	fetchCalls int
	urlErr     error
	urlCalls   int
}

func (f *fakeAcquirer) Probe(ctx context.Context, req AcquireRequest) (*MediaProbe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCalls++
	if len(f.probeErrs) > 0 {
		err := f.probeErrs[0]
		f.probeErrs = f.probeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	p := f.probe
	return &p, nil
}

func (f *fakeAcquirer) Fetch(ctx context.Context, req AcquireRequest, probe *MediaProbe) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return "", f.fetchErr
	}
	path := filepath.Join(req.WorkDir, "media.webm")
	if err := os.WriteFile(path, []byte("media-bytes"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeAcquirer) FetchURL(ctx context.Context, rawURL string, req AcquireRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urlCalls++
	if f.urlErr != nil {
		return "", f.urlErr
	}
	path := filepath.Join(req.WorkDir, "thumb.jpg")
	if err := os.WriteFile(path, []byte("thumb-bytes"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type fakeTranscoder struct {
	mu             sync.Mutex
	standardizeErr error
	previewCalls   int
	thumbCalls     int
}

func (f *fakeTranscoder) Standardize(ctx context.Context, inputPath, targetFormat string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.standardizeErr != nil {
		return "", f.standardizeErr
	}
	out := strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + "." + targetFormat
	if out != inputPath {
		if err := os.WriteFile(out, []byte("standardized"), 0o644); err != nil {
			return "", err
		}
	}
	return out, nil
}

func (f *fakeTranscoder) ExtractThumbnail(ctx context.Context, inputPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thumbCalls++
	out := strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + "-thumb.jpg"
	if err := os.WriteFile(out, []byte("frame"), 0o644); err != nil {
		return "", err
	}
	return out, nil
}

func (f *fakeTranscoder) CapturePreview(ctx context.Context, streamURL string, d time.Duration, outDir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previewCalls++
	out := filepath.Join(outDir, "preview.mp4")
	if err := os.WriteFile(out, []byte("preview"), 0o644); err != nil {
		return "", err
	}
	return out, nil
}

func (f *fakeTranscoder) Probe(ctx context.Context, path string) (*ClipInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, apperrors.TranscodeError("no such file")
	}
	return &ClipInfo{SizeBytes: fi.Size(), Width: 640, Height: 360}, nil
}

type fakePublisher struct {
	mu           sync.Mutex
	statuses     []State
	published    []*Job
	publishErrs  []error
	publishCalls int
}

func (f *fakePublisher) Status(ctx context.Context, job *Job, state State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, state)
}

func (f *fakePublisher) Publish(ctx context.Context, job *Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishCalls++
	if len(f.publishErrs) > 0 {
		err := f.publishErrs[0]
		f.publishErrs = f.publishErrs[1:]
		if err != nil {
			return err
		}
	}
	f.published = append(f.published, job)
	return nil
}

type fakeResolver struct {
	url string
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, provider, query string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

type testRig struct {
	store  *config.Store
	queue  *Queue
	sched  *Scheduler
	ytdlp  *fakeAcquirer
	direct *fakeAcquirer
	trans  *fakeTranscoder
	pub    *fakePublisher
}

func newTestRig(t *testing.T, snap *config.Snapshot) *testRig {
	t.Helper()

	current := snap
	store := config.NewStore(func() *config.Snapshot { return current })

	rig := &testRig{
		store:  store,
		queue:  NewQueue(snap.QueueCapacity),
		ytdlp:  &fakeAcquirer{},
		direct: &fakeAcquirer{},
		trans:  &fakeTranscoder{},
		pub:    &fakePublisher{},
	}
	rig.sched = NewScheduler(SchedulerOptions{
		Queue:      rig.queue,
		Store:      store,
		Ytdlp:      rig.ytdlp,
		Direct:     rig.direct,
		Transcoder: rig.trans,
		Resolver:   &fakeResolver{url: "https://example.com/pic.gif"},
		Publisher:  rig.pub,
		AcquireRetry: &apperrors.RetryConfig{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  1.0,
		},
	})
	return rig
}

func mustJob(t *testing.T, snap *config.Snapshot, rawURL string, mode platform.Mode) *Job {
	t.Helper()
	res, err := platform.Resolve(rawURL, mode, snap)
	if err != nil {
		t.Fatalf("Resolve(%q): %v", rawURL, err)
	}
	return NewJob(res, mode, Requester{Room: "!room", Event: "$evt", Sender: "@user"})
}

func enqueueAndProcess(t *testing.T, rig *testRig, job *Job) {
	t.Helper()
	if _, _, err := rig.queue.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	rig.sched.process(job)
}

const watchURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

func TestFullMediaSuccess(t *testing.T) {
	snap := testSnapshot(t.TempDir())
	rig := newTestRig(t, snap)
	rig.ytdlp.probe = MediaProbe{
		Title:        "Test Clip",
		Duration:     time.Minute,
		SizeBytes:    1 << 20,
		ThumbnailURL: "https://i.ytimg.com/t.jpg",
	}

	job := mustJob(t, snap, watchURL, platform.ModeFullMedia)
	enqueueAndProcess(t, rig, job)

	if got := job.State(); got != StateDone {
		t.Fatalf("state = %s, want done (failure: %v)", got, job.Failure())
	}
	media, ok := job.Artifact(ArtifactMedia)
	if !ok {
		t.Fatal("no media artifact")
	}
	if media.Format != "mp4" {
		t.Errorf("media format = %s, want mp4", media.Format)
	}
	if _, ok := job.Artifact(ArtifactThumbnail); !ok {
		t.Error("expected a synthesized thumbnail artifact")
	}
	if rig.pub.publishCalls != 1 {
		t.Errorf("publish calls = %d, want 1", rig.pub.publishCalls)
	}
	if rig.queue.InFlight() != 0 {
		t.Error("job still holds an identity slot after completion")
	}
	if _, err := os.Stat(job.WorkDir); !os.IsNotExist(err) {
		t.Error("work dir not cleaned up")
	}
}

func TestAudioOnlyUsesAudioTarget(t *testing.T) {
	snap := testSnapshot(t.TempDir())
	rig := newTestRig(t, snap)
	rig.ytdlp.probe = MediaProbe{Title: "Song", Duration: 3 * time.Minute}

	job := mustJob(t, snap, watchURL, platform.ModeAudioOnly)
	enqueueAndProcess(t, rig, job)

	if got := job.State(); got != StateDone {
		t.Fatalf("state = %s, want done (failure: %v)", got, job.Failure())
	}
	media, ok := job.Artifact(ArtifactMedia)
	if !ok {
		t.Fatal("no media artifact")
	}
	if media.Format != "mp3" {
		t.Errorf("media format = %s, want mp3", media.Format)
	}
	if _, ok := job.Artifact(ArtifactThumbnail); ok {
		t.Error("audio job should not synthesize a thumbnail")
	}
}

func TestOversizeFallsBackToThumbnail(t *testing.T) {
	snap := testSnapshot(t.TempDir())
	rig := newTestRig(t, snap)
	rig.ytdlp.probe = MediaProbe{
		Title:        "Big One",
		Duration:     time.Minute,
		SizeBytes:    50 << 20,
		ThumbnailURL: "https://i.ytimg.com/t.jpg",
	}

	job := mustJob(t, snap, watchURL, platform.ModeFullMedia)
	enqueueAndProcess(t, rig, job)

	if got := job.State(); got != StateDone {
		t.Fatalf("state = %s, want done (failure: %v)", got, job.Failure())
	}
	if rig.ytdlp.fetchCalls != 0 {
		t.Error("oversized media should not be downloaded")
	}
	thumb, ok := job.Artifact(ArtifactThumbnail)
	if !ok {
		t.Fatal("no thumbnail artifact")
	}
	if thumb.Note == "" {
		t.Error("fallback thumbnail should carry the withholding reason")
	}
	if _, ok := job.Artifact(ArtifactMedia); ok {
		t.Error("oversized job must not produce a media artifact")
	}
}

func TestDurationExceededFallsBack(t *testing.T) {
	snap := testSnapshot(t.TempDir())
	rig := newTestRig(t, snap)
	rig.ytdlp.probe = MediaProbe{
		Title:        "Marathon",
		Duration:     2 * time.Hour,
		SizeBytes:    1 << 20,
		ThumbnailURL: "https://i.ytimg.com/t.jpg",
	}

	job := mustJob(t, snap, watchURL, platform.ModeFullMedia)
	enqueueAndProcess(t, rig, job)

	if got := job.State(); got != StateDone {
		t.Fatalf("state = %s, want done (failure: %v)", got, job.Failure())
	}
	if _, ok := job.Artifact(ArtifactThumbnail); !ok {
		t.Error("expected thumbnail fallback for overlong media")
	}
}

func TestOversizeWithoutFallbackFails(t *testing.T) {
	snap := testSnapshot(t.TempDir())
	snap.EnableThumbnailFallback = false
	rig := newTestRig(t, snap)
	rig.ytdlp.probe = MediaProbe{
		Duration:     time.Minute,
		SizeBytes:    50 << 20,
		ThumbnailURL: "https://i.ytimg.com/t.jpg",
	}

	job := mustJob(t, snap, watchURL, platform.ModeFullMedia)
	enqueueAndProcess(t, rig, job)

	if got := job.State(); got != StateFailed {
		t.Fatalf("state = %s, want failed", got)
	}
	if code := job.Failure().Code; code != apperrors.CodeConstraintExceeded {
		t.Errorf("failure code = %s, want %s", code, apperrors.CodeConstraintExceeded)
	}
	// The failure outcome still reaches the requester.
	if rig.pub.publishCalls != 1 {
		t.Errorf("publish calls = %d, want 1", rig.pub.publishCalls)
	}
}

func TestStreamingCutoffFallsBack(t *testing.T) {
	snap := testSnapshot(t.TempDir())
	rig := newTestRig(t, snap)
	rig.ytdlp.probe = MediaProbe{
		Duration:     time.Minute,
		ThumbnailURL: "https://i.ytimg.com/t.jpg",
		// Size unknown: the probe passes, the download hits the cutoff.
	}
	rig.ytdlp.fetchErr = apperrors.ConstraintExceeded("media exceeds the size limit")

	job := mustJob(t, snap, watchURL, platform.ModeFullMedia)
	enqueueAndProcess(t, rig, job)

	if got := job.State(); got != StateDone {
		t.Fatalf("state = %s, want done (failure: %v)", got, job.Failure())
	}
	if _, ok := job.Artifact(ArtifactThumbnail); !ok {
		t.Error("expected thumbnail fallback after the download cutoff")
	}
}

func TestPolicyChangedWhileQueued(t *testing.T) {
	admitted := testSnapshot(t.TempDir())
	processed := testSnapshot(admitted.WorkDir)
	processed.Platforms = []config.PlatformProfile{
		{Name: "youtube", Domains: []string{"youtube.com", "youtu.be"}, Enabled: false, UseYtdlp: true},
	}

	rig := newTestRig(t, processed)
	job := mustJob(t, admitted, watchURL, platform.ModeFullMedia)
	enqueueAndProcess(t, rig, job)

	if got := job.State(); got != StateFailed {
		t.Fatalf("state = %s, want failed", got)
	}
	if code := job.Failure().Code; code != apperrors.CodePolicyChanged {
		t.Errorf("failure code = %s, want %s", code, apperrors.CodePolicyChanged)
	}
}

func TestCancelWhileQueued(t *testing.T) {
	snap := testSnapshot(t.TempDir())
	rig := newTestRig(t, snap)

	job := mustJob(t, snap, watchURL, platform.ModeFullMedia)
	if _, _, err := rig.queue.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job.Cancel()
	rig.sched.process(job)

	if got := job.State(); got != StateFailed {
		t.Fatalf("state = %s, want failed", got)
	}
	if code := job.Failure().Code; code != apperrors.CodeCancelled {
		t.Errorf("failure code = %s, want %s", code, apperrors.CodeCancelled)
	}
	if rig.ytdlp.probeCalls != 0 {
		t.Error("cancelled job must not reach acquisition")
	}
}

func TestTransientAcquireFailureRetried(t *testing.T) {
	snap := testSnapshot(t.TempDir())
	rig := newTestRig(t, snap)
	rig.ytdlp.probe = MediaProbe{Duration: time.Minute, SizeBytes: 1 << 20}
	rig.ytdlp.probeErrs = []error{apperrors.AcquisitionError("connection reset"), nil}

	retriesBefore := testutil.ToFloat64(metrics.StageRetries.WithLabelValues(string(StateAcquiring)))

	job := mustJob(t, snap, watchURL, platform.ModeFullMedia)
	enqueueAndProcess(t, rig, job)

	if got := job.State(); got != StateDone {
		t.Fatalf("state = %s, want done (failure: %v)", got, job.Failure())
	}
	if rig.ytdlp.probeCalls != 2 {
		t.Errorf("probe calls = %d, want 2", rig.ytdlp.probeCalls)
	}
	retries := testutil.ToFloat64(metrics.StageRetries.WithLabelValues(string(StateAcquiring))) - retriesBefore
	if retries != 1 {
		t.Errorf("acquiring stage retries = %v, want 1", retries)
	}
}

func TestAccessDeniedNotRetried(t *testing.T) {
	snap := testSnapshot(t.TempDir())
	rig := newTestRig(t, snap)
	rig.ytdlp.probeErrs = []error{
		apperrors.AccessDenied("source refused access (403)"),
		apperrors.AccessDenied("source refused access (403)"),
	}

	job := mustJob(t, snap, watchURL, platform.ModeFullMedia)
	enqueueAndProcess(t, rig, job)

	if got := job.State(); got != StateFailed {
		t.Fatalf("state = %s, want failed", got)
	}
	if rig.ytdlp.probeCalls != 1 {
		t.Errorf("probe calls = %d, want 1 (403 must not be retried)", rig.ytdlp.probeCalls)
	}
}

func TestLivestreamCapturesPreview(t *testing.T) {
	snap := testSnapshot(t.TempDir())
	rig := newTestRig(t, snap)
	rig.ytdlp.probe = MediaProbe{
		Title:     "Live Now",
		IsLive:    true,
		DirectURL: "https://cdn.example.com/stream.m3u8",
	}

	job := mustJob(t, snap, watchURL, platform.ModeFullMedia)
	enqueueAndProcess(t, rig, job)

	if got := job.State(); got != StateDone {
		t.Fatalf("state = %s, want done (failure: %v)", got, job.Failure())
	}
	if rig.trans.previewCalls != 1 {
		t.Errorf("preview calls = %d, want 1", rig.trans.previewCalls)
	}
	if _, ok := job.Artifact(ArtifactPreview); !ok {
		t.Error("expected a preview artifact")
	}
}

func TestLivestreamDisabledFails(t *testing.T) {
	snap := testSnapshot(t.TempDir())
	snap.EnableLivestreamPreviews = false
	rig := newTestRig(t, snap)
	rig.ytdlp.probe = MediaProbe{IsLive: true}

	job := mustJob(t, snap, watchURL, platform.ModeFullMedia)
	enqueueAndProcess(t, rig, job)

	if got := job.State(); got != StateFailed {
		t.Fatalf("state = %s, want failed", got)
	}
	if code := job.Failure().Code; code != apperrors.CodeConstraintExceeded {
		t.Errorf("failure code = %s, want %s", code, apperrors.CodeConstraintExceeded)
	}
}

func TestPublishFailureExhaustsBudget(t *testing.T) {
	snap := testSnapshot(t.TempDir())
	snap.PublishRetries = 0
	rig := newTestRig(t, snap)
	rig.ytdlp.probe = MediaProbe{Duration: time.Minute, SizeBytes: 1 << 20}
	rig.pub.publishErrs = []error{apperrors.PublishError("delivery failed")}

	job := mustJob(t, snap, watchURL, platform.ModeFullMedia)
	enqueueAndProcess(t, rig, job)

	if got := job.State(); got != StateFailed {
		t.Fatalf("state = %s, want failed", got)
	}
	if code := job.Failure().Code; code != apperrors.CodePublishError {
		t.Errorf("failure code = %s, want %s", code, apperrors.CodePublishError)
	}
}

func TestQueryJobUsesDirectAcquirer(t *testing.T) {
	snap := testSnapshot(t.TempDir())
	rig := newTestRig(t, snap)
	rig.direct.probe = MediaProbe{SizeBytes: 1 << 10}

	job := NewQueryJob("tenor", "dancing cat", platform.ModeQuerySearch, Requester{Room: "!r", Event: "$e", Sender: "@u"})
	enqueueAndProcess(t, rig, job)

	if got := job.State(); got != StateDone {
		t.Fatalf("state = %s, want done (failure: %v)", got, job.Failure())
	}
	if rig.direct.probeCalls == 0 {
		t.Error("query job should use the direct acquirer")
	}
	if rig.ytdlp.probeCalls != 0 {
		t.Error("query job must not invoke the downloader subprocess path")
	}
	if job.SourceURL != "https://example.com/pic.gif" {
		t.Errorf("source URL = %q, want the resolved provider URL", job.SourceURL)
	}
}

func TestStatusSignalsFollowStageOrder(t *testing.T) {
	snap := testSnapshot(t.TempDir())
	rig := newTestRig(t, snap)
	rig.ytdlp.probe = MediaProbe{Duration: time.Minute, SizeBytes: 1 << 20}

	job := mustJob(t, snap, watchURL, platform.ModeFullMedia)
	enqueueAndProcess(t, rig, job)

	want := []State{StateValidating, StateAcquiring, StateConstraintCheck, StateTranscoding, StatePublishing, StateDone}
	if len(rig.pub.statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", rig.pub.statuses, want)
	}
	for i, state := range want {
		if rig.pub.statuses[i] != state {
			t.Fatalf("statuses[%d] = %s, want %s", i, rig.pub.statuses[i], state)
		}
	}
}

func TestGracefulStopDrainsQueue(t *testing.T) {
	snap := testSnapshot(t.TempDir())
	rig := newTestRig(t, snap)
	rig.ytdlp.probe = MediaProbe{Duration: time.Minute, SizeBytes: 1 << 20}

	jobs := []*Job{
		mustJob(t, snap, watchURL, platform.ModeFullMedia),
		mustJob(t, snap, "https://youtu.be/aqz-KE-bpKQ", platform.ModeFullMedia),
	}
	for _, job := range jobs {
		if _, _, err := rig.queue.Enqueue(job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	rig.sched.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rig.sched.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	for _, job := range jobs {
		if got := job.State(); got != StateDone {
			t.Errorf("job %s state = %s, want done (failure: %v)", job.ID, got, job.Failure())
		}
	}
}
