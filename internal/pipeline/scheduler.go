package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clipferry/backend/internal/config"
	apperrors "github.com/clipferry/backend/internal/errors"
	"github.com/clipferry/backend/internal/logger"
	"github.com/clipferry/backend/internal/metrics"
	"github.com/clipferry/backend/internal/platform"
)

// Scheduler drives queued jobs through the state machine. Concurrency is
// bounded by two independent pools: the worker count caps concurrent
// acquisition subprocesses (each worker runs at most one), and transcodeSem
// caps concurrent media-tool invocations across all workers. A queue full of
// downloads therefore cannot starve transcoding, and vice versa.
type Scheduler struct {
	queue      *Queue
	store      *config.Store
	ytdlp      Acquirer
	direct     Acquirer
	transcoder Transcoder
	resolver   QueryResolver
	publisher  Publisher
	recorder   Recorder
	log        *logger.Logger

	transcodeSem    chan struct{}
	acquireRetryCfg *apperrors.RetryConfig

	baseCtx  context.Context
	baseStop context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// SchedulerOptions bundles the scheduler's collaborators.
type SchedulerOptions struct {
	Queue      *Queue
	Store      *config.Store
	Ytdlp      Acquirer
	Direct     Acquirer
	Transcoder Transcoder
	Resolver   QueryResolver
	Publisher  Publisher
	Recorder   Recorder

	// AcquireRetry overrides the acquisition retry policy; nil uses the
	// default budget.
	AcquireRetry *apperrors.RetryConfig
}

// NewScheduler creates a scheduler; call Start to launch the workers.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	snap := opts.Store.Snapshot()
	ctx, cancel := context.WithCancel(context.Background())

	rec := opts.Recorder
	if rec == nil {
		rec = noopRecorder{}
	}

	return &Scheduler{
		queue:           opts.Queue,
		store:           opts.Store,
		ytdlp:           opts.Ytdlp,
		direct:          opts.Direct,
		transcoder:      opts.Transcoder,
		resolver:        opts.Resolver,
		publisher:       opts.Publisher,
		recorder:        rec,
		log:             logger.Default().WithComponent("scheduler"),
		transcodeSem:    make(chan struct{}, snap.TranscodeWorkers),
		acquireRetryCfg: opts.AcquireRetry,
		baseCtx:         ctx,
		baseStop:        cancel,
	}
}

type noopRecorder struct{}

func (noopRecorder) Record(context.Context, *Job) {}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	workers := s.store.Snapshot().AcquireWorkers
	s.log.Info(s.baseCtx, "starting scheduler", map[string]interface{}{
		"workers":            workers,
		"transcode_capacity": cap(s.transcodeSem),
	})

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop shuts down gracefully: admission stops, queued jobs drain, and workers
// finish their current job. If ctx expires first, in-flight stage contexts
// are cancelled and remaining jobs fail as cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.queue.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info(context.Background(), "scheduler stopped cleanly")
		return nil
	case <-ctx.Done():
		s.stopOnce.Do(s.baseStop)
		<-done
		s.log.Warn(context.Background(), "scheduler stopped with jobs aborted")
		return ctx.Err()
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		job, err := s.queue.Dequeue(s.baseCtx)
		if err != nil || job == nil {
			return
		}
		s.process(job)
	}
}

// process runs one job start to finish. The job is exclusively owned by this
// worker from here on.
func (s *Scheduler) process(job *Job) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	job.setCancelFunc(cancel)
	ctx = apperrors.WithJobID(ctx, job.ID)

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	if job.IsCancelled() {
		s.fail(ctx, job, apperrors.Cancelled())
		return
	}

	snap := s.store.Snapshot()
	if err := s.run(ctx, job, snap); err != nil {
		s.fail(ctx, job, s.asAppError(ctx, job, err))
		return
	}
	s.finish(ctx, job)
}

// run drives the job through every non-terminal stage; any returned error
// moves the job to Failed.
func (s *Scheduler) run(ctx context.Context, job *Job, snap *config.Snapshot) error {
	if err := s.validate(ctx, job, snap); err != nil {
		return err
	}
	defer func() {
		if job.WorkDir != "" {
			os.RemoveAll(job.WorkDir)
		}
	}()

	probe, mediaPath, oversize, err := s.acquire(ctx, job, snap)
	if err != nil {
		return err
	}

	decision, reason, err := s.checkConstraints(ctx, job, snap, probe, mediaPath, oversize)
	if err != nil {
		return err
	}

	switch decision {
	case Proceed:
		if err := s.transcode(ctx, job, snap, probe, mediaPath); err != nil {
			return err
		}
	case FallbackToThumbnail:
		if err := s.thumbnailFallback(ctx, job, snap, probe, reason); err != nil {
			return err
		}
	case Reject:
		return apperrors.ConstraintExceeded(reason)
	}

	return s.publish(ctx, job, snap)
}

// validate re-confirms policy against the latest snapshot and, for query
// jobs, resolves the provider query into a concrete URL first. The job is
// then pinned to this snapshot's constraints for the rest of its life.
func (s *Scheduler) validate(ctx context.Context, job *Job, snap *config.Snapshot) error {
	if err := s.transition(ctx, job, StateValidating); err != nil {
		return err
	}
	defer s.observe(StateValidating, time.Now())

	if job.Provider != "" {
		resolved, err := apperrors.RetryWithResult(ctx, apperrors.DefaultRetryConfig(), func(ctx context.Context) (string, error) {
			return s.resolver.Resolve(ctx, job.Provider, job.Query)
		})
		if err != nil {
			return err
		}
		job.SourceURL = resolved
	}

	res, err := platform.Resolve(job.SourceURL, job.Mode, snap)
	if err != nil {
		// Admission passed at submit time, so a whitelist miss here means
		// the operator changed policy while the job was queued.
		if apperrors.Code(err) == apperrors.CodeNotWhitelisted {
			return apperrors.PolicyChanged(job.Platform)
		}
		return err
	}
	job.SourceURL = res.SanitizedURL
	job.Profile = res.Profile
	job.Constraints = res.Constraints
	if job.Provider == "" {
		job.Platform = res.Profile.Name
	}

	dir, err := os.MkdirTemp(snap.WorkDir, "clipferry-"+shortID(job.ID)+"-")
	if err != nil {
		return apperrors.InternalError("creating job work dir").WithCause(err)
	}
	job.WorkDir = dir
	return nil
}

// acquire probes the source, branches livestreams to a bounded preview
// capture, and downloads the media when the probed metadata is within
// limits. The streaming size cutoff surfaces as oversize, not as a failure.
func (s *Scheduler) acquire(ctx context.Context, job *Job, snap *config.Snapshot) (probe *MediaProbe, mediaPath string, oversize bool, err error) {
	if err := s.transition(ctx, job, StateAcquiring); err != nil {
		return nil, "", false, err
	}
	defer s.observe(StateAcquiring, time.Now())

	actx, cancel := context.WithTimeout(ctx, snap.AcquireTimeout)
	defer cancel()

	acq := s.acquirerFor(job.Profile)
	req := AcquireRequest{
		URL:      job.SourceURL,
		Mode:     job.Mode,
		Profile:  job.Profile,
		WorkDir:  job.WorkDir,
		MaxBytes: job.Constraints.MaxFileBytes,
	}

	probe, err = apperrors.RetryWithResult(actx, s.countRetries(s.acquireRetry(), StateAcquiring), func(ctx context.Context) (*MediaProbe, error) {
		return acq.Probe(ctx, req)
	})
	if err != nil {
		return nil, "", false, s.stageError(actx, err, "acquisition")
	}
	job.Title = probe.Title

	if probe.IsLive {
		if !snap.EnableLivestreamPreviews {
			return nil, "", false, apperrors.ConstraintExceeded("livestreams are not supported")
		}
		path, err := s.capturePreview(actx, job, probe)
		if err != nil {
			return nil, "", false, s.stageError(actx, err, "preview capture")
		}
		return probe, path, false, nil
	}

	// Skip the download entirely when the probe already shows the media
	// cannot proceed; the constraint check will route it from the metadata.
	pre, _ := CheckConstraints(probedFrom(probe, "", false), job.Constraints, snap.EnableThumbnailFallback)
	if pre != Proceed {
		return probe, "", false, nil
	}

	mediaPath, err = apperrors.RetryWithResult(actx, s.countRetries(s.acquireRetry(), StateAcquiring), func(ctx context.Context) (string, error) {
		return acq.Fetch(ctx, req, probe)
	})
	if err != nil {
		if apperrors.Code(err) == apperrors.CodeConstraintExceeded {
			// The download grew past the size limit and was aborted.
			return probe, "", true, nil
		}
		return nil, "", false, s.stageError(actx, err, "acquisition")
	}
	return probe, mediaPath, false, nil
}

func (s *Scheduler) capturePreview(ctx context.Context, job *Job, probe *MediaProbe) (string, error) {
	select {
	case s.transcodeSem <- struct{}{}:
		defer func() { <-s.transcodeSem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	streamURL := probe.DirectURL
	if streamURL == "" {
		streamURL = job.SourceURL
	}
	return s.transcoder.CapturePreview(ctx, streamURL, job.Constraints.PreviewDuration, job.WorkDir)
}

// checkConstraints decides the job's route from what is now known: actual
// file size when the download completed, probed metadata otherwise.
func (s *Scheduler) checkConstraints(ctx context.Context, job *Job, snap *config.Snapshot, probe *MediaProbe, mediaPath string, oversize bool) (Decision, string, error) {
	if err := s.transition(ctx, job, StateConstraintCheck); err != nil {
		return Reject, "", err
	}

	decision, reason := CheckConstraints(probedFrom(probe, mediaPath, oversize), job.Constraints, snap.EnableThumbnailFallback)

	var next State
	switch decision {
	case Proceed:
		next = StateTranscoding
	case FallbackToThumbnail:
		next = StateThumbnailFallback
	case Reject:
		return Reject, reason, nil
	}
	if err := s.transition(ctx, job, next); err != nil {
		return Reject, "", err
	}
	return decision, reason, nil
}

// probedFrom assembles the constraint-check input. A completed download
// reports its true on-disk size, which overrides whatever the probe claimed.
func probedFrom(probe *MediaProbe, mediaPath string, oversize bool) Probed {
	p := Probed{
		Duration:     probe.Duration,
		SizeBytes:    probe.SizeBytes,
		SizeKnown:    probe.SizeBytes > 0,
		Oversize:     oversize,
		HasThumbnail: probe.ThumbnailURL != "",
	}
	if mediaPath != "" {
		if fi, err := os.Stat(mediaPath); err == nil {
			p.SizeBytes = fi.Size()
			p.SizeKnown = true
		}
	}
	return p
}

// transcode standardizes the container and synthesizes a thumbnail for video
// output. Standardization failure is tolerated unless the operator made it
// mandatory; the raw download is published instead.
func (s *Scheduler) transcode(ctx context.Context, job *Job, snap *config.Snapshot, probe *MediaProbe, mediaPath string) error {
	defer s.observe(StateTranscoding, time.Now())

	select {
	case s.transcodeSem <- struct{}{}:
		defer func() { <-s.transcodeSem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	tctx, cancel := context.WithTimeout(ctx, snap.TranscodeTimeout)
	defer cancel()

	target := snap.TargetVideoFormat
	kind := ArtifactMedia
	if job.Mode == platform.ModeAudioOnly {
		target = snap.TargetAudioFormat
	}
	if probe.IsLive {
		kind = ArtifactPreview
	}

	out, err := s.transcoder.Standardize(tctx, mediaPath, target)
	if err != nil {
		if snap.StandardizeMandatory {
			return s.stageError(tctx, apperrors.TranscodeError("standardization failed").WithCause(err), "transcode")
		}
		s.log.Warn(tctx, "standardization failed, publishing raw media", map[string]interface{}{
			"target": target,
		})
		out = mediaPath
	}

	artifact := Artifact{
		Kind:     kind,
		Path:     out,
		Filename: filepath.Base(out),
		Format:   target,
		Duration: probe.Duration,
	}
	if info, err := s.transcoder.Probe(tctx, out); err == nil {
		artifact.SizeBytes = info.SizeBytes
		artifact.Width = info.Width
		artifact.Height = info.Height
		if info.Duration > 0 {
			artifact.Duration = info.Duration
		}
	} else if fi, serr := os.Stat(out); serr == nil {
		artifact.SizeBytes = fi.Size()
	}
	job.AddArtifact(artifact)

	// Audio gets no frame grab; video does, best effort.
	if job.Mode != platform.ModeAudioOnly {
		if thumb, err := s.transcoder.ExtractThumbnail(tctx, out); err == nil {
			ta := Artifact{
				Kind:     ArtifactThumbnail,
				Path:     thumb,
				Filename: filepath.Base(thumb),
				Format:   "jpg",
			}
			if fi, serr := os.Stat(thumb); serr == nil {
				ta.SizeBytes = fi.Size()
			}
			job.AddArtifact(ta)
		} else {
			s.log.Debug(tctx, "thumbnail extraction failed", map[string]interface{}{
				"media": out,
			})
		}
	}
	return nil
}

// thumbnailFallback fetches the source's own thumbnail as the stand-in
// artifact, annotated with why the full media was withheld. If even that
// fails, the job fails on the original constraint reason.
func (s *Scheduler) thumbnailFallback(ctx context.Context, job *Job, snap *config.Snapshot, probe *MediaProbe, reason string) error {
	defer s.observe(StateThumbnailFallback, time.Now())

	actx, cancel := context.WithTimeout(ctx, snap.AcquireTimeout)
	defer cancel()

	req := AcquireRequest{
		URL:      job.SourceURL,
		Mode:     job.Mode,
		Profile:  job.Profile,
		WorkDir:  job.WorkDir,
		MaxBytes: job.Constraints.MaxFileBytes,
	}
	path, err := s.direct.FetchURL(actx, probe.ThumbnailURL, req)
	if err != nil {
		return apperrors.ConstraintExceeded(reason).WithCause(err)
	}

	artifact := Artifact{
		Kind:     ArtifactThumbnail,
		Path:     path,
		Filename: filepath.Base(path),
		Format:   "jpg",
		Note:     reason,
		Duration: probe.Duration,
	}
	if info, perr := s.transcoder.Probe(actx, path); perr == nil {
		artifact.Width = info.Width
		artifact.Height = info.Height
	}
	if fi, serr := os.Stat(path); serr == nil {
		artifact.SizeBytes = fi.Size()
	}
	job.AddArtifact(artifact)
	return nil
}

// publish delivers the terminal outcome with its own retry budget.
func (s *Scheduler) publish(ctx context.Context, job *Job, snap *config.Snapshot) error {
	if err := s.transition(ctx, job, StatePublishing); err != nil {
		return err
	}
	defer s.observe(StatePublishing, time.Now())

	cfg := apperrors.PublishRetryConfig()
	cfg.MaxRetries = snap.PublishRetries
	err := apperrors.Retry(ctx, s.countRetries(cfg, StatePublishing), func(ctx context.Context) error {
		return s.publisher.Publish(ctx, job)
	})
	if err != nil {
		// Not marked published: the failure path still owes the requester
		// an outcome message.
		return s.stageError(ctx, err, "publishing")
	}
	job.MarkPublished()
	return nil
}

// finish moves a fully published job to Done and releases its identity slot.
func (s *Scheduler) finish(ctx context.Context, job *Job) {
	if err := job.advance(StateDone); err != nil {
		s.log.Error(ctx, "finishing job", err)
	}
	s.queue.Release(job)
	s.recorder.Record(ctx, job)
	s.publisher.Status(ctx, job, StateDone)

	for _, a := range job.Artifacts() {
		metrics.ArtifactBytes.WithLabelValues(string(a.Kind)).Observe(float64(a.SizeBytes))
	}
	metrics.JobsFinished.WithLabelValues("done", "").Inc()
	s.log.Info(ctx, "job done", map[string]interface{}{
		"platform":  job.Platform,
		"mode":      string(job.Mode),
		"artifacts": len(job.Artifacts()),
	})
}

// fail moves a job to Failed, delivers the user-facing reason, and releases
// its identity slot. Artifacts freeze as-is.
func (s *Scheduler) fail(ctx context.Context, job *Job, appErr *apperrors.AppError) {
	if err := job.Fail(appErr); err != nil {
		s.log.Error(ctx, "failing job", err)
		return
	}
	s.queue.Release(job)
	s.recorder.Record(ctx, job)

	if job.MarkPublished() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		pctx = apperrors.WithJobID(pctx, job.ID)
		if err := s.publisher.Publish(pctx, job); err != nil {
			s.log.Error(pctx, "delivering failure outcome", err)
		}
	}

	metrics.JobsFinished.WithLabelValues("failed", appErr.Code).Inc()
	s.log.Error(ctx, "job failed", appErr, map[string]interface{}{
		"platform": job.Platform,
		"mode":     string(job.Mode),
	})
}

// transition advances the state machine and fans the new state out to the
// status publisher and history recorder.
func (s *Scheduler) transition(ctx context.Context, job *Job, next State) error {
	if job.IsCancelled() {
		return apperrors.Cancelled()
	}
	if err := job.advance(next); err != nil {
		return err
	}
	s.publisher.Status(ctx, job, next)
	s.recorder.Record(ctx, job)
	s.log.Debug(ctx, "stage entered", map[string]interface{}{
		"stage": string(next),
	})
	return nil
}

// stageError maps raw stage failures onto the error taxonomy: cancellation
// and deadline first, then whatever AppError the stage produced, then a
// generic acquisition failure.
func (s *Scheduler) stageError(ctx context.Context, err error, stage string) error {
	if ctx.Err() == context.Canceled || err == context.Canceled {
		return apperrors.Cancelled()
	}
	if ctx.Err() == context.DeadlineExceeded {
		return apperrors.Timeout(stage).WithCause(err)
	}
	if _, ok := err.(*apperrors.AppError); ok {
		return err
	}
	return apperrors.AcquisitionError(stage + " failed").WithCause(err)
}

// asAppError normalizes run's error for the failure path.
func (s *Scheduler) asAppError(ctx context.Context, job *Job, err error) *apperrors.AppError {
	if appErr, ok := err.(*apperrors.AppError); ok {
		return appErr
	}
	if err == context.Canceled || job.IsCancelled() {
		return apperrors.Cancelled()
	}
	if err == context.DeadlineExceeded {
		return apperrors.Timeout("pipeline")
	}
	return apperrors.InternalError("pipeline failure").WithCause(err)
}

func (s *Scheduler) acquirerFor(profile config.PlatformProfile) Acquirer {
	if profile.UseYtdlp {
		return s.ytdlp
	}
	return s.direct
}

func (s *Scheduler) acquireRetry() *apperrors.RetryConfig {
	if s.acquireRetryCfg != nil {
		return s.acquireRetryCfg
	}
	return apperrors.AcquireRetryConfig()
}

// countRetries copies cfg with a hook counting each retry under the stage
// label.
func (s *Scheduler) countRetries(cfg *apperrors.RetryConfig, stage State) *apperrors.RetryConfig {
	c := *cfg
	c.OnRetry = func(int, error) {
		metrics.StageRetries.WithLabelValues(string(stage)).Inc()
	}
	return &c
}

func (s *Scheduler) observe(stage State, start time.Time) {
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
