package pipeline

import (
	"context"

	"github.com/clipferry/backend/internal/config"
	apperrors "github.com/clipferry/backend/internal/errors"
	"github.com/clipferry/backend/internal/extractor"
	"github.com/clipferry/backend/internal/logger"
	"github.com/clipferry/backend/internal/metrics"
	"github.com/clipferry/backend/internal/platform"
)

// Service is the intake facade over the queue and scheduler: it turns chat
// messages into admitted jobs and answers the ops surface's job lookups.
type Service struct {
	store     *config.Store
	queue     *Queue
	scheduler *Scheduler
	publisher Publisher
	log       *logger.Logger
}

// NewService wires the pipeline together. Call Start before submitting.
func NewService(store *config.Store, queue *Queue, scheduler *Scheduler, publisher Publisher) *Service {
	return &Service{
		store:     store,
		queue:     queue,
		scheduler: scheduler,
		publisher: publisher,
		log:       logger.Default().WithComponent("pipeline"),
	}
}

// Start launches the scheduler workers.
func (s *Service) Start() {
	s.scheduler.Start()
}

// Stop drains and shuts down; see Scheduler.Stop.
func (s *Service) Stop(ctx context.Context) error {
	return s.scheduler.Stop(ctx)
}

// Rejection pairs a candidate that failed admission with the user-facing
// reason.
type Rejection struct {
	Candidate extractor.Candidate
	Err       *apperrors.AppError
}

// IntakeResult is what one chat message produced.
type IntakeResult struct {
	Jobs       []*Job
	Coalesced  int
	Rejections []Rejection
	// Reply carries immediate text output (help), no job involved.
	Reply string
}

// HandleMessage processes one chat message end to end: extract candidates,
// admit each one, and report per-candidate outcomes. A message that is not a
// command and contains no URLs yields an empty result.
func (s *Service) HandleMessage(ctx context.Context, body string, req Requester) (*IntakeResult, error) {
	snap := s.store.Snapshot()

	extracted, err := extractor.Process(body, snap)
	if err != nil {
		return nil, err
	}

	out := &IntakeResult{Reply: extracted.Reply}
	for _, cand := range extracted.Candidates {
		job, coalesced, err := s.Submit(ctx, cand, req)
		switch {
		case err != nil:
			appErr, ok := err.(*apperrors.AppError)
			if !ok {
				appErr = apperrors.InternalError("admission failed").WithCause(err)
			}
			out.Rejections = append(out.Rejections, Rejection{Candidate: cand, Err: appErr})
		case coalesced:
			out.Coalesced++
			out.Jobs = append(out.Jobs, job)
		default:
			out.Jobs = append(out.Jobs, job)
		}
	}
	return out, nil
}

// Submit admits a single candidate. Admission is synchronous and cheap: the
// whitelist check and sanitization happen here so the requester learns about
// a rejected platform or a full queue immediately.
func (s *Service) Submit(ctx context.Context, cand extractor.Candidate, req Requester) (*Job, bool, error) {
	snap := s.store.Snapshot()

	var job *Job
	if cand.Provider != "" {
		job = NewQueryJob(cand.Provider, cand.URLOrQuery, cand.Mode, req)
	} else {
		res, err := platform.Resolve(cand.URLOrQuery, cand.Mode, snap)
		if err != nil {
			metrics.JobsRejected.WithLabelValues(apperrors.Code(err)).Inc()
			return nil, false, err
		}
		job = NewJob(res, cand.Mode, req)
	}

	admitted, coalesced, err := s.queue.Enqueue(job)
	if err != nil {
		metrics.JobsRejected.WithLabelValues(apperrors.Code(err)).Inc()
		return nil, false, err
	}
	if coalesced {
		metrics.JobsCoalesced.Inc()
		s.log.Debug(ctx, "duplicate submission coalesced", map[string]interface{}{
			"job_id":    admitted.ID,
			"dedup_key": admitted.DedupKey,
		})
		return admitted, true, nil
	}

	metrics.JobsSubmitted.WithLabelValues(string(cand.Mode)).Inc()
	s.publisher.Status(apperrors.WithJobID(ctx, admitted.ID), admitted, StateQueued)
	s.log.Info(ctx, "job admitted", map[string]interface{}{
		"job_id":   admitted.ID,
		"mode":     string(cand.Mode),
		"platform": admitted.Platform,
	})
	return admitted, false, nil
}

// Cancel requests cancellation of an in-flight job by ID.
func (s *Service) Cancel(id string) error {
	job, ok := s.queue.LookupID(id)
	if !ok {
		return apperrors.JobNotFound()
	}
	job.Cancel()
	return nil
}

// Job finds an in-flight job by ID for the ops surface.
func (s *Service) Job(id string) (*Job, bool) {
	return s.queue.LookupID(id)
}

// QueueDepth reports jobs waiting in the buffer.
func (s *Service) QueueDepth() int {
	return s.queue.Depth()
}
