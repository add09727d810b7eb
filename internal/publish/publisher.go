// Package publish delivers progress signals and terminal outcomes: artifacts
// go to object storage, events fan out to every subscriber, and each job's
// outcome is delivered exactly once.
package publish

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/clipferry/backend/internal/errors"
	"github.com/clipferry/backend/internal/logger"
	"github.com/clipferry/backend/internal/pipeline"
	"github.com/clipferry/backend/internal/storage"
)

// linkExpiry bounds how long a published download link stays valid.
const linkExpiry = 24 * time.Hour

// ArtifactInfo is the published view of one artifact.
type ArtifactInfo struct {
	Kind      string `json:"kind"`
	Filename  string `json:"filename"`
	URL       string `json:"url,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
	Note      string `json:"note,omitempty"`
}

// Event is one status or outcome message fanned out to subscribers.
type Event struct {
	Type       string               `json:"type"` // "status" or "outcome"
	JobID      string               `json:"job_id"`
	State      string               `json:"state"`
	Platform   string               `json:"platform"`
	Mode       string               `json:"mode"`
	Title      string               `json:"title,omitempty"`
	Message    string               `json:"message,omitempty"`
	ErrorCode  string               `json:"error_code,omitempty"`
	Artifacts  []ArtifactInfo       `json:"artifacts,omitempty"`
	Requesters []pipeline.Requester `json:"requesters"`
	Timestamp  time.Time            `json:"timestamp"`
}

// EventSink receives published events; the websocket hub implements it.
type EventSink interface {
	Broadcast(event Event)
}

// Publisher implements pipeline.Publisher. The store and sink are both
// optional: with neither configured, outcomes still land in the log.
type Publisher struct {
	store *storage.ArtifactStore
	sink  EventSink
	log   *logger.Logger

	mu        sync.Mutex
	delivered map[string]bool
}

// New creates a publisher. store and sink may be nil.
func New(store *storage.ArtifactStore, sink EventSink) *Publisher {
	return &Publisher{
		store:     store,
		sink:      sink,
		log:       logger.Default().WithComponent("publish"),
		delivered: make(map[string]bool),
	}
}

// Status emits a non-terminal progress signal. Best effort; a missed status
// event never affects the job.
func (p *Publisher) Status(ctx context.Context, job *pipeline.Job, state pipeline.State) {
	p.emit(Event{
		Type:       "status",
		JobID:      job.ID,
		State:      string(state),
		Platform:   job.Platform,
		Mode:       string(job.Mode),
		Title:      job.Title,
		Requesters: job.Requesters(),
		Timestamp:  time.Now(),
	})
}

// Publish delivers the terminal outcome once. Success uploads artifacts and
// emits download links; failure emits the user-facing reason. A repeat call
// for an already delivered job is a no-op.
func (p *Publisher) Publish(ctx context.Context, job *pipeline.Job) error {
	p.mu.Lock()
	if p.delivered[job.ID] {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	event := Event{
		Type:       "outcome",
		JobID:      job.ID,
		State:      string(job.State()),
		Platform:   job.Platform,
		Mode:       string(job.Mode),
		Title:      job.Title,
		Requesters: job.Requesters(),
		Timestamp:  time.Now(),
	}

	if failure := job.Failure(); failure != nil {
		event.Message = failure.UserMessage()
		event.ErrorCode = failure.Code
		p.emit(event)
		p.markDelivered(job.ID)
		p.log.Info(ctx, "failure outcome delivered", map[string]interface{}{
			"job_id": job.ID,
			"code":   failure.Code,
		})
		return nil
	}

	infos, err := p.uploadArtifacts(ctx, job)
	if err != nil {
		// Leave the job undelivered so the retry budget gets another shot.
		return err
	}
	event.Artifacts = infos

	p.emit(event)
	p.markDelivered(job.ID)
	p.log.Info(ctx, "outcome delivered", map[string]interface{}{
		"job_id":    job.ID,
		"artifacts": len(infos),
	})
	return nil
}

func (p *Publisher) uploadArtifacts(ctx context.Context, job *pipeline.Job) ([]ArtifactInfo, error) {
	artifacts := job.Artifacts()
	if len(artifacts) == 0 {
		return nil, apperrors.PublishError("no artifacts to publish")
	}

	infos := make([]ArtifactInfo, 0, len(artifacts))
	for i, a := range artifacts {
		filename := Filename(job, a, job.Title)
		info := ArtifactInfo{
			Kind:      string(a.Kind),
			Filename:  filename,
			SizeBytes: a.SizeBytes,
			Note:      a.Note,
		}

		if p.store != nil {
			key := job.ID + "/" + filename
			if _, err := p.store.Upload(ctx, key, a.Path, contentTypeFor(a.Format)); err != nil {
				return nil, apperrors.PublishError("uploading " + filename).WithCause(err)
			}
			job.SetStoreKey(i, key)

			link, err := p.store.PresignedURL(ctx, key, linkExpiry)
			if err != nil {
				return nil, apperrors.PublishError("linking " + filename).WithCause(err)
			}
			info.URL = link
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (p *Publisher) emit(event Event) {
	if p.sink != nil {
		p.sink.Broadcast(event)
	}
}

func (p *Publisher) markDelivered(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delivered[jobID] = true
	// The map would otherwise grow forever; old entries are useless once the
	// job left the queue's identity table.
	if len(p.delivered) > 4096 {
		p.delivered = map[string]bool{jobID: true}
	}
}

func contentTypeFor(format string) string {
	switch format {
	case "mp4":
		return "video/mp4"
	case "webm":
		return "video/webm"
	case "mp3":
		return "audio/mpeg"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
