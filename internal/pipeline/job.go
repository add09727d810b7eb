package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipferry/backend/internal/config"
	apperrors "github.com/clipferry/backend/internal/errors"
	"github.com/clipferry/backend/internal/platform"
)

// State is a pipeline stage in the per-job state machine.
type State string

const (
	StateQueued            State = "queued"
	StateValidating        State = "validating"
	StateAcquiring         State = "acquiring"
	StateConstraintCheck   State = "constraint-check"
	StateTranscoding       State = "transcoding"
	StateThumbnailFallback State = "thumbnail-fallback"
	StatePublishing        State = "publishing"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// transitions defines the legal forward edges of the state machine. A retry
// re-enters Queued explicitly; nothing else moves backward.
var transitions = map[State][]State{
	StateQueued:            {StateValidating, StateFailed},
	StateValidating:        {StateAcquiring, StateFailed},
	StateAcquiring:         {StateConstraintCheck, StateFailed},
	StateConstraintCheck:   {StateTranscoding, StateThumbnailFallback, StateFailed},
	StateTranscoding:       {StatePublishing, StateFailed},
	StateThumbnailFallback: {StatePublishing, StateFailed},
	StatePublishing:        {StateDone, StateFailed},
}

// ArtifactKind classifies a produced output.
type ArtifactKind string

const (
	ArtifactMedia     ArtifactKind = "media"
	ArtifactThumbnail ArtifactKind = "thumbnail"
	ArtifactPreview   ArtifactKind = "preview"
)

// Artifact is one produced output plus its probed metadata.
type Artifact struct {
	Kind      ArtifactKind  `json:"kind"`
	Path      string        `json:"path"`
	StoreKey  string        `json:"store_key,omitempty"`
	Filename  string        `json:"filename"`
	Format    string        `json:"format"`
	SizeBytes int64         `json:"size_bytes"`
	Duration  time.Duration `json:"duration"`
	Width     int           `json:"width,omitempty"`
	Height    int           `json:"height,omitempty"`
	// Note explains why full media was withheld when the artifact is a
	// thumbnail standing in for it.
	Note string `json:"note,omitempty"`
}

// Requester is the opaque reference to the originating conversation/message.
// The core routes it back to the publisher untouched.
type Requester struct {
	Room   string `json:"room"`
	Event  string `json:"event"`
	Sender string `json:"sender"`
}

// Job is the unit of pipeline work. A job is owned by the queue until
// dispatched, then exclusively by one worker; only the requester list and the
// cancel flag are touched from outside while in flight.
type Job struct {
	ID       string
	DedupKey string

	// SourceURL is the sanitized URL; Query/Provider are set instead for
	// query-search and random jobs until the provider resolves a URL.
	SourceURL string
	Query     string
	Provider  string
	Platform  string
	Mode      platform.Mode

	// Title is the probed media title, set during acquisition.
	Title string

	Profile     config.PlatformProfile
	Constraints platform.Constraints

	CreatedAt time.Time
	WorkDir   string

	mu         sync.Mutex
	state      State
	requesters []Requester
	artifacts  []Artifact
	failure    *apperrors.AppError
	published  bool
	cancelled  bool
	cancel     func()
}

// NewJob builds a queued job from a resolved candidate.
func NewJob(res *platform.Resolution, mode platform.Mode, req Requester) *Job {
	return &Job{
		ID:          uuid.New().String(),
		DedupKey:    res.DedupKey,
		SourceURL:   res.SanitizedURL,
		Platform:    res.Profile.Name,
		Mode:        mode,
		Profile:     res.Profile,
		Constraints: res.Constraints,
		CreatedAt:   time.Now(),
		state:       StateQueued,
		requesters:  []Requester{req},
	}
}

// NewQueryJob builds a queued job for a provider query; the URL is resolved
// during validation.
func NewQueryJob(provider, query string, mode platform.Mode, req Requester) *Job {
	return &Job{
		ID:         uuid.New().String(),
		DedupKey:   platform.DedupKey(provider+":"+query, mode),
		Query:      query,
		Provider:   provider,
		Platform:   "query",
		Mode:       mode,
		CreatedAt:  time.Now(),
		state:      StateQueued,
		requesters: []Requester{req},
	}
}

// State returns the current pipeline stage.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// advance moves the job along a legal edge. Illegal transitions are rejected
// so a bug cannot skip or reverse a stage silently.
func (j *Job) advance(next State) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, allowed := range transitions[j.state] {
		if allowed == next {
			j.state = next
			return nil
		}
	}
	return apperrors.InternalError("illegal state transition " + string(j.state) + " -> " + string(next))
}

// IsTerminal returns true once the job has reached Done or Failed.
func (j *Job) IsTerminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state == StateDone || j.state == StateFailed
}

// AttachRequester adds a coalesced duplicate requester. Returns false once
// the job is terminal or its outcome has already been delivered; a requester
// attached after delivery would never see the outcome, so the caller should
// submit a fresh job instead.
func (j *Job) AttachRequester(req Requester) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateDone || j.state == StateFailed || j.published {
		return false
	}
	j.requesters = append(j.requesters, req)
	return true
}

// Requesters returns a copy of the attached requester contexts.
func (j *Job) Requesters() []Requester {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Requester, len(j.requesters))
	copy(out, j.requesters)
	return out
}

// AddArtifact appends a produced output. Appending after the job froze at a
// terminal state is a programming error and is dropped.
func (j *Job) AddArtifact(a Artifact) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateDone || j.state == StateFailed {
		return
	}
	j.artifacts = append(j.artifacts, a)
}

// Artifacts returns a copy of the produced outputs.
func (j *Job) Artifacts() []Artifact {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Artifact, len(j.artifacts))
	copy(out, j.artifacts)
	return out
}

// Artifact returns the first artifact of the given kind, if any.
func (j *Job) Artifact(kind ArtifactKind) (Artifact, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, a := range j.artifacts {
		if a.Kind == kind {
			return a, true
		}
	}
	return Artifact{}, false
}

// SetStoreKey records where artifact i landed in object storage.
func (j *Job) SetStoreKey(i int, key string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if i >= 0 && i < len(j.artifacts) {
		j.artifacts[i].StoreKey = key
	}
}

// Failure returns the failure reason for a failed job.
func (j *Job) Failure() *apperrors.AppError {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failure
}

// Fail records the failure reason and moves the job to Failed. Failed is
// reachable from every non-terminal state; failing an already terminal job
// is rejected.
func (j *Job) Fail(appErr *apperrors.AppError) error {
	j.mu.Lock()
	j.failure = appErr
	j.mu.Unlock()
	return j.advance(StateFailed)
}

// MarkPublished records that the terminal outcome was delivered. Returns
// false if it already was, guarding publisher idempotence.
func (j *Job) MarkPublished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.published {
		return false
	}
	j.published = true
	return true
}

// Cancel requests cooperative cancellation. While queued the worker will
// discard the job on pickup; while processing the active stage context is
// cancelled, which signals the external tool to terminate.
func (j *Job) Cancel() {
	j.mu.Lock()
	cancel := j.cancel
	j.cancelled = true
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsCancelled reports whether cancellation was requested.
func (j *Job) IsCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

func (j *Job) setCancelFunc(cancel func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancel = cancel
}
