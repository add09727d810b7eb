package pipeline

import (
	"context"
	"time"

	"github.com/clipferry/backend/internal/config"
	"github.com/clipferry/backend/internal/platform"
)

// MediaProbe is the metadata an acquirer reports before committing to a full
// download. SizeBytes is zero when the source does not declare a size.
type MediaProbe struct {
	Title        string
	Uploader     string
	Extractor    string
	SourceID     string
	Ext          string
	SelectedFmt  string
	DirectURL    string
	ThumbnailURL string
	Duration     time.Duration
	SizeBytes    int64
	IsLive       bool
}

// AcquireRequest is everything an acquirer needs for one job.
type AcquireRequest struct {
	URL     string
	Mode    platform.Mode
	Profile config.PlatformProfile
	WorkDir string
	// MaxBytes is the streaming cutoff; a download that would exceed it is
	// aborted and reported as ErrOversize.
	MaxBytes int64
}

// Acquirer obtains media from an external source. Implementations are a
// yt-dlp subprocess adapter for platform URLs and a direct HTTP fetcher for
// plain file links; both honor context cancellation by terminating the
// underlying transfer.
type Acquirer interface {
	// Probe resolves metadata without downloading media.
	Probe(ctx context.Context, req AcquireRequest) (*MediaProbe, error)
	// Fetch downloads the media into the work dir and returns the file path.
	Fetch(ctx context.Context, req AcquireRequest, probe *MediaProbe) (string, error)
	// FetchURL downloads a single direct file URL (thumbnails, provider
	// results) into the work dir.
	FetchURL(ctx context.Context, rawURL string, req AcquireRequest) (string, error)
}

// ClipInfo is probed metadata for a local media file.
type ClipInfo struct {
	Duration  time.Duration
	SizeBytes int64
	Width     int
	Height    int
	Format    string
}

// Transcoder runs the external media toolchain over local files.
type Transcoder interface {
	// Standardize remuxes or re-encodes input into the target container and
	// returns the output path. It may return the input path unchanged when
	// the file already conforms.
	Standardize(ctx context.Context, inputPath, targetFormat string) (string, error)
	// ExtractThumbnail grabs a single frame as an image file.
	ExtractThumbnail(ctx context.Context, inputPath string) (string, error)
	// CapturePreview records a bounded-duration clip from a live stream URL.
	CapturePreview(ctx context.Context, streamURL string, d time.Duration, outDir string) (string, error)
	// Probe inspects a local file.
	Probe(ctx context.Context, path string) (*ClipInfo, error)
}

// QueryResolver turns a provider query into a direct media URL.
type QueryResolver interface {
	Resolve(ctx context.Context, provider, query string) (string, error)
}

// Publisher delivers progress signals and the terminal outcome back to every
// attached requester. Publish is invoked at most once per job by the
// scheduler; implementations must additionally tolerate a duplicate call
// without emitting a second outcome.
type Publisher interface {
	Status(ctx context.Context, job *Job, state State)
	Publish(ctx context.Context, job *Job) error
}

// Recorder persists job lifecycle records for the ops surface. A nil-safe
// no-op implementation is used when the history store is disabled.
type Recorder interface {
	Record(ctx context.Context, job *Job)
}
