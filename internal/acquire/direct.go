package acquire

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/clipferry/backend/internal/errors"
	"github.com/clipferry/backend/internal/pipeline"
)

// DirectClient fetches plain file URLs over HTTP: query provider results and
// source thumbnails. Downloads stream to disk with a hard byte cutoff, so an
// unbounded or lying Content-Length cannot fill the work dir.
type DirectClient struct {
	client *http.Client
}

// NewDirect creates a direct fetcher. A nil client gets a default with sane
// timeouts for media downloads.
func NewDirect(client *http.Client) *DirectClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &DirectClient{client: client}
}

// Probe issues a HEAD request for size and content type. Direct files have
// no duration metadata; the constraint check sees size only.
func (c *DirectClient) Probe(ctx context.Context, req pipeline.AcquireRequest) (*pipeline.MediaProbe, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodHead, req.URL, nil)
	if err != nil {
		return nil, apperrors.BadRequest("malformed URL")
	}
	c.setHeaders(hreq, req)

	resp, err := c.client.Do(hreq)
	if err != nil {
		return nil, apperrors.AcquisitionError("probing source").WithCause(err)
	}
	resp.Body.Close()

	// Some hosts reject HEAD; treat that as unknown size rather than failure.
	probe := &pipeline.MediaProbe{
		Title: fileStem(req.URL),
		Ext:   extFor(req.URL, resp.Header.Get("Content-Type")),
	}
	if err := statusError(resp.StatusCode); err != nil && resp.StatusCode != http.StatusMethodNotAllowed {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK && resp.ContentLength > 0 {
		probe.SizeBytes = resp.ContentLength
	}
	return probe, nil
}

// Fetch downloads the request URL itself.
func (c *DirectClient) Fetch(ctx context.Context, req pipeline.AcquireRequest, probe *pipeline.MediaProbe) (string, error) {
	return c.FetchURL(ctx, req.URL, req)
}

// FetchURL streams rawURL into the work dir. The transfer aborts the moment
// written bytes exceed req.MaxBytes and the partial file is removed.
func (c *DirectClient) FetchURL(ctx context.Context, rawURL string, req pipeline.AcquireRequest) (string, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", apperrors.BadRequest("malformed URL")
	}
	c.setHeaders(hreq, req)

	resp, err := c.client.Do(hreq)
	if err != nil {
		return "", apperrors.AcquisitionError("fetching source").WithCause(err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return "", err
	}
	if req.MaxBytes > 0 && resp.ContentLength > req.MaxBytes {
		return "", apperrors.ConstraintExceeded("media exceeds the size limit")
	}

	dst := filepath.Join(req.WorkDir, "direct-"+fileStem(rawURL)+"."+extFor(rawURL, resp.Header.Get("Content-Type")))
	f, err := os.Create(dst)
	if err != nil {
		return "", apperrors.InternalError("creating download file").WithCause(err)
	}
	defer f.Close()

	reader := io.Reader(resp.Body)
	if req.MaxBytes > 0 {
		reader = io.LimitReader(resp.Body, req.MaxBytes+1)
	}
	written, err := io.Copy(f, reader)
	if err != nil {
		os.Remove(dst)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperrors.AcquisitionError("download interrupted").WithCause(err)
	}
	if req.MaxBytes > 0 && written > req.MaxBytes {
		os.Remove(dst)
		return "", apperrors.ConstraintExceeded("media exceeds the size limit")
	}
	return dst, nil
}

func (c *DirectClient) setHeaders(hreq *http.Request, req pipeline.AcquireRequest) {
	if req.Profile.UserAgent != "" {
		hreq.Header.Set("User-Agent", req.Profile.UserAgent)
	}
}

func statusError(code int) error {
	switch {
	case code == http.StatusOK || code == http.StatusPartialContent:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperrors.AccessDenied(fmt.Sprintf("source refused access (%d)", code))
	case code == http.StatusNotFound || code == http.StatusGone:
		return apperrors.AccessDenied("source not found")
	default:
		return apperrors.AcquisitionError(fmt.Sprintf("source returned %d", code))
	}
}

// fileStem derives a safe base name from the URL path.
func fileStem(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "media"
	}
	base := path.Base(parsed.Path)
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return -1
		}
	}, base)
	if base == "" {
		return "media"
	}
	if len(base) > 48 {
		base = base[:48]
	}
	return base
}

// extFor prefers the URL's own extension, falling back to the content type.
func extFor(rawURL, contentType string) string {
	if parsed, err := url.Parse(rawURL); err == nil {
		if ext := strings.TrimPrefix(path.Ext(parsed.Path), "."); ext != "" && len(ext) <= 4 {
			return strings.ToLower(ext)
		}
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "image/jpeg":
			return "jpg"
		case "image/png":
			return "png"
		case "image/gif":
			return "gif"
		case "image/webp":
			return "webp"
		case "video/mp4":
			return "mp4"
		case "video/webm":
			return "webm"
		case "audio/mpeg":
			return "mp3"
		}
	}
	return "bin"
}
