// Package acquire obtains media from external sources: a yt-dlp subprocess
// adapter for platform URLs and a direct HTTP fetcher for plain file links.
package acquire

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/clipferry/backend/internal/errors"
	"github.com/clipferry/backend/internal/logger"
	"github.com/clipferry/backend/internal/pipeline"
	"github.com/clipferry/backend/internal/platform"
)

// YtdlpClient shells out to yt-dlp. Every invocation runs under the caller's
// context, so cancelling the context kills the subprocess.
type YtdlpClient struct {
	binPath string
	direct  *DirectClient
	log     *logger.Logger
}

// NewYtdlp creates a yt-dlp adapter. The direct client backs FetchURL for
// plain file links like thumbnails.
func NewYtdlp(binPath string, direct *DirectClient) *YtdlpClient {
	return &YtdlpClient{
		binPath: binPath,
		direct:  direct,
		log:     logger.Default().WithComponent("ytdlp"),
	}
}

// probeOutput is the subset of yt-dlp's -j JSON the pipeline cares about.
type probeOutput struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Uploader       string  `json:"uploader"`
	Extractor      string  `json:"extractor"`
	Ext            string  `json:"ext"`
	Duration       float64 `json:"duration"`
	Filesize       int64   `json:"filesize"`
	FilesizeApprox int64   `json:"filesize_approx"`
	IsLive         bool    `json:"is_live"`
	Thumbnail      string  `json:"thumbnail"`
	URL            string  `json:"url"`
	FormatID       string  `json:"format_id"`
}

// Probe runs a simulated download (-s -j) per configured format selector, in
// order, and returns metadata from the first selector the source satisfies.
func (c *YtdlpClient) Probe(ctx context.Context, req pipeline.AcquireRequest) (*pipeline.MediaProbe, error) {
	var lastErr error
	for _, format := range c.formats(req) {
		args := c.baseArgs(req)
		args = append(args, "-f", format, "-s", "-j", req.URL)

		stdout, err := c.run(ctx, args)
		if err != nil {
			lastErr = err
			if apperrors.Code(err) == apperrors.CodeAccessDenied {
				// The source refuses outright; other selectors won't help.
				return nil, err
			}
			continue
		}

		var out probeOutput
		if jerr := json.Unmarshal(firstJSONLine(stdout), &out); jerr != nil {
			lastErr = apperrors.AcquisitionError("unreadable probe output").WithCause(jerr)
			continue
		}

		size := out.Filesize
		if size == 0 {
			size = out.FilesizeApprox
		}
		return &pipeline.MediaProbe{
			Title:        out.Title,
			Uploader:     out.Uploader,
			Extractor:    out.Extractor,
			SourceID:     out.ID,
			Ext:          out.Ext,
			SelectedFmt:  format,
			DirectURL:    out.URL,
			ThumbnailURL: out.Thumbnail,
			Duration:     time.Duration(out.Duration * float64(time.Second)),
			SizeBytes:    size,
			IsLive:       out.IsLive,
		}, nil
	}

	if lastErr == nil {
		lastErr = apperrors.AcquisitionError("no usable format")
	}
	return nil, lastErr
}

// Fetch downloads the media the earlier probe selected into the work dir.
// Audio-only requests extract to the target audio codec in the same pass.
func (c *YtdlpClient) Fetch(ctx context.Context, req pipeline.AcquireRequest, probe *pipeline.MediaProbe) (string, error) {
	args := c.baseArgs(req)
	if probe.SelectedFmt != "" {
		args = append(args, "-f", probe.SelectedFmt)
	}
	if req.MaxBytes > 0 {
		args = append(args, "--max-filesize", strconv.FormatInt(req.MaxBytes, 10))
	}
	if req.Mode == platform.ModeAudioOnly {
		args = append(args, "-x", "--audio-format", "mp3")
	}
	args = append(args,
		"--no-playlist",
		"-o", filepath.Join(req.WorkDir, "media.%(ext)s"),
		req.URL,
	)

	stdout, err := c.run(ctx, args)
	if err != nil {
		return "", err
	}
	if bytes.Contains(stdout, []byte("larger than max-filesize")) {
		return "", apperrors.ConstraintExceeded("media exceeds the size limit")
	}

	matches, _ := filepath.Glob(filepath.Join(req.WorkDir, "media.*"))
	if len(matches) == 0 {
		// yt-dlp exits zero when --max-filesize suppresses the download.
		if req.MaxBytes > 0 {
			return "", apperrors.ConstraintExceeded("media exceeds the size limit")
		}
		return "", apperrors.AcquisitionError("download produced no file")
	}
	return matches[0], nil
}

// FetchURL delegates plain file links to the direct fetcher.
func (c *YtdlpClient) FetchURL(ctx context.Context, rawURL string, req pipeline.AcquireRequest) (string, error) {
	return c.direct.FetchURL(ctx, rawURL, req)
}

func (c *YtdlpClient) formats(req pipeline.AcquireRequest) []string {
	if req.Mode == platform.ModeAudioOnly {
		return []string{"bestaudio/best"}
	}
	if len(req.Profile.Formats) > 0 {
		return req.Profile.Formats
	}
	return []string{"bestvideo+bestaudio/best", "best"}
}

// baseArgs applies the per-platform profile: cookies, proxy, user agent.
func (c *YtdlpClient) baseArgs(req pipeline.AcquireRequest) []string {
	args := []string{"--no-warnings", "--no-progress"}
	if req.Profile.Cookies != "" {
		if _, err := os.Stat(req.Profile.Cookies); err == nil {
			args = append(args, "--cookies", req.Profile.Cookies)
		}
	}
	if req.Profile.Proxy != "" {
		args = append(args, "--proxy", req.Profile.Proxy)
	}
	if req.Profile.UserAgent != "" {
		args = append(args, "--user-agent", req.Profile.UserAgent)
	}
	return args
}

func (c *YtdlpClient) run(ctx context.Context, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.binPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	msg := condenseStderr(stderr.String())
	c.log.Debug(ctx, "yt-dlp failed", map[string]interface{}{
		"stderr": msg,
	})
	if strings.Contains(msg, "403") || strings.Contains(msg, "Forbidden") {
		return nil, apperrors.AccessDenied("source refused access (403)")
	}
	return nil, apperrors.AcquisitionError(msg).WithCause(err)
}

// condenseStderr keeps the last ERROR line, which is where yt-dlp puts the
// actual reason.
func condenseStderr(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], "ERROR") {
			return strings.TrimSpace(lines[i])
		}
	}
	if len(lines) > 0 && lines[len(lines)-1] != "" {
		return strings.TrimSpace(lines[len(lines)-1])
	}
	return "downloader failed"
}

// firstJSONLine trims -j output to the first line; some extractors append
// progress noise after the JSON document.
func firstJSONLine(b []byte) []byte {
	if i := bytes.IndexByte(b, '\n'); i != -1 {
		return b[:i]
	}
	return b
}
