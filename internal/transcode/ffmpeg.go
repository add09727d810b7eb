// Package transcode runs the local media toolchain: container
// standardization, thumbnail extraction, livestream preview capture and file
// probing, all via ffmpeg/ffprobe subprocesses.
package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/clipferry/backend/internal/errors"
	"github.com/clipferry/backend/internal/logger"
	"github.com/clipferry/backend/internal/pipeline"
)

// FfmpegClient implements the transcoder over ffmpeg subprocesses.
type FfmpegClient struct {
	ffmpegPath string
	probePath  string
	log        *logger.Logger
}

// NewFfmpeg creates an ffmpeg adapter using the given binary paths.
func NewFfmpeg(ffmpegPath, probePath string) *FfmpegClient {
	return &FfmpegClient{
		ffmpegPath: ffmpegPath,
		probePath:  probePath,
		log:        logger.Default().WithComponent("ffmpeg"),
	}
}

// Standardize converts input into the target container next to the input
// file. A file already in the target container is returned unchanged. Video
// remuxes with stream copy; audio re-encodes, since a container swap alone
// cannot produce a valid mp3.
func (c *FfmpegClient) Standardize(ctx context.Context, inputPath, targetFormat string) (string, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(inputPath)), ".")
	if ext == targetFormat {
		return inputPath, nil
	}

	out := strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + "." + targetFormat

	var args []string
	switch targetFormat {
	case "mp3":
		args = []string{"-y", "-i", inputPath, "-vn", "-codec:a", "libmp3lame", "-q:a", "2", out}
	case "mp4":
		args = []string{"-y", "-i", inputPath, "-c", "copy", "-movflags", "+faststart", out}
	default:
		args = []string{"-y", "-i", inputPath, out}
	}

	if err := c.run(ctx, args); err != nil {
		return "", err
	}
	return out, nil
}

// ExtractThumbnail grabs the first frame as a jpeg beside the input file.
func (c *FfmpegClient) ExtractThumbnail(ctx context.Context, inputPath string) (string, error) {
	out := strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + "-thumb.jpg"
	args := []string{"-y", "-i", inputPath, "-frames:v", "1", "-q:v", "2", out}
	if err := c.run(ctx, args); err != nil {
		return "", err
	}
	return out, nil
}

// CapturePreview records a bounded clip from a live stream URL. The fragment
// flags produce a playable file even though the recording has no proper end.
func (c *FfmpegClient) CapturePreview(ctx context.Context, streamURL string, d time.Duration, outDir string) (string, error) {
	out := filepath.Join(outDir, "preview.mp4")
	args := []string{
		"-y",
		"-i", streamURL,
		"-t", strconv.Itoa(int(d.Seconds())),
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-movflags", "+frag_keyframe+empty_moov",
		out,
	}
	if err := c.run(ctx, args); err != nil {
		return "", err
	}
	return out, nil
}

// probeFormat and probeStream mirror ffprobe's JSON layout.
type probeFormat struct {
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	FormatName string `json:"format_name"`
}

type probeStream struct {
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// Probe inspects a local media file with ffprobe.
func (c *FfmpegClient) Probe(ctx context.Context, path string) (*pipeline.ClipInfo, error) {
	cmd := exec.CommandContext(ctx, c.probePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.TranscodeError("probing media file").WithCause(fmt.Errorf("%v: %s", err, lastLine(stderr.String())))
	}

	var parsed struct {
		Format  probeFormat   `json:"format"`
		Streams []probeStream `json:"streams"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		return nil, apperrors.TranscodeError("unreadable probe output").WithCause(err)
	}

	info := &pipeline.ClipInfo{Format: parsed.Format.FormatName}
	if secs, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil {
		info.Duration = time.Duration(secs * float64(time.Second))
	}
	if size, err := strconv.ParseInt(parsed.Format.Size, 10, 64); err == nil {
		info.SizeBytes = size
	}
	for _, s := range parsed.Streams {
		if s.CodecType == "video" {
			info.Width = s.Width
			info.Height = s.Height
			break
		}
	}
	return info, nil
}

func (c *FfmpegClient) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, c.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := lastLine(stderr.String())
		c.log.Debug(ctx, "ffmpeg failed", map[string]interface{}{
			"stderr": msg,
		})
		return apperrors.TranscodeError(msg).WithCause(err)
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return "media tool failed"
	}
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return "media tool failed"
	}
	return last
}
