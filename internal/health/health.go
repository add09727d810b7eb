// Package health reports readiness of the external toolchain and optional
// backing services.
package health

import (
	"context"
	"os/exec"
	"time"
)

// Check is one named probe.
type Check func(ctx context.Context) bool

// Checker aggregates probes for the health endpoint.
type Checker struct {
	checks map[string]Check
}

// NewChecker builds a checker with probes for the external binaries the
// pipeline shells out to.
func NewChecker(ytdlpPath, ffmpegPath, probePath string) *Checker {
	c := &Checker{checks: make(map[string]Check)}
	c.Add("yt-dlp", binaryCheck(ytdlpPath))
	c.Add("ffmpeg", binaryCheck(ffmpegPath))
	c.Add("ffprobe", binaryCheck(probePath))
	return c
}

// Add registers a probe under a name. Nil checks are ignored so optional
// services can be wired conditionally.
func (c *Checker) Add(name string, check Check) {
	if check != nil {
		c.checks[name] = check
	}
}

// Status runs every probe and reports per-probe results plus overall health.
func (c *Checker) Status(ctx context.Context) (map[string]bool, bool) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	results := make(map[string]bool, len(c.checks))
	healthy := true
	for name, check := range c.checks {
		ok := check(ctx)
		results[name] = ok
		if !ok {
			healthy = false
		}
	}
	return results, healthy
}

func binaryCheck(path string) Check {
	return func(ctx context.Context) bool {
		_, err := exec.LookPath(path)
		return err == nil
	}
}
