package pipeline

import (
	"fmt"
	"time"

	"github.com/clipferry/backend/internal/platform"
)

// Decision is the outcome of the constraint check.
type Decision int

const (
	// Proceed: the media fits the limits, continue to transcoding.
	Proceed Decision = iota
	// FallbackToThumbnail: the media exceeds a limit but a thumbnail can
	// stand in for it.
	FallbackToThumbnail
	// Reject: the limits are exceeded and no thumbnail is producible.
	Reject
)

// Probed carries what is known about the media when the check runs. Size may
// be unknown before download; Oversize is set when the streaming cutoff fired
// mid-download.
type Probed struct {
	Duration     time.Duration
	SizeBytes    int64
	SizeKnown    bool
	Oversize     bool
	HasThumbnail bool
}

// CheckConstraints decides whether probed media may proceed, must degrade to
// a thumbnail, or must be rejected. It is a pure function of its inputs; the
// fallback path is taken only when allowFallback is on and a thumbnail source
// exists. Unknown size passes here and is enforced by the download cutoff.
func CheckConstraints(p Probed, c platform.Constraints, allowFallback bool) (Decision, string) {
	reason := ""

	switch {
	case p.Oversize:
		reason = fmt.Sprintf("media exceeds the %d MB size limit", c.MaxFileBytes/(1<<20))
	case c.MaxFileBytes > 0 && p.SizeKnown && p.SizeBytes > c.MaxFileBytes:
		reason = fmt.Sprintf("media is %d MB, over the %d MB limit", p.SizeBytes/(1<<20), c.MaxFileBytes/(1<<20))
	case c.MaxDuration > 0 && p.Duration > c.MaxDuration:
		reason = fmt.Sprintf("media runs %s, over the %s limit", p.Duration.Round(time.Second), c.MaxDuration)
	default:
		return Proceed, ""
	}

	if allowFallback && p.HasThumbnail {
		return FallbackToThumbnail, reason
	}
	return Reject, reason
}
