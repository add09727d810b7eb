package platform

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/clipferry/backend/internal/config"
	apperrors "github.com/clipferry/backend/internal/errors"
)

// Mode selects what the pipeline should produce for a request.
type Mode string

const (
	ModeFullMedia   Mode = "full-media"
	ModeAudioOnly   Mode = "audio-only"
	ModeQuerySearch Mode = "query-search"
	ModeRandom      Mode = "random"
)

// Constraints are the effective limits for one job, merged from global and
// per-platform configuration at job creation time. Immutable once resolved.
type Constraints struct {
	MaxFileBytes    int64
	MaxDuration     time.Duration
	PreviewDuration time.Duration
}

// Resolution is a fully specified job skeleton: the profile to acquire with,
// the sanitized URL that forms the job identity, and the resolved constraints.
type Resolution struct {
	Profile      config.PlatformProfile
	SanitizedURL string
	DedupKey     string
	Constraints  Constraints
}

// DomainOf returns the registrable domain of a URL (last two host labels),
// lowercased, with any port stripped.
func DomainOf(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return ""
	}
	host := strings.ToLower(parsed.Hostname())
	labels := strings.Split(host, ".")
	if len(labels) > 2 {
		labels = labels[len(labels)-2:]
	}
	return strings.Join(labels, ".")
}

// Resolve checks a candidate URL against the whitelist and produces a job
// skeleton, or a NOT_WHITELISTED rejection. Resolution is deterministic given
// (url, mode, snapshot): the same inputs always produce the same dedup key.
func Resolve(rawURL string, mode Mode, snap *config.Snapshot) (*Resolution, error) {
	domain := DomainOf(rawURL)
	if domain == "" {
		return nil, apperrors.BadRequest("malformed URL")
	}

	var profile *config.PlatformProfile
	if mode == ModeQuerySearch || mode == ModeRandom {
		// Query results come from the provider APIs and bypass the whitelist;
		// they are direct file URLs the operator already opted into.
		profile = snap.QueryProfile()
	} else {
		profile = snap.ProfileFor(domain)
		if profile == nil || !profile.Enabled {
			return nil, apperrors.NotWhitelisted(domain)
		}
	}

	sanitized := Sanitize(rawURL, snap.TrackerParams)

	return &Resolution{
		Profile:      *profile,
		SanitizedURL: sanitized,
		DedupKey:     DedupKey(sanitized, mode),
		Constraints:  resolveConstraints(profile, mode, snap.Limits),
	}, nil
}

// DedupKey computes the identity under which concurrent duplicate requests
// coalesce. Two links differing only by tracking parameters map to one key;
// the same link requested as audio-only and full media map to two.
func DedupKey(sanitizedURL string, mode Mode) string {
	sum := sha256.Sum256([]byte(string(mode) + "|" + sanitizedURL))
	return hex.EncodeToString(sum[:16])
}

func resolveConstraints(profile *config.PlatformProfile, mode Mode, global config.Limits) Constraints {
	c := Constraints{
		MaxFileBytes:    global.MaxFileBytes,
		MaxDuration:     global.MaxDuration,
		PreviewDuration: global.PreviewDuration,
	}

	if mode == ModeAudioOnly {
		c.MaxDuration = global.MaxAudioDuration
		if profile.MaxAudioDuration > 0 {
			c.MaxDuration = profile.MaxAudioDuration
		}
	} else if profile.MaxDuration > 0 {
		c.MaxDuration = profile.MaxDuration
	}

	if profile.MaxFileBytes > 0 {
		c.MaxFileBytes = profile.MaxFileBytes
	}

	return c
}
