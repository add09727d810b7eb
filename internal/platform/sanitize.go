package platform

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	youtubeVideoID  = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)
	youtubeTimecode = regexp.MustCompile(`^\d+s?$`)
)

// Sanitize strips known tracking parameters from a URL so two links differing
// only by trackers share one job identity. YouTube URLs additionally collapse
// to the canonical watch form, preserving a timestamp if present.
func Sanitize(rawURL string, trackerParams []string) string {
	rawURL = strings.TrimSpace(rawURL)

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}

	if canonical, ok := canonicalYouTube(parsed); ok {
		return canonical
	}

	query := parsed.Query()
	for name := range query {
		if isTrackerParam(name, trackerParams) {
			query.Del(name)
		}
	}
	parsed.RawQuery = query.Encode()
	parsed.Fragment = ""

	return parsed.String()
}

func isTrackerParam(name string, trackerParams []string) bool {
	name = strings.ToLower(name)
	for _, p := range trackerParams {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(name, strings.ToLower(prefix)) {
				return true
			}
		} else if name == strings.ToLower(p) {
			return true
		}
	}
	return false
}

// canonicalYouTube rewrites youtube.com/watch, /shorts, /embed, /live and
// youtu.be links to the canonical watch URL keyed by video ID.
func canonicalYouTube(parsed *url.URL) (string, bool) {
	host := strings.ToLower(parsed.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")
	host = strings.TrimPrefix(host, "music.")

	var videoID string
	switch host {
	case "youtu.be":
		videoID = strings.TrimPrefix(parsed.Path, "/")
	case "youtube.com":
		path := parsed.Path
		switch {
		case strings.HasPrefix(path, "/watch"):
			videoID = parsed.Query().Get("v")
		case strings.HasPrefix(path, "/shorts/"):
			videoID = strings.TrimPrefix(path, "/shorts/")
		case strings.HasPrefix(path, "/embed/"):
			videoID = strings.TrimPrefix(path, "/embed/")
		case strings.HasPrefix(path, "/live/"):
			videoID = strings.TrimPrefix(path, "/live/")
		}
	default:
		return "", false
	}

	if idx := strings.IndexAny(videoID, "/?"); idx != -1 {
		videoID = videoID[:idx]
	}
	if !youtubeVideoID.MatchString(videoID) {
		return "", false
	}

	canonical := "https://www.youtube.com/watch?v=" + videoID
	if t := parsed.Query().Get("t"); youtubeTimecode.MatchString(t) {
		canonical += "&t=" + strings.TrimSuffix(t, "s")
	}
	return canonical, true
}
