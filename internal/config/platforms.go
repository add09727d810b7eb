package config

import (
	"os"
	"path/filepath"
	"strings"
)

// defaultTrackerParams are the query parameters stripped from URLs before the
// URL becomes part of a job's identity. Entries ending in * match by prefix.
var defaultTrackerParams = []string{
	"si",
	"utm_*",
	"fbclid",
	"gclid",
	"igshid",
	"igsh",
	"feature",
	"ref",
	"ref_src",
	"share_id",
}

// builtinPlatforms is the base profile set. Whitelist membership, cookies and
// network settings are layered on from the environment in loadPlatforms.
var builtinPlatforms = []PlatformProfile{
	{
		Name:     "youtube",
		Domains:  []string{"youtube.com", "youtu.be"},
		UseYtdlp: true,
		Formats:  []string{"bv[ext=mp4][vcodec^=avc]+ba[ext=m4a]/b[ext=mp4]", "b"},
	},
	{
		Name:     "tiktok",
		Domains:  []string{"tiktok.com"},
		UseYtdlp: true,
		Formats:  []string{"b"},
	},
	{
		Name:     "twitter",
		Domains:  []string{"twitter.com", "x.com"},
		UseYtdlp: true,
		Formats:  []string{"b"},
	},
	{
		Name:     "instagram",
		Domains:  []string{"instagram.com"},
		UseYtdlp: true,
		Formats:  []string{"b"},
	},
	{
		Name:     "soundcloud",
		Domains:  []string{"soundcloud.com"},
		UseYtdlp: true,
		Formats:  []string{"ba"},
	},
	{
		Name:     "reddit",
		Domains:  []string{"reddit.com", "redd.it"},
		UseYtdlp: true,
		Formats:  []string{"b"},
	},
	{
		Name:     "tenor",
		Domains:  []string{"tenor.com", "media.tenor.com"},
		UseYtdlp: false,
	},
	{
		Name:     "unsplash",
		Domains:  []string{"unsplash.com", "images.unsplash.com"},
		UseYtdlp: false,
	},
}

// loadPlatforms applies environment overrides to the builtin profile set.
//
//	PLATFORM_WHITELIST         comma-separated platform names to enable
//	COOKIES_DIR                directory holding <platform>-cookies.txt files
//	PROXY_<NAME>               per-platform proxy URL
//	USER_AGENT_<NAME>          per-platform user agent
//	MAX_FILE_BYTES_<NAME>      per-platform size limit override
//	MAX_DURATION_<NAME>        per-platform duration limit override
//	MAX_AUDIO_DURATION_<NAME>  per-platform audio duration limit override
func loadPlatforms() []PlatformProfile {
	whitelist := envList("PLATFORM_WHITELIST", []string{"youtube", "tiktok", "soundcloud", "tenor", "unsplash"})
	enabled := make(map[string]bool, len(whitelist))
	for _, name := range whitelist {
		enabled[strings.ToLower(name)] = true
	}

	cookiesDir := os.Getenv("COOKIES_DIR")

	platforms := make([]PlatformProfile, len(builtinPlatforms))
	copy(platforms, builtinPlatforms)

	for i := range platforms {
		p := &platforms[i]
		p.Enabled = enabled[p.Name]

		envName := strings.ToUpper(p.Name)
		p.Proxy = os.Getenv("PROXY_" + envName)
		p.UserAgent = os.Getenv("USER_AGENT_" + envName)

		if cookiesDir != "" {
			path := filepath.Join(cookiesDir, p.Name+"-cookies.txt")
			if _, err := os.Stat(path); err == nil {
				p.Cookies = path
			}
		}

		p.MaxFileBytes = envInt64("MAX_FILE_BYTES_"+envName, 0)
		p.MaxDuration = envDuration("MAX_DURATION_"+envName, 0)
		p.MaxAudioDuration = envDuration("MAX_AUDIO_DURATION_"+envName, 0)
	}

	return platforms
}
