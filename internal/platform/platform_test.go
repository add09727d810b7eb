package platform

import (
	"testing"
	"time"

	"github.com/clipferry/backend/internal/config"
	apperrors "github.com/clipferry/backend/internal/errors"
)

func resolveSnapshot() *config.Snapshot {
	return &config.Snapshot{
		Limits: config.Limits{
			MaxFileBytes:     100 << 20,
			MaxDuration:      10 * time.Minute,
			MaxAudioDuration: 30 * time.Minute,
			PreviewDuration:  15 * time.Second,
		},
		TrackerParams: []string{"si", "utm_*"},
		Platforms: []config.PlatformProfile{
			{Name: "youtube", Domains: []string{"youtube.com", "youtu.be"}, Enabled: true, UseYtdlp: true},
			{Name: "tiktok", Domains: []string{"tiktok.com"}, Enabled: false, UseYtdlp: true},
			{
				Name: "soundcloud", Domains: []string{"soundcloud.com"}, Enabled: true, UseYtdlp: true,
				MaxDuration: 20 * time.Minute, MaxFileBytes: 50 << 20,
			},
		},
	}
}

func TestResolveWhitelisting(t *testing.T) {
	snap := resolveSnapshot()

	res, err := Resolve("https://youtu.be/dQw4w9WgXcQ?si=x", ModeFullMedia, snap)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Profile.Name != "youtube" {
		t.Errorf("profile = %s, want youtube", res.Profile.Name)
	}
	if res.SanitizedURL != "https://www.youtube.com/watch?v=dQw4w9WgXcQ" {
		t.Errorf("sanitized = %s", res.SanitizedURL)
	}

	if _, err := Resolve("https://vimeo.com/12345", ModeFullMedia, snap); apperrors.Code(err) != apperrors.CodeNotWhitelisted {
		t.Errorf("unknown platform: code = %s, want %s", apperrors.Code(err), apperrors.CodeNotWhitelisted)
	}
	if _, err := Resolve("https://www.tiktok.com/@x/video/1", ModeFullMedia, snap); apperrors.Code(err) != apperrors.CodeNotWhitelisted {
		t.Errorf("disabled platform: code = %s, want %s", apperrors.Code(err), apperrors.CodeNotWhitelisted)
	}
	if _, err := Resolve("://broken", ModeFullMedia, snap); apperrors.Code(err) != apperrors.CodeInvalidRequest {
		t.Errorf("malformed URL: code = %s, want %s", apperrors.Code(err), apperrors.CodeInvalidRequest)
	}
}

func TestResolveQueryModesBypassWhitelist(t *testing.T) {
	snap := resolveSnapshot()

	res, err := Resolve("https://media.tenor.com/x/cat.gif", ModeQuerySearch, snap)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Profile.UseYtdlp {
		t.Error("query results are direct files, not downloader targets")
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	snap := resolveSnapshot()

	a, err := Resolve("https://youtu.be/dQw4w9WgXcQ?utm_source=x", ModeFullMedia, snap)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Resolve("https://www.youtube.com/watch?v=dQw4w9WgXcQ&si=y", ModeFullMedia, snap)
	if err != nil {
		t.Fatal(err)
	}
	if a.DedupKey != b.DedupKey {
		t.Errorf("equivalent URLs got different keys: %s vs %s", a.DedupKey, b.DedupKey)
	}

	c, err := Resolve("https://www.youtube.com/watch?v=dQw4w9WgXcQ", ModeAudioOnly, snap)
	if err != nil {
		t.Fatal(err)
	}
	if a.DedupKey == c.DedupKey {
		t.Error("different modes must get different keys")
	}
}

func TestResolveConstraintOverrides(t *testing.T) {
	snap := resolveSnapshot()

	yt, err := Resolve("https://www.youtube.com/watch?v=dQw4w9WgXcQ", ModeFullMedia, snap)
	if err != nil {
		t.Fatal(err)
	}
	if yt.Constraints.MaxDuration != 10*time.Minute {
		t.Errorf("youtube duration = %s, want global 10m", yt.Constraints.MaxDuration)
	}
	if yt.Constraints.MaxFileBytes != 100<<20 {
		t.Errorf("youtube bytes = %d, want global", yt.Constraints.MaxFileBytes)
	}

	sc, err := Resolve("https://soundcloud.com/a/track", ModeFullMedia, snap)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Constraints.MaxDuration != 20*time.Minute {
		t.Errorf("soundcloud duration = %s, want profile 20m", sc.Constraints.MaxDuration)
	}
	if sc.Constraints.MaxFileBytes != 50<<20 {
		t.Errorf("soundcloud bytes = %d, want profile 50MB", sc.Constraints.MaxFileBytes)
	}

	audio, err := Resolve("https://www.youtube.com/watch?v=dQw4w9WgXcQ", ModeAudioOnly, snap)
	if err != nil {
		t.Fatal(err)
	}
	if audio.Constraints.MaxDuration != 30*time.Minute {
		t.Errorf("audio duration = %s, want 30m", audio.Constraints.MaxDuration)
	}
}
