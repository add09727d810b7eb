package acquire

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clipferry/backend/internal/config"
	"github.com/clipferry/backend/internal/pipeline"
	"github.com/clipferry/backend/internal/platform"
)

func TestFormatSelection(t *testing.T) {
	c := NewYtdlp("yt-dlp", NewDirect(nil))

	audio := pipeline.AcquireRequest{Mode: platform.ModeAudioOnly, Profile: config.PlatformProfile{
		Formats: []string{"bv*+ba/b"},
	}}
	if got := c.formats(audio); len(got) != 1 || got[0] != "bestaudio/best" {
		t.Errorf("audio formats = %v, want [bestaudio/best]", got)
	}

	video := pipeline.AcquireRequest{Mode: platform.ModeFullMedia, Profile: config.PlatformProfile{
		Formats: []string{"bv*[height<=1080]+ba/b", "b"},
	}}
	if got := c.formats(video); len(got) != 2 || got[0] != "bv*[height<=1080]+ba/b" {
		t.Errorf("video formats = %v, want the profile's selectors in order", got)
	}

	bare := pipeline.AcquireRequest{Mode: platform.ModeFullMedia}
	if got := c.formats(bare); len(got) == 0 {
		t.Error("a profile without selectors still needs a default chain")
	}
}

func TestBaseArgsApplyProfile(t *testing.T) {
	c := NewYtdlp("yt-dlp", NewDirect(nil))

	cookies := filepath.Join(t.TempDir(), "yt-cookies.txt")
	if err := os.WriteFile(cookies, []byte("# Netscape HTTP Cookie File\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	req := pipeline.AcquireRequest{Profile: config.PlatformProfile{
		Cookies:   cookies,
		Proxy:     "socks5://127.0.0.1:9050",
		UserAgent: "Mozilla/5.0 test",
	}}
	args := strings.Join(c.baseArgs(req), " ")

	for _, want := range []string{"--cookies " + cookies, "--proxy socks5://127.0.0.1:9050", "--user-agent Mozilla/5.0 test"} {
		if !strings.Contains(args, want) {
			t.Errorf("args missing %q: %s", want, args)
		}
	}
}

func TestBaseArgsSkipMissingCookieFile(t *testing.T) {
	c := NewYtdlp("yt-dlp", NewDirect(nil))

	req := pipeline.AcquireRequest{Profile: config.PlatformProfile{
		Cookies: filepath.Join(t.TempDir(), "does-not-exist.txt"),
	}}
	if args := strings.Join(c.baseArgs(req), " "); strings.Contains(args, "--cookies") {
		t.Errorf("missing cookie file should not be passed: %s", args)
	}
}

func TestCondenseStderr(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "picks last ERROR line",
			in:   "WARNING: something minor\nERROR: [youtube] dQw4w9WgXcQ: Video unavailable\n",
			want: "ERROR: [youtube] dQw4w9WgXcQ: Video unavailable",
		},
		{
			name: "falls back to last line",
			in:   "some noise\nfinal words",
			want: "final words",
		},
		{
			name: "empty input",
			in:   "",
			want: "downloader failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := condenseStderr(tt.in); got != tt.want {
				t.Errorf("condenseStderr = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFirstJSONLine(t *testing.T) {
	in := []byte(`{"id":"x"}` + "\n[download] extra noise\n")
	if got := string(firstJSONLine(in)); got != `{"id":"x"}` {
		t.Errorf("firstJSONLine = %q", got)
	}
	if got := string(firstJSONLine([]byte(`{"id":"y"}`))); got != `{"id":"y"}` {
		t.Errorf("no-newline input = %q", got)
	}
}
