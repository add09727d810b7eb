package transcode

import (
	"context"
	"testing"
)

func TestStandardizeSkipsConformingFiles(t *testing.T) {
	c := NewFfmpeg("ffmpeg", "ffprobe")

	out, err := c.Standardize(context.Background(), "/work/job/media.mp4", "mp4")
	if err != nil {
		t.Fatalf("Standardize: %v", err)
	}
	if out != "/work/job/media.mp4" {
		t.Errorf("out = %s, want the input unchanged", out)
	}

	out, err = c.Standardize(context.Background(), "/work/job/media.MP4", "mp4")
	if err != nil {
		t.Fatalf("Standardize: %v", err)
	}
	if out != "/work/job/media.MP4" {
		t.Errorf("extension match should be case-insensitive, got %s", out)
	}
}

func TestLastLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"frame=  100\nConversion failed!\n", "Conversion failed!"},
		{"", "media tool failed"},
		{"single line", "single line"},
	}
	for _, tt := range tests {
		if got := lastLine(tt.in); got != tt.want {
			t.Errorf("lastLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
