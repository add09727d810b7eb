package publish

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/clipferry/backend/internal/pipeline"
)

// asciiFold decomposes accented characters and drops the combining marks, so
// "Café Déjà" becomes "Cafe Deja" before sanitization.
var asciiFold = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Filename builds the user-visible name for an artifact: a sanitized title,
// a short job id for uniqueness, and the real extension.
func Filename(job *pipeline.Job, artifact pipeline.Artifact, title string) string {
	stem := sanitizeStem(title)
	if stem == "" {
		stem = sanitizeStem(job.Platform + "_" + string(job.Mode))
	}
	if stem == "" {
		stem = "media"
	}

	suffix := ""
	switch artifact.Kind {
	case pipeline.ArtifactThumbnail:
		suffix = "_thumb"
	case pipeline.ArtifactPreview:
		suffix = "_preview"
	}

	ext := artifact.Format
	if ext == "" {
		ext = "bin"
	}
	return stem + suffix + "_" + shortID(job.ID) + "." + ext
}

func sanitizeStem(s string) string {
	folded, _, err := transform.String(asciiFold, s)
	if err == nil {
		s = folded
	}

	var b strings.Builder
	lastUnderscore := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case r == ' ' || r == '-' || r == '_' || r == '.':
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "_")
	if len(out) > 64 {
		out = strings.Trim(out[:64], "_")
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
