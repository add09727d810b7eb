// Package extractor turns raw chat message text into pipeline candidates. It
// is a pure transform: no network, no shared state, no side effects.
package extractor

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/clipferry/backend/internal/config"
	apperrors "github.com/clipferry/backend/internal/errors"
	"github.com/clipferry/backend/internal/platform"
)

var (
	codeSpanRe = regexp.MustCompile("(?s)```.*?```|`[^`]*`")
	urlRe      = regexp.MustCompile(`\bhttps?://(?:[a-zA-Z0-9-]+\.)+[a-zA-Z]{2,}(?:/\S*)?`)
)

// Candidate is an unvalidated URL or query extracted from a message, pending
// the whitelist/policy check.
type Candidate struct {
	URLOrQuery   string
	Mode         platform.Mode
	PlatformHint string
	Provider     string
}

// Result is the outcome of processing one message.
type Result struct {
	Candidates []Candidate
	// Reply carries text to send back without creating a job (help output).
	Reply string
}

// Process scans one message. Messages starting with the command prefix are
// parsed as commands; otherwise, when passive detection is on, bare URLs
// become full-media candidates. Commands missing a required argument return a
// user-facing usage error.
func Process(body string, snap *config.Snapshot) (*Result, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return &Result{}, nil
	}

	if strings.HasPrefix(body, snap.CommandPrefix) {
		return processCommand(body, snap)
	}

	if !snap.PassiveDetection || !strings.Contains(body, "http") {
		return &Result{}, nil
	}

	candidates := urlCandidates(body, platform.ModeFullMedia, snap)
	return &Result{Candidates: candidates}, nil
}

func processCommand(body string, snap *config.Snapshot) (*Result, error) {
	rest := strings.TrimPrefix(body, snap.CommandPrefix)
	word, args, _ := strings.Cut(rest, " ")
	args = strings.TrimSpace(args)

	cmd, ok := resolveCommand(word)
	if !ok {
		// Unknown command words are ignored, not errors; the prefix may
		// collide with another bot in the room.
		return &Result{}, nil
	}

	switch cmd.Kind {
	case KindPrint:
		return &Result{Reply: HelpText(snap.CommandPrefix)}, nil

	case KindQuery:
		if cmd.NeedsArg && args == "" {
			return nil, usageError(cmd, snap.CommandPrefix)
		}
		return &Result{Candidates: []Candidate{{
			URLOrQuery: args,
			Mode:       cmd.Mode,
			Provider:   cmd.Provider,
		}}}, nil

	case KindURL:
		candidates := urlCandidates(args, cmd.Mode, snap)
		if len(candidates) == 0 {
			return nil, usageError(cmd, snap.CommandPrefix)
		}
		return &Result{Candidates: candidates}, nil
	}

	return &Result{}, nil
}

// urlCandidates extracts, deduplicates and caps the URLs found in text.
// Malformed URLs are dropped silently.
func urlCandidates(text string, mode platform.Mode, snap *config.Snapshot) []Candidate {
	urls := extractURLs(text)

	limit := snap.MaxMessageURLs
	if !snap.BatchProcessing {
		limit = 1
	}
	if limit > 0 && len(urls) > limit {
		urls = urls[:limit]
	}

	candidates := make([]Candidate, 0, len(urls))
	for _, u := range urls {
		candidates = append(candidates, Candidate{
			URLOrQuery:   u,
			Mode:         mode,
			PlatformHint: platform.DomainOf(u),
		})
	}
	return candidates
}

// extractURLs pulls well-formed URLs out of text, skipping code spans, in
// first-seen order with duplicates removed.
func extractURLs(text string) []string {
	text = codeSpanRe.ReplaceAllString(text, "")

	seen := make(map[string]bool)
	var out []string
	for _, match := range urlRe.FindAllString(text, -1) {
		if seen[match] {
			continue
		}
		parsed, err := url.Parse(match)
		if err != nil || parsed.Host == "" {
			continue
		}
		seen[match] = true
		out = append(out, match)
	}
	return out
}

func usageError(cmd Command, prefix string) error {
	arg := "[url]"
	if cmd.Kind == KindQuery {
		arg = "[query]"
	}
	return apperrors.BadRequest("usage: " + prefix + cmd.Name + " " + arg)
}
