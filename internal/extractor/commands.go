package extractor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/clipferry/backend/internal/platform"
)

// CommandKind routes a parsed command to the right handler.
type CommandKind int

const (
	// KindURL commands take a URL argument and feed the media pipeline.
	KindURL CommandKind = iota
	// KindQuery commands take a free-text query resolved via a provider API.
	KindQuery
	// KindPrint commands produce a text reply without creating a job.
	KindPrint
)

// Command describes one recognized chat command.
type Command struct {
	Name        string
	Kind        CommandKind
	Description string
	Mode        platform.Mode
	Provider    string
	NeedsArg    bool
}

var baseCommands = map[string]Command{
	"help": {
		Name:        "help",
		Kind:        KindPrint,
		Description: "Show this help message.",
	},
	"get": {
		Name:        "get",
		Kind:        KindURL,
		Description: "Download media from a url.",
		Mode:        platform.ModeFullMedia,
		NeedsArg:    true,
	},
	"audio": {
		Name:        "audio",
		Kind:        KindURL,
		Description: "Download audio only for a url.",
		Mode:        platform.ModeAudioOnly,
		NeedsArg:    true,
	},
	"tenor": {
		Name:        "tenor",
		Kind:        KindQuery,
		Description: "Download gif by querying tenor.",
		Mode:        platform.ModeQuerySearch,
		Provider:    "tenor",
		NeedsArg:    true,
	},
	"unsplash": {
		Name:        "unsplash",
		Kind:        KindQuery,
		Description: "Download image by querying unsplash.",
		Mode:        platform.ModeQuerySearch,
		Provider:    "unsplash",
		NeedsArg:    true,
	},
	"lexica": {
		Name:        "lexica",
		Kind:        KindQuery,
		Description: "Download an image by querying lexica.",
		Mode:        platform.ModeQuerySearch,
		Provider:    "lexica",
		NeedsArg:    true,
	},
	"waifu": {
		Name:        "waifu",
		Kind:        KindQuery,
		Description: "Roll for a random waifu.",
		Mode:        platform.ModeRandom,
		Provider:    "waifu",
	},
}

var aliases = map[string]string{
	"mp3":  "audio",
	"gif":  "tenor",
	"img":  "unsplash",
	"lex":  "lexica",
	"girl": "waifu",
	"g":    "waifu",
}

// resolveCommand maps a command word (prefix already stripped) to a Command.
func resolveCommand(name string) (Command, bool) {
	if target, ok := aliases[name]; ok {
		name = target
	}
	cmd, ok := baseCommands[name]
	return cmd, ok
}

// HelpText renders the command list with aliases and argument hints.
func HelpText(prefix string) string {
	names := make([]string, 0, len(baseCommands))
	for name := range baseCommands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, name := range names {
		cmd := baseCommands[name]

		var arg string
		switch {
		case cmd.Kind == KindURL:
			arg = " [url]"
		case cmd.Kind == KindQuery && cmd.NeedsArg:
			arg = " [query]"
		}

		var aliasNames []string
		for alias, target := range aliases {
			if target == name {
				aliasNames = append(aliasNames, alias)
			}
		}
		sort.Strings(aliasNames)

		aliasText := ""
		if len(aliasNames) > 0 {
			aliasText = fmt.Sprintf(" (aliases: %s)", strings.Join(aliasNames, ", "))
		}

		fmt.Fprintf(&b, "- %s%s%s: %s%s\n", prefix, name, arg, cmd.Description, aliasText)
	}
	return b.String()
}
