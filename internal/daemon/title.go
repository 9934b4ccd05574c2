package daemon

import (
	"strings"

	"github.com/agentap/agentap/pkg/acp"
)

const (
	sessionNameLimit = 100
	lastMessageLimit = 200
)

// strippedTags wrap editor context injected into user messages; none of
// it is anything the user typed, so it never belongs in a session name.
var strippedTags = []string{
	"system-reminder",
	"ide_opened_file",
	"ide_selection",
	"ide_context",
	"gitStatus",
	"command-name",
	"claudeMd",
}

// deriveSessionName turns a user message into a display name:
// concatenate its text blocks, strip injected-context tags, trim, and
// cap the length. Empty means the message was all injected context.
func deriveSessionName(content []acp.ContentBlock) string {
	var b strings.Builder
	for _, block := range content {
		if block.Type != "text" {
			continue
		}
		b.WriteString(block.Text)
	}
	name := strings.TrimSpace(stripContextTags(b.String()))
	if name == "" {
		return ""
	}
	return truncateRunes(name, sessionNameLimit)
}

func firstTextBlock(content []acp.ContentBlock) string {
	for _, block := range content {
		if block.Type == "text" && block.Text != "" {
			return block.Text
		}
	}
	return ""
}

// truncateRunes caps s at limit runes, marking the cut with an ellipsis.
func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

// stripContextTags removes the injected-context tags in both paired
// (<x>…</x>) and orphaned (open tag consuming the remainder) forms.
// Unknown tags pass through untouched.
func stripContextTags(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '<' {
			b.WriteByte(s[i])
			i++
			continue
		}
		name, openEnd := parseTagName(s[i:])
		if name == "" || !strippableTag(name) {
			b.WriteByte(s[i])
			i++
			continue
		}
		if openEnd < 0 {
			// The open tag itself never closes; treat as orphaned.
			break
		}
		closing := "</" + name + ">"
		idx := strings.Index(s[i+openEnd:], closing)
		if idx < 0 {
			// Orphaned open tag: everything after it is context.
			break
		}
		i += openEnd + idx + len(closing)
	}
	return b.String()
}

func strippableTag(name string) bool {
	if strings.HasPrefix(name, "antml:") {
		return true
	}
	for _, tag := range strippedTags {
		if name == tag {
			return true
		}
	}
	return false
}

// parseTagName reads the tag name following '<' at s[0] and the offset
// just past the opening tag's '>'. openEnd is -1 when the tag never
// closes; name is empty when this is not an opening tag at all.
func parseTagName(s string) (name string, openEnd int) {
	j := 1
	for j < len(s) && isTagNameChar(s[j]) {
		j++
	}
	if j == 1 {
		return "", 0
	}
	name = s[1:j]
	gt := strings.IndexByte(s[j:], '>')
	if gt < 0 {
		return name, -1
	}
	return name, j + gt + 1
}

func isTagNameChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == ':':
		return true
	}
	return false
}
