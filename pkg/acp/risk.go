package acp

import (
	"fmt"
	"strings"
)

// RiskLevel grades how dangerous a tool call looks.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ToolCategory is the closed classification set for tool names.
type ToolCategory string

const (
	CategoryRead    ToolCategory = "read"
	CategoryWrite   ToolCategory = "write"
	CategoryExecute ToolCategory = "execute"
	CategoryNetwork ToolCategory = "network"
	CategorySearch  ToolCategory = "search"
	CategoryOther   ToolCategory = "other"
)

// Shell command words that escalate risk. Matched against whitespace-split
// tokens of the command string, so "rm" matches but "format" does not.
var (
	criticalCommands = map[string]bool{
		"rm": true, "rmdir": true, "sudo": true, "su": true,
		"mkfs": true, "dd": true, "shutdown": true, "reboot": true,
		"halt": true, "poweroff": true,
	}
	highCommands = map[string]bool{
		"chmod": true, "chown": true, "kill": true, "pkill": true,
		"killall": true, "truncate": true, "systemctl": true,
	}
	// Writes to these roots are treated as system-level, not project-level.
	systemPathPrefixes = []string{
		"/etc/", "/usr/", "/bin/", "/sbin/", "/boot/", "/var/",
		"/System/", "/Library/",
	}
)

// AssessRisk classifies a tool invocation. Deterministic on its inputs.
//
// Rules, in order:
//   - execute tools: any critical command word -> critical; any high word or
//     a pipe into a shell -> high; otherwise medium.
//   - write tools: target under a system path -> high; otherwise medium.
//   - network tools: medium.
//   - read and search tools: low.
//   - anything else: medium.
func AssessRisk(toolName string, input map[string]any) RiskLevel {
	switch CategorizeTool(toolName) {
	case CategoryExecute:
		return assessCommandRisk(commandString(input))
	case CategoryWrite:
		if path := pathString(input); isSystemPath(path) {
			return RiskHigh
		}
		return RiskMedium
	case CategoryNetwork:
		return RiskMedium
	case CategoryRead, CategorySearch:
		return RiskLow
	default:
		return RiskMedium
	}
}

func assessCommandRisk(command string) RiskLevel {
	if command == "" {
		return RiskMedium
	}
	for _, token := range strings.Fields(command) {
		if criticalCommands[token] {
			return RiskCritical
		}
	}
	lower := strings.ToLower(command)
	if strings.Contains(lower, "| sh") || strings.Contains(lower, "| bash") || strings.Contains(lower, "|sh") || strings.Contains(lower, "|bash") {
		return RiskHigh
	}
	for _, token := range strings.Fields(command) {
		if highCommands[token] {
			return RiskHigh
		}
	}
	return RiskMedium
}

func isSystemPath(path string) bool {
	for _, prefix := range systemPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// CategorizeTool maps a tool name onto the closed category set.
func CategorizeTool(name string) ToolCategory {
	n := strings.ToLower(name)
	switch {
	case containsAny(n, "bash", "shell", "exec", "terminal", "command", "run"):
		return CategoryExecute
	case containsAny(n, "write", "edit", "patch", "create", "notebookedit", "todowrite", "apply"):
		return CategoryWrite
	case containsAny(n, "grep", "glob", "search", "find"):
		return CategorySearch
	case containsAny(n, "fetch", "http", "curl", "download", "request", "browser"):
		return CategoryNetwork
	case containsAny(n, "read", "cat", "view", "open", "list", "ls"):
		return CategoryRead
	default:
		return CategoryOther
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// DescribeToolCall renders a short human description of a tool call for
// display. Never used for security decisions.
func DescribeToolCall(name string, input map[string]any) string {
	switch CategorizeTool(name) {
	case CategoryExecute:
		if cmd := commandString(input); cmd != "" {
			return "Run: " + truncate(cmd, 100)
		}
		return "Run " + name
	case CategoryWrite:
		if path := pathString(input); path != "" {
			return "Modify " + path
		}
		return "Modify files (" + name + ")"
	case CategoryRead:
		if path := pathString(input); path != "" {
			return "Read " + path
		}
		return "Read files (" + name + ")"
	case CategorySearch:
		if pattern := firstString(input, "pattern", "query", "q"); pattern != "" {
			return fmt.Sprintf("Search for %q", truncate(pattern, 60))
		}
		return "Search (" + name + ")"
	case CategoryNetwork:
		if url := firstString(input, "url", "uri", "href"); url != "" {
			return "Fetch " + truncate(url, 100)
		}
		return "Network request (" + name + ")"
	default:
		return "Call " + name
	}
}

func commandString(input map[string]any) string {
	return firstString(input, "command", "cmd", "script")
}

func pathString(input map[string]any) string {
	return firstString(input, "path", "file_path", "filePath", "filename", "file")
}

func firstString(input map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
