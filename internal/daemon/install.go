package daemon

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/common/logger"
)

//go:embed assets/pre-tool-use.sh assets/agentap-plugin.js
var hookAssets embed.FS

const (
	claudeHookScript  = "pre-tool-use.sh"
	claudeHookEvent   = "PreToolUse"
	claudeHookMatcher = "Bash|Write|Edit|NotebookEdit"

	opencodePluginFile = "agentap-plugin.js"
)

// InstallClaudeHook copies the bundled approval hook under configDir and
// merges it into Claude Code's settings so the agent consults the daemon
// before running mutating tools. Existing settings are preserved; an
// entry already pointing at our script is left alone, except that the
// over-broad ".*" matcher from older installs is repaired.
func InstallClaudeHook(configDir, claudeDir string, log *logger.Logger) error {
	script, err := hookAssets.ReadFile("assets/" + claudeHookScript)
	if err != nil {
		return fmt.Errorf("read bundled hook: %w", err)
	}
	hooksDir := filepath.Join(configDir, "hooks")
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		return fmt.Errorf("create hooks dir: %w", err)
	}
	dst := filepath.Join(hooksDir, claudeHookScript)
	if err := os.WriteFile(dst, script, 0o755); err != nil {
		return fmt.Errorf("install hook script: %w", err)
	}
	if err := mergeClaudeSettings(filepath.Join(claudeDir, "settings.json"), dst); err != nil {
		return err
	}
	log.Debug("claude hook installed", zap.String("script", dst))
	return nil
}

// mergeClaudeSettings adds a PreToolUse entry for command to the
// settings file, creating it when absent. Numbers decode as
// json.Number so unrelated settings survive the round trip verbatim.
func mergeClaudeSettings(path, command string) error {
	settings := map[string]any{}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&settings); err != nil {
			return fmt.Errorf("settings.json is not valid JSON, refusing to rewrite: %w", err)
		}
	case os.IsNotExist(err):
		// fresh install
	default:
		return fmt.Errorf("read settings.json: %w", err)
	}

	hooks, ok := settings["hooks"].(map[string]any)
	if !ok {
		if _, present := settings["hooks"]; present {
			return fmt.Errorf("settings.json has an unexpected hooks shape, leaving it alone")
		}
		hooks = map[string]any{}
		settings["hooks"] = hooks
	}
	entries, _ := hooks[claudeHookEvent].([]any)

	changed := false
	found := false
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok || !entryReferencesCommand(entry, command) {
			continue
		}
		found = true
		if matcher, _ := entry["matcher"].(string); matcher == ".*" {
			entry["matcher"] = claudeHookMatcher
			changed = true
		}
	}
	if !found {
		entries = append(entries, map[string]any{
			"matcher": claudeHookMatcher,
			"hooks": []any{
				map[string]any{"type": "command", "command": command},
			},
		})
		hooks[claudeHookEvent] = entries
		changed = true
	}
	if !changed {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create claude dir: %w", err)
	}
	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings.json: %w", err)
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
		return fmt.Errorf("write settings.json: %w", err)
	}
	return nil
}

func entryReferencesCommand(entry map[string]any, command string) bool {
	inner, _ := entry["hooks"].([]any)
	for _, h := range inner {
		hook, ok := h.(map[string]any)
		if !ok {
			continue
		}
		if cmd, _ := hook["command"].(string); cmd == command {
			return true
		}
	}
	return false
}

// InstallOpenCodePlugin drops the bundled plugin into OpenCode's plugin
// directory, always overwriting so upgrades propagate.
func InstallOpenCodePlugin(opencodeDir string, log *logger.Logger) error {
	plugin, err := hookAssets.ReadFile("assets/" + opencodePluginFile)
	if err != nil {
		return fmt.Errorf("read bundled plugin: %w", err)
	}
	pluginsDir := filepath.Join(opencodeDir, "plugins")
	if err := os.MkdirAll(pluginsDir, 0o755); err != nil {
		return fmt.Errorf("create plugins dir: %w", err)
	}
	dst := filepath.Join(pluginsDir, opencodePluginFile)
	if err := os.WriteFile(dst, plugin, 0o644); err != nil {
		return fmt.Errorf("install plugin: %w", err)
	}
	log.Debug("opencode plugin installed", zap.String("plugin", dst))
	return nil
}
