package loader

import (
	"path/filepath"

	"github.com/agentap/agentap/internal/adapter"
	"github.com/agentap/agentap/internal/adapter/opencode"
	"github.com/agentap/agentap/internal/common/config"
	"github.com/agentap/agentap/internal/common/logger"
	"github.com/agentap/agentap/pkg/acp"
)

// Provide builds the adapter registry from configuration: the compiled-in
// adapters plus any manifests under the plugin directory, filtered by
// adapters.enabled.
func Provide(cfg *config.Config, factory *acp.Factory, log *logger.Logger) *Registry {
	builtins := []adapter.Adapter{
		opencode.New(opencode.Config{}, factory, log),
	}
	pluginDir := cfg.Adapters.PluginDir
	if pluginDir == "" {
		pluginDir = filepath.Join(config.Dir(), "plugins")
	}
	return Load(Options{
		Builtins:  builtins,
		Enabled:   cfg.Adapters.Enabled,
		PluginDir: pluginDir,
	}, log)
}
