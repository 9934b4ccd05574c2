// Package loader assembles the daemon's adapter set: compiled-in adapters
// plus declared ones found in the user plugin directory, filtered by the
// adapters.enabled configuration list.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/adapter"
	"github.com/agentap/agentap/internal/common/logger"
)

const manifestFile = "manifest.yaml"

// Registry holds the loaded adapters by canonical name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]adapter.Adapter
	log      *logger.Logger
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		adapters: make(map[string]adapter.Adapter),
		log:      log,
	}
}

// Register adds an adapter. Names are unique; registering a second adapter
// under an existing name fails.
func (r *Registry) Register(a adapter.Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (adapter.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, exists := r.adapters[name]
	if !exists {
		return nil, fmt.Errorf("adapter %q not found", name)
	}
	return a, nil
}

// Names returns the registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the registered adapters in name order.
func (r *Registry) List() []adapter.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	list := make([]adapter.Adapter, 0, len(names))
	for _, name := range names {
		list = append(list, r.adapters[name])
	}
	return list
}

// Options selects what Load brings into the registry.
type Options struct {
	// Builtins are the compiled-in adapters offered for loading.
	Builtins []adapter.Adapter
	// Enabled is the adapters.enabled config list. Adapters not named here
	// are not loaded, builtin or declared.
	Enabled []string
	// PluginDir is scanned for <name>/manifest.yaml declarations. Empty
	// skips the scan.
	PluginDir string
}

// Load builds a registry from the options. Invalid manifests and disabled
// adapters are logged and skipped; Load itself never fails.
func Load(opts Options, log *logger.Logger) *Registry {
	reg := NewRegistry(log)

	enabled := make(map[string]bool, len(opts.Enabled))
	for _, name := range opts.Enabled {
		enabled[name] = true
	}

	for _, builtin := range opts.Builtins {
		if !enabled[builtin.Name()] {
			reg.log.Info("adapter disabled by config", zap.String("adapter", builtin.Name()))
			continue
		}
		if err := reg.Register(builtin); err != nil {
			reg.log.Warn("skipping builtin adapter", zap.Error(err))
		}
	}

	if opts.PluginDir != "" {
		loadManifests(reg, opts.PluginDir, enabled)
	}
	return reg
}

// loadManifests scans dir for <name>/manifest.yaml and registers each valid,
// enabled declaration. A compiled-in adapter with the same name wins.
func loadManifests(reg *Registry, dir string, enabled map[string]bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		reg.log.Debug("no adapter plugin directory", zap.String("dir", dir))
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), manifestFile)
		manifest, err := readManifest(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			reg.log.Warn("skipping invalid adapter manifest",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		if manifest.Name != entry.Name() {
			reg.log.Warn("adapter manifest name does not match its directory",
				zap.String("dir", entry.Name()),
				zap.String("name", manifest.Name))
			continue
		}
		if !enabled[manifest.Name] {
			reg.log.Info("adapter disabled by config", zap.String("adapter", manifest.Name))
			continue
		}
		if err := reg.Register(&declared{manifest: *manifest}); err != nil {
			reg.log.Warn("keeping compiled-in adapter over manifest", zap.Error(err))
			continue
		}
		reg.log.Info("loaded declared adapter",
			zap.String("adapter", manifest.Name),
			zap.String("version", manifest.Version))
	}
}
