package loader

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/agentap/agentap/internal/adapter"
	"github.com/agentap/agentap/pkg/acp"
)

// Manifest declares an out-of-tree adapter. One lives at
// <pluginDir>/<name>/manifest.yaml.
type Manifest struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"displayName"`
	Version     string `yaml:"version"`
	Integration string `yaml:"integration"`
	// Exec is the adapter's CLI binary, used only for install detection.
	Exec string `yaml:"exec,omitempty"`
}

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

var integrationMethods = map[string]acp.IntegrationMethod{
	"file-watch": acp.IntegrationFileWatch,
	"process":    acp.IntegrationProcess,
	"http":       acp.IntegrationHTTP,
	"sse":        acp.IntegrationSSE,
	"hybrid":     acp.IntegrationHybrid,
}

// Validate checks the fields every manifest must carry.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("adapter name is required")
	}
	if !nameRe.MatchString(m.Name) {
		return fmt.Errorf("adapter name %q must be lowercase letters, digits, and hyphens", m.Name)
	}
	if m.DisplayName == "" {
		return fmt.Errorf("adapter displayName is required")
	}
	if _, ok := integrationMethods[m.Integration]; !ok {
		return fmt.Errorf("unknown integration method %q", m.Integration)
	}
	return nil
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// declared is a manifest-only adapter: it reports identity and capabilities
// but owns no sessions. The process contract for out-of-tree adapters is
// deliberately this small.
type declared struct {
	manifest Manifest
}

var _ adapter.Adapter = (*declared)(nil)

func (d *declared) Name() string {
	return d.manifest.Name
}

func (d *declared) Capabilities() acp.Capabilities {
	return acp.Capabilities{
		Name:              d.manifest.Name,
		DisplayName:       d.manifest.DisplayName,
		Version:           d.manifest.Version,
		IntegrationMethod: integrationMethods[d.manifest.Integration],
	}
}

func (d *declared) IsInstalled() bool {
	if d.manifest.Exec == "" {
		return false
	}
	_, err := exec.LookPath(d.manifest.Exec)
	return err == nil
}

func (d *declared) Version(context.Context) string {
	if d.manifest.Version != "" {
		return d.manifest.Version
	}
	return "unknown"
}

func (d *declared) DataPaths() adapter.DataPaths {
	return adapter.DataPaths{}
}

func (d *declared) DiscoverSessions(context.Context) ([]*acp.Session, error) {
	return nil, nil
}

func (d *declared) WatchSessions(func(adapter.SessionEvent)) (func(), error) {
	return func() {}, nil
}

func (d *declared) AttachToSession(context.Context, string) (adapter.Driver, error) {
	return nil, fmt.Errorf("adapter %s is declared by manifest only and cannot attach sessions", d.manifest.Name)
}

func (d *declared) StartSession(context.Context, string, string) (adapter.Driver, error) {
	return nil, fmt.Errorf("adapter %s is declared by manifest only and cannot start sessions", d.manifest.Name)
}
