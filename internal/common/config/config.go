// Package config loads and persists the daemon's TOML configuration. The
// config lives in a single file under the config directory; machine-link
// fields are written back on pairing, everything else is user-edited.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/agentap/agentap/internal/common/logger"
)

// DefaultPort is the daemon's WebSocket/HTTP listen port.
const DefaultPort = 9876

// Config holds all configuration sections for the daemon.
type Config struct {
	Daemon    DaemonConfig    `mapstructure:"daemon" toml:"daemon"`
	Tunnel    TunnelConfig    `mapstructure:"tunnel" toml:"tunnel"`
	Agents    AgentsConfig    `mapstructure:"agents" toml:"agents"`
	Adapters  AdaptersConfig  `mapstructure:"adapters" toml:"adapters"`
	API       APIConfig       `mapstructure:"api" toml:"api"`
	Portal    PortalConfig    `mapstructure:"portal" toml:"portal"`
	Machine   MachineConfig   `mapstructure:"machine" toml:"machine"`
	Approvals ApprovalsConfig `mapstructure:"approvals" toml:"approvals"`
	Events    EventsConfig    `mapstructure:"events" toml:"events"`
	Logging   LoggingConfig   `mapstructure:"logging" toml:"logging"`
}

// DaemonConfig holds the local server settings.
type DaemonConfig struct {
	Host string `mapstructure:"host" toml:"host"`
	Port int    `mapstructure:"port" toml:"port"`
}

// TunnelConfig holds tunnel supervisor settings.
type TunnelConfig struct {
	Enabled  bool   `mapstructure:"enabled" toml:"enabled"`
	Provider string `mapstructure:"provider" toml:"provider"`
}

// AgentsConfig holds agent selection settings.
type AgentsConfig struct {
	// Default is the agent used by start_session when none is named.
	Default string `mapstructure:"default" toml:"default"`
}

// AdaptersConfig controls which adapters load.
type AdaptersConfig struct {
	Enabled []string `mapstructure:"enabled" toml:"enabled"`
	// PluginDir is an extra directory scanned for adapter manifests.
	PluginDir string `mapstructure:"pluginDir" toml:"pluginDir"`
}

// APIConfig points at the remote cloud API.
type APIConfig struct {
	URL string `mapstructure:"url" toml:"url"`
}

// PortalConfig points at the web portal shown to users during linking.
type PortalConfig struct {
	URL string `mapstructure:"url" toml:"url"`
}

// MachineConfig carries this workstation's identity. The id, userId,
// apiSecret, tunnelToken, and tunnelUrl fields are written when the
// device-pairing flow completes.
type MachineConfig struct {
	ID          string `mapstructure:"id" toml:"id"`
	UserID      string `mapstructure:"userId" toml:"userId"`
	APISecret   string `mapstructure:"apiSecret" toml:"apiSecret"`
	TunnelToken string `mapstructure:"tunnelToken" toml:"tunnelToken"`
	TunnelURL   string `mapstructure:"tunnelUrl" toml:"tunnelUrl"`
	Name        string `mapstructure:"name" toml:"name"`
	OS          string `mapstructure:"os" toml:"os"`
	Arch        string `mapstructure:"arch" toml:"arch"`
}

// ApprovalsConfig tunes the tool-approval flow.
type ApprovalsConfig struct {
	// AutoApproveLowRisk answers low-risk hook approvals without waiting
	// for a client.
	AutoApproveLowRisk bool `mapstructure:"autoApproveLowRisk" toml:"autoApproveLowRisk"`
}

// EventsConfig selects the internal event bus backend. An empty NATS URL
// means the in-memory bus.
type EventsConfig struct {
	NATSURL string `mapstructure:"natsUrl" toml:"natsUrl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" toml:"level"`
	Format     string `mapstructure:"format" toml:"format"`
	OutputPath string `mapstructure:"outputPath" toml:"outputPath"`
}

// ToLoggerConfig converts to the logger package's config type.
func (l LoggingConfig) ToLoggerConfig() logger.LoggingConfig {
	return logger.LoggingConfig{
		Level:      l.Level,
		Format:     l.Format,
		OutputPath: l.OutputPath,
	}
}

// IsLinked reports whether this machine completed the pairing flow.
func (c *Config) IsLinked() bool {
	return c.Machine.ID != "" && c.Machine.APISecret != ""
}

// Dir returns the config directory, creating nothing. Overridable through
// AGENTAP_CONFIG_DIR for tests and packaging.
func Dir() string {
	if dir := os.Getenv("AGENTAP_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentap"
	}
	return filepath.Join(home, ".agentap")
}

// FilePath returns the config file path inside dir.
func FilePath(dir string) string {
	return filepath.Join(dir, "config.toml")
}

// detectDefaultLogFormat returns "json" for unattended environments and
// "text" for terminals.
func detectDefaultLogFormat() string {
	if env := os.Getenv("AGENTAP_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// defaultMachineName returns the hostname, or a fixed fallback.
func defaultMachineName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "workstation"
	}
	return name
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("daemon.host", "0.0.0.0")
	v.SetDefault("daemon.port", DefaultPort)

	v.SetDefault("tunnel.enabled", true)
	v.SetDefault("tunnel.provider", "cloudflare")

	v.SetDefault("agents.default", "opencode")

	v.SetDefault("adapters.enabled", []string{"opencode"})
	v.SetDefault("adapters.pluginDir", "")

	v.SetDefault("api.url", "https://api.agentap.dev")
	v.SetDefault("portal.url", "https://portal.agentap.dev")

	v.SetDefault("machine.id", "")
	v.SetDefault("machine.userId", "")
	v.SetDefault("machine.apiSecret", "")
	v.SetDefault("machine.tunnelToken", "")
	v.SetDefault("machine.tunnelUrl", "")
	v.SetDefault("machine.name", defaultMachineName())
	v.SetDefault("machine.os", runtime.GOOS)
	v.SetDefault("machine.arch", runtime.GOARCH)

	v.SetDefault("approvals.autoApproveLowRisk", false)

	v.SetDefault("events.natsUrl", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always unmarshal cleanly.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads the configuration from the default config directory.
func Load() *Config {
	return LoadFromDir(Dir())
}

// LoadFromDir reads the configuration from dir, merged over defaults and
// environment overrides. A missing file yields defaults; a corrupt file is
// logged and likewise yields defaults, never an error.
func LoadFromDir(dir string) *Config {
	log := logger.Default()

	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(dir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.WithError(err).Warn("Config file unreadable, using defaults")
			v = viper.New()
			setDefaults(v)
			bindEnv(v)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.WithError(err).Warn("Config file malformed, using defaults")
		cfg = *Default()
	}

	normalize(&cfg, log)
	return &cfg
}

// bindEnv wires the unprefixed overrides named in the external contract
// plus the AGENTAP_-prefixed automatic mapping.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("AGENTAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("api.url", "API_URL", "AGENTAP_API_URL")
	_ = v.BindEnv("portal.url", "PORTAL_URL", "AGENTAP_PORTAL_URL")
	_ = v.BindEnv("daemon.port", "PORT", "AGENTAP_DAEMON_PORT")
	_ = v.BindEnv("machine.name", "HOST_NAME", "AGENTAP_MACHINE_NAME")
	_ = v.BindEnv("machine.os", "HOST_OS", "AGENTAP_MACHINE_OS")
	_ = v.BindEnv("machine.arch", "HOST_ARCH", "AGENTAP_MACHINE_ARCH")
}

// normalize repairs out-of-range values in place, logging each repair.
// Configuration problems downgrade to defaults rather than failing the
// daemon.
func normalize(cfg *Config, log *logger.Logger) {
	def := Default()

	if cfg.Daemon.Port <= 0 || cfg.Daemon.Port > 65535 {
		log.Warn(fmt.Sprintf("daemon.port %d out of range, using %d", cfg.Daemon.Port, def.Daemon.Port))
		cfg.Daemon.Port = def.Daemon.Port
	}
	if cfg.Daemon.Host == "" {
		cfg.Daemon.Host = def.Daemon.Host
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		log.Warn(fmt.Sprintf("logging.level %q invalid, using %q", cfg.Logging.Level, def.Logging.Level))
		cfg.Logging.Level = def.Logging.Level
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		log.Warn(fmt.Sprintf("logging.format %q invalid, using %q", cfg.Logging.Format, def.Logging.Format))
		cfg.Logging.Format = def.Logging.Format
	}

	if cfg.API.URL == "" {
		cfg.API.URL = def.API.URL
	}
	if cfg.Portal.URL == "" {
		cfg.Portal.URL = def.Portal.URL
	}
	if cfg.Agents.Default == "" {
		cfg.Agents.Default = def.Agents.Default
	}
	if cfg.Machine.Name == "" {
		cfg.Machine.Name = def.Machine.Name
	}
	if cfg.Machine.OS == "" {
		cfg.Machine.OS = def.Machine.OS
	}
	if cfg.Machine.Arch == "" {
		cfg.Machine.Arch = def.Machine.Arch
	}
}

// Save writes cfg to dir atomically: the file lands with mode 0600, the
// directory with 0700.
func Save(cfg *Config, dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	path := FilePath(dir)
	tmp, err := os.CreateTemp(dir, "config-*.toml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close config: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Get resolves a dotted key like "api.url" against the config and returns
// its value rendered as a string.
func (c *Config) Get(key string) (string, error) {
	tree, err := c.toTree()
	if err != nil {
		return "", err
	}

	var current any = tree
	for _, segment := range strings.Split(key, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return "", fmt.Errorf("unknown config key %q", key)
		}
		current, ok = m[segment]
		if !ok {
			return "", fmt.Errorf("unknown config key %q", key)
		}
	}

	switch v := current.(type) {
	case string:
		return v, nil
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = fmt.Sprintf("%v", item)
		}
		return strings.Join(parts, ","), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// Set assigns a dotted key, coercing the string value to the existing
// field's type, and updates the config in place.
func (c *Config) Set(key, value string) error {
	tree, err := c.toTree()
	if err != nil {
		return err
	}

	segments := strings.Split(key, ".")
	current := tree
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			return fmt.Errorf("unknown config key %q", key)
		}
		current = next
	}

	leaf := segments[len(segments)-1]
	existing, ok := current[leaf]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}

	coerced, err := coerce(existing, value)
	if err != nil {
		return fmt.Errorf("config key %q: %w", key, err)
	}
	current[leaf] = coerced

	data, err := toml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var updated Config
	if err := toml.Unmarshal(data, &updated); err != nil {
		return fmt.Errorf("apply config change: %w", err)
	}
	*c = updated
	return nil
}

// toTree round-trips the config through TOML into a generic tree so dotted
// keys can be walked uniformly.
func (c *Config) toTree() (map[string]any, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var tree map[string]any
	if err := toml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return tree, nil
}

// coerce converts a string input to the type of the existing value.
func coerce(existing any, value string) (any, error) {
	switch existing.(type) {
	case bool:
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("expected true or false, got %q", value)
		}
		return parsed, nil
	case int64, int:
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %q", value)
		}
		return parsed, nil
	case float64:
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %q", value)
		}
		return parsed, nil
	case []any:
		if value == "" {
			return []any{}, nil
		}
		parts := strings.Split(value, ",")
		out := make([]any, len(parts))
		for i, part := range parts {
			out[i] = strings.TrimSpace(part)
		}
		return out, nil
	default:
		return value, nil
	}
}
