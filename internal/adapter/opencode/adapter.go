// Package opencode adapts OpenCode to the canonical agent protocol.
// OpenCode persists every session, message, and part as its own JSON file
// under an XDG-style storage root; the adapter reads that tree for
// discovery and history, watches it for live changes, and talks to a
// locally-running OpenCode server over HTTP/SSE when one can be found.
package opencode

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/adapter"
	"github.com/agentap/agentap/internal/common/logger"
	"github.com/agentap/agentap/internal/discovery"
	"github.com/agentap/agentap/pkg/acp"
	oc "github.com/agentap/agentap/pkg/opencode"
)

// AgentName is the canonical agent identifier for OpenCode.
const AgentName = "opencode"

const (
	displayName    = "OpenCode"
	defaultCommand = "opencode"

	lastMessageLimit = 200
)

// DiscoverFunc locates a running OpenCode server, returning nil when none
// answers.
type DiscoverFunc func(ctx context.Context) *discovery.ServerInfo

// Config tunes an Adapter. The zero value targets the standard
// installation.
type Config struct {
	// DataDir overrides OpenCode's data root
	// (default <home>/.local/share/opencode).
	DataDir string
	// Command is the CLI binary name used for spawning and version checks.
	Command string
	// Discover overrides server discovery; nil uses the port sweep.
	Discover DiscoverFunc
}

// Adapter implements the agent contract for OpenCode.
type Adapter struct {
	command  string
	dataDir  string
	store    *store
	discover DiscoverFunc
	factory  *acp.Factory
	log      *logger.Logger
}

var _ adapter.Adapter = (*Adapter)(nil)

// New builds an OpenCode adapter. The factory is shared with the rest of
// the daemon so sequence numbers stay consistent across components.
func New(cfg Config, factory *acp.Factory, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Default()
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = defaultDataDir()
	}
	command := cfg.Command
	if command == "" {
		command = defaultCommand
	}
	discoverFn := cfg.Discover
	if discoverFn == nil {
		discoverFn = func(ctx context.Context) *discovery.ServerInfo {
			return discovery.Discover(ctx, log)
		}
	}
	return &Adapter{
		command:  command,
		dataDir:  dataDir,
		store:    newStore(filepath.Join(dataDir, "storage")),
		discover: discoverFn,
		factory:  factory,
		log:      log,
	}
}

// defaultDataDir resolves OpenCode's storage root the way OpenCode itself
// does: XDG_DATA_HOME when set, otherwise ~/.local/share.
func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "opencode")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "opencode")
}

// Name returns the canonical agent name.
func (a *Adapter) Name() string {
	return AgentName
}

// Capabilities returns the static capability record. The version field is
// left empty; callers that need it stamp in Version(ctx) at load time.
func (a *Adapter) Capabilities() acp.Capabilities {
	return acp.Capabilities{
		Name:              AgentName,
		DisplayName:       displayName,
		Icon:              "opencode",
		IntegrationMethod: acp.IntegrationFileWatch,
		Streaming:         acp.StreamingCaps{Messages: true, Thinking: true, ToolCalls: true},
		Approval:          acp.ApprovalCaps{Supported: true, Preview: false},
		SessionControl:    acp.SessionControlCaps{Start: true, Cancel: true},
		Planning:          acp.PlanningCaps{},
		Resources:         acp.ResourceCaps{Cost: true, Tokens: true},
		FileOperations:    acp.FileOperationCaps{Diffs: true, BatchedChanges: false},
		UserInteraction:   acp.UserInteractionCaps{Multimodal: true, SubAgents: false},
		Thinking:          true,
	}
}

// IsInstalled reports whether the OpenCode CLI is on PATH.
func (a *Adapter) IsInstalled() bool {
	_, err := exec.LookPath(a.command)
	return err == nil
}

// Version returns the agent version: a discovered server's self-report
// wins, then the CLI's, then "unknown".
func (a *Adapter) Version(ctx context.Context) string {
	if info := a.discover(ctx); info != nil && info.Version != "" {
		return info.Version
	}
	out, err := exec.CommandContext(ctx, a.command, "--version").Output()
	if err != nil {
		return "unknown"
	}
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if line == "" {
		return "unknown"
	}
	return line
}

// DataPaths returns OpenCode's fixed on-disk locations.
func (a *Adapter) DataPaths() adapter.DataPaths {
	configDir := ""
	if home, err := os.UserHomeDir(); err == nil {
		configDir = filepath.Join(home, ".config", "opencode")
	}
	return adapter.DataPaths{
		StorageDir:  a.store.root,
		SessionsDir: a.store.sessionRoot(),
		ConfigDir:   configDir,
		LogsDir:     filepath.Join(a.dataDir, "log"),
	}
}

// DiscoverSessions enumerates non-archived sessions on disk, newest
// activity first. Malformed entries are skipped; a missing store yields an
// empty list.
func (a *Adapter) DiscoverSessions(ctx context.Context) ([]*acp.Session, error) {
	records := a.store.listSessions()
	sessions := make([]*acp.Session, 0, len(records))
	for _, record := range records {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if record.Archived() {
			continue
		}
		sessions = append(sessions, a.sessionFromRecord(record))
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivity.After(sessions[j].LastActivity)
	})
	return sessions, nil
}

func (a *Adapter) sessionFromRecord(record *oc.SessionRecord) *acp.Session {
	session := &acp.Session{
		ID:           record.ID,
		Agent:        AgentName,
		ProjectPath:  record.Directory,
		ProjectName:  projectNameOf(record.Directory),
		Status:       acp.StatusIdle,
		SessionName:  record.Title,
		CreatedAt:    time.UnixMilli(record.Time.Created).UTC(),
		LastActivity: lastActivityOf(record),
	}
	a.fillPreview(session)
	return session
}

func lastActivityOf(record *oc.SessionRecord) time.Time {
	stamp := record.Time.Updated
	if stamp == 0 {
		stamp = record.Time.Created
	}
	return time.UnixMilli(stamp).UTC()
}

// fillPreview derives the display fields from the newest assistant
// message: its model, and its text as the last-message preview.
func (a *Adapter) fillPreview(session *acp.Session) {
	messages := a.store.listMessages(session.ID)
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role != oc.RoleAssistant {
			continue
		}
		if session.Model == "" {
			session.Model = modelString(msg.ProviderID, msg.ModelID)
		}
		if text := joinTextParts(a.store.listParts(msg.ID)); text != "" {
			session.LastMessage = truncateDisplay(text, lastMessageLimit)
			return
		}
	}
}

// truncateDisplay caps a display string at max characters, marking the cut
// with an ellipsis.
func truncateDisplay(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// WatchSessions watches the session index two levels deep and reports
// every JSON file that appears, changes, or disappears. The returned func
// stops the watch.
func (a *Adapter) WatchSessions(cb func(adapter.SessionEvent)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create session watcher: %w", err)
	}
	root := a.store.sessionRoot()
	if err := watcher.Add(root); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}
	// Existing project directories now; new ones from create events.
	if entries, err := os.ReadDir(root); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = watcher.Add(filepath.Join(root, entry.Name()))
			}
		}
	}

	done := make(chan struct{})
	go a.sessionWatchLoop(watcher, cb, done)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = watcher.Close()
		})
	}
	return stop, nil
}

func (a *Adapter) sessionWatchLoop(watcher *fsnotify.Watcher, cb func(adapter.SessionEvent), done chan struct{}) {
	root := a.store.sessionRoot()
	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if filepath.Dir(event.Name) == root {
						_ = watcher.Add(event.Name)
					}
					continue
				}
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			// Only session files two levels under the root count.
			if filepath.Dir(filepath.Dir(event.Name)) != root {
				continue
			}

			var typ string
			switch {
			case event.Op&fsnotify.Create != 0:
				typ = adapter.SessionCreated
			case event.Op&fsnotify.Write != 0:
				typ = adapter.SessionUpdated
			default:
				typ = adapter.SessionRemoved
			}
			cb(adapter.SessionEvent{
				Type:      typ,
				SessionID: strings.TrimSuffix(filepath.Base(event.Name), ".json"),
				Agent:     AgentName,
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.log.Debug("session index watcher error", zap.Error(err))
		}
	}
}

// AttachToSession builds a driver for an existing on-disk session and
// starts its history replay and live feeds.
func (a *Adapter) AttachToSession(ctx context.Context, sessionID string) (adapter.Driver, error) {
	record, err := a.store.findSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	drv := newDriver(driverConfig{
		agent:      AgentName,
		command:    a.command,
		store:      a.store,
		server:     a.discover(ctx),
		sessionID:  sessionID,
		projectDir: record.Directory,
	}, a.factory, a.log)
	drv.begin()
	return drv, nil
}

// StartSession builds a driver for a brand-new session and starts it with
// the given prompt.
func (a *Adapter) StartSession(ctx context.Context, projectPath, prompt string) (adapter.Driver, error) {
	drv := newDriver(driverConfig{
		agent:      AgentName,
		command:    a.command,
		store:      a.store,
		server:     a.discover(ctx),
		projectDir: projectPath,
	}, a.factory, a.log)
	if err := drv.Start(ctx, projectPath, prompt); err != nil {
		drv.Detach()
		return nil, fmt.Errorf("start session: %w", err)
	}
	return drv, nil
}
