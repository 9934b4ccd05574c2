// Package daemon is the orchestrator: it owns the session table, runs the
// WebSocket server, drives adapters and their drivers, supervises the
// tunnel, and reports to the remote API when the machine is linked. All
// session-table mutations happen under one mutex; everything slow runs
// outside it.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentap/agentap/internal/adapter"
	"github.com/agentap/agentap/internal/adapter/loader"
	"github.com/agentap/agentap/internal/adapter/opencode"
	"github.com/agentap/agentap/internal/common/config"
	"github.com/agentap/agentap/internal/common/logger"
	"github.com/agentap/agentap/internal/events"
	"github.com/agentap/agentap/internal/events/bus"
	"github.com/agentap/agentap/internal/remote"
	"github.com/agentap/agentap/internal/server"
	"github.com/agentap/agentap/internal/tunnel"
	"github.com/agentap/agentap/pkg/acp"
)

const (
	// sessionRetainWindow bounds which discovered sessions get tracked.
	sessionRetainWindow = 24 * time.Hour
	// eagerAttachWindow marks recently-active sessions for attach at start.
	eagerAttachWindow = 5 * time.Minute

	attachAttempts   = 3
	attachRetryDelay = 2 * time.Second

	heartbeatInterval = 60 * time.Second
)

// session is one tracked agent conversation. The data copy is mutated only
// under the daemon mutex.
type session struct {
	data        acp.Session
	driver      adapter.Driver
	unsubscribe func()
}

// Options configures a Daemon beyond what the config file carries.
type Options struct {
	// ConfigDir defaults to config.Dir().
	ConfigDir string
	// NoTunnel advertises a LAN address instead of starting any tunnel.
	NoTunnel bool
	// Builtins are the compiled-in adapters; nil means the standard set.
	Builtins []adapter.Adapter
	// Bus defaults to an in-memory event bus.
	Bus bus.EventBus
	// Remote defaults to a client for the configured API URL.
	Remote *remote.Client
	// Tunnel defaults to a cloudflared supervisor.
	Tunnel *tunnel.Supervisor
	// Factory defaults to a fresh event factory.
	Factory *acp.Factory
}

// Daemon is the long-running agent bridge process.
type Daemon struct {
	cfg       *config.Config
	configDir string
	noTunnel  bool
	log       *logger.Logger

	factory  *acp.Factory
	eventBus bus.EventBus
	registry *loader.Registry
	builtins []adapter.Adapter
	server   *server.Server
	tunnel   *tunnel.Supervisor
	remote   *remote.Client

	// claudeDir and opencodeDir locate the agent configs the hook
	// installers write into.
	claudeDir   string
	opencodeDir string

	retryDelay time.Duration

	mu           sync.Mutex
	sessions     map[string]*session
	capabilities map[string]acp.Capabilities
	retrying     map[string]bool
	advertised   string
	heartbeatOn  bool
	watcherStops []func()

	kick         chan struct{}
	stopCh       chan struct{}
	stopOnce     sync.Once
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New assembles a daemon around cfg. Nothing runs until Start.
func New(cfg *config.Config, opts Options, log *logger.Logger) *Daemon {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "daemon"))

	configDir := opts.ConfigDir
	if configDir == "" {
		configDir = config.Dir()
	}
	factory := opts.Factory
	if factory == nil {
		factory = acp.NewFactory()
	}
	eventBus := opts.Bus
	if eventBus == nil {
		eventBus = bus.NewMemoryEventBus(log)
	}
	remoteClient := opts.Remote
	if remoteClient == nil {
		remoteClient = remote.NewClient(cfg.API.URL, log)
	}
	tun := opts.Tunnel
	if tun == nil {
		tun = tunnel.New(tunnel.Config{BinDir: filepath.Join(configDir, "bin")}, eventBus, log)
	}
	builtins := opts.Builtins
	if builtins == nil {
		builtins = []adapter.Adapter{
			opencode.New(opencode.Config{}, factory, log),
		}
	}

	claudeDir := ""
	opencodeDir := ""
	if home, err := os.UserHomeDir(); err == nil {
		claudeDir = filepath.Join(home, ".claude")
		opencodeDir = filepath.Join(home, ".config", "opencode")
	}

	d := &Daemon{
		cfg:          cfg,
		configDir:    configDir,
		noTunnel:     opts.NoTunnel || !cfg.Tunnel.Enabled,
		log:          log,
		factory:      factory,
		eventBus:     eventBus,
		builtins:     builtins,
		tunnel:       tun,
		remote:       remoteClient,
		claudeDir:    claudeDir,
		opencodeDir:  opencodeDir,
		retryDelay:   attachRetryDelay,
		sessions:     make(map[string]*session),
		capabilities: make(map[string]acp.Capabilities),
		retrying:     make(map[string]bool),
		kick:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		shutdownCh:   make(chan struct{}),
	}
	if cfg.IsLinked() {
		d.remote.SetCredentials(cfg.Machine.ID, cfg.Machine.APISecret)
	}
	return d
}

// Start brings the daemon up:  server, pidfile, tunnel, adapters, hook
// installers, session discovery, watchers, heartbeat. A port conflict is
// the only fatal error; everything else degrades with a log line.
func (d *Daemon) Start(ctx context.Context) error {
	d.server = server.New(server.Config{
		Host:               d.cfg.Daemon.Host,
		Port:               d.cfg.Daemon.Port,
		AutoApproveLowRisk: d.cfg.Approvals.AutoApproveLowRisk,
	}, d.factory, d.callbacks(), d.log)
	if err := d.server.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	port := d.server.Port()

	// Hook approvals flow through the same canonical handler as driver
	// events, so they are broadcast and forwarded like everything else.
	d.server.Hooks().SetNotifier(d.handleEvent)

	if err := WritePidfile(d.configDir, port); err != nil {
		d.log.Warn("failed to write pidfile", zap.Error(err))
	}

	d.startTunnel(ctx, port)
	d.loadAdapters(ctx)
	d.installAgentHooks()
	d.initSessions(ctx)
	d.startWatchers()

	if d.cfg.IsLinked() {
		d.startHeartbeat()
	}

	d.log.Info("daemon started",
		zap.Int("port", port),
		zap.Bool("linked", d.cfg.IsLinked()),
		zap.Strings("agents", d.registry.Names()))
	return nil
}

// Stop tears everything down in dependency order: heartbeat, watchers,
// drivers, tunnel, pidfile, server. Safe to call more than once.
func (d *Daemon) Stop(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		close(d.stopCh)

		d.mu.Lock()
		stops := d.watcherStops
		d.watcherStops = nil
		detaching := make([]*session, 0, len(d.sessions))
		for _, s := range d.sessions {
			detaching = append(detaching, s)
		}
		d.mu.Unlock()

		for _, stop := range stops {
			stop()
		}
		for _, s := range detaching {
			d.detach(s)
		}

		d.tunnel.Stop()
		if removeErr := RemovePidfile(d.configDir); removeErr != nil {
			d.log.Debug("failed to remove pidfile", zap.Error(removeErr))
		}
		if d.server != nil {
			err = d.server.Close(ctx)
		}
		d.wg.Wait()
		d.log.Info("daemon stopped")
	})
	return err
}

// ShutdownRequested is closed when a local client asks the daemon to exit.
func (d *Daemon) ShutdownRequested() <-chan struct{} {
	return d.shutdownCh
}

func (d *Daemon) requestShutdown() {
	d.shutdownOnce.Do(func() {
		close(d.shutdownCh)
	})
}

// Port returns the bound server port.
func (d *Daemon) Port() int {
	if d.server == nil {
		return d.cfg.Daemon.Port
	}
	return d.server.Port()
}

// Server returns the WebSocket server, nil before Start.
func (d *Daemon) Server() *server.Server {
	return d.server
}

func (d *Daemon) callbacks() server.Callbacks {
	return server.Callbacks{
		OnAuth:                d.authenticate,
		OnCommand:             d.handleCommand,
		OnTerminateSession:    d.terminateSession,
		OnStartSession:        d.startSession,
		GetSessions:           func() any { return d.Sessions() },
		GetCapabilities:       func() any { return d.Capabilities() },
		GetSessionHistory:     d.sessionHistory,
		OnClientAuthenticated: d.onClientAuthenticated,
		OnShutdownRequest:     d.requestShutdown,
	}
}

// startTunnel resolves the advertised URL per config: LAN address when
// tunnels are off, the named tunnel when a token is saved, nothing until
// linking otherwise. Tunnel failures never stop the daemon.
func (d *Daemon) startTunnel(ctx context.Context, port int) {
	if d.noTunnel {
		url := fmt.Sprintf("http://%s:%d", lanIPv4(), port)
		d.setAdvertised(url)
		d.log.Info("tunnel disabled, advertising LAN address", zap.String("url", url))
		return
	}
	token := d.cfg.Machine.TunnelToken
	if token == "" {
		d.log.Debug("no tunnel token saved, deferring tunnel until linking")
		return
	}
	if err := d.tunnel.StartWithToken(ctx, token); err != nil {
		d.log.Error("failed to start tunnel", zap.Error(err))
		return
	}
	d.setAdvertised(d.cfg.Machine.TunnelURL)
	d.log.Info("named tunnel established", zap.String("url", d.cfg.Machine.TunnelURL))
}

func (d *Daemon) setAdvertised(url string) {
	d.mu.Lock()
	d.advertised = url
	d.mu.Unlock()
}

func (d *Daemon) advertisedURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advertised
}

// loadAdapters builds the registry and records each loaded adapter's
// capabilities, stamped with its detected version.
func (d *Daemon) loadAdapters(ctx context.Context) {
	pluginDir := d.cfg.Adapters.PluginDir
	if pluginDir == "" {
		pluginDir = filepath.Join(d.configDir, "plugins")
	}
	d.registry = loader.Load(loader.Options{
		Builtins:  d.builtins,
		Enabled:   d.cfg.Adapters.Enabled,
		PluginDir: pluginDir,
	}, d.log)

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.registry.List() {
		caps := a.Capabilities()
		caps.Version = a.Version(ctx)
		d.capabilities[a.Name()] = caps
	}
}

// installAgentHooks injects the approval-forwarding hook and plugin into
// the agents' own configuration. A read-only filesystem just logs.
func (d *Daemon) installAgentHooks() {
	if d.claudeDir != "" {
		if err := InstallClaudeHook(d.configDir, d.claudeDir, d.log); err != nil {
			d.log.Info("claude hook not installed", zap.Error(err))
		}
	}
	if d.opencodeDir != "" {
		if err := InstallOpenCodePlugin(d.opencodeDir, d.log); err != nil {
			d.log.Info("opencode plugin not installed", zap.Error(err))
		}
	}
}

// initSessions discovers each adapter's recent sessions and tracks them,
// eagerly attaching the ones active within the last few minutes. One
// failing adapter does not block the others.
func (d *Daemon) initSessions(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range d.registry.List() {
		a := a
		g.Go(func() error {
			discovered, err := a.DiscoverSessions(gctx)
			if err != nil {
				d.log.Warn("session discovery failed",
					zap.String("agent", a.Name()),
					zap.Error(err))
				return nil
			}
			now := time.Now()
			for _, record := range discovered {
				if now.Sub(record.LastActivity) > sessionRetainWindow {
					continue
				}
				eager := now.Sub(record.LastActivity) <= eagerAttachWindow

				d.mu.Lock()
				if _, tracked := d.sessions[record.ID]; tracked {
					d.mu.Unlock()
					continue
				}
				data := *record
				if eager {
					data.Status = acp.StatusRunning
				}
				d.sessions[record.ID] = &session{data: data}
				d.mu.Unlock()

				if eager {
					if err := d.attachSession(gctx, record.ID); err != nil {
						d.log.Warn("eager attach failed",
							zap.String("session_id", record.ID),
							zap.Error(err))
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	d.mu.Lock()
	count := len(d.sessions)
	d.mu.Unlock()
	d.log.Info("sessions initialized", zap.Int("count", count))
}

// startWatchers begins following every adapter's session store.
func (d *Daemon) startWatchers() {
	for _, a := range d.registry.List() {
		stop, err := a.WatchSessions(d.handleSessionEvent)
		if err != nil {
			d.log.Warn("session watcher failed to start",
				zap.String("agent", a.Name()),
				zap.Error(err))
			continue
		}
		d.mu.Lock()
		d.watcherStops = append(d.watcherStops, stop)
		d.mu.Unlock()
	}
}

// Sessions returns a snapshot of the table, newest activity first.
func (d *Daemon) Sessions() []acp.Session {
	d.mu.Lock()
	out := make([]acp.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s.data)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Capabilities returns the loaded adapters' capability records in name
// order.
func (d *Daemon) Capabilities() []acp.Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.capabilities))
	for name := range d.capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]acp.Capabilities, 0, len(names))
	for _, name := range names {
		out = append(out, d.capabilities[name])
	}
	return out
}

func (d *Daemon) agentNames() []string {
	if d.registry == nil {
		return nil
	}
	return d.registry.Names()
}

func (d *Daemon) onClientAuthenticated(userID string) {
	d.log.Debug("client authenticated", zap.String("user_id", userID))
	if d.cfg.IsLinked() {
		d.kickHeartbeat()
	}
}

// publishEvent puts one canonical event on the bus under its session's
// subject.
func (d *Daemon) publishEvent(ev *acp.Event) {
	subject := events.BuildACPEventSubject(ev.SessionID)
	if err := d.eventBus.Publish(context.Background(), subject, bus.NewEvent(events.ACPEvent, "daemon", ev)); err != nil {
		d.log.Warn("failed to publish event", zap.Error(err))
	}
}

// publishSessions puts a table snapshot on the bus.
func (d *Daemon) publishSessions() {
	snapshot := d.Sessions()
	if err := d.eventBus.Publish(context.Background(), events.SessionsUpdated, bus.NewEvent(events.SessionsUpdated, "daemon", snapshot)); err != nil {
		d.log.Warn("failed to publish sessions snapshot", zap.Error(err))
	}
}

// lanIPv4 returns the machine's first non-loopback IPv4 address, falling
// back to localhost.
func lanIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() {
			continue
		}
		return ip.String()
	}
	return "127.0.0.1"
}
