package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentap/agentap/internal/adapter"
	"github.com/agentap/agentap/internal/common/config"
	"github.com/agentap/agentap/internal/common/logger"
	"github.com/agentap/agentap/internal/events/bus"
	"github.com/agentap/agentap/pkg/acp"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stderr",
	})
	require.NoError(t, err)
	return log
}

// fakeDriver is a scriptable in-memory session driver.
type fakeDriver struct {
	mu        sync.Mutex
	id        string
	listeners map[int]func(*acp.Event)
	nextSub   int
	history   []*acp.Event
	executed  []*acp.Command
	execErr   error
	refreshes int
	detached  bool
}

func newFakeDriver(id string) *fakeDriver {
	return &fakeDriver{id: id, listeners: map[int]func(*acp.Event){}}
}

func (f *fakeDriver) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

func (f *fakeDriver) setSessionID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = id
}

func (f *fakeDriver) Start(ctx context.Context, projectPath, prompt string) error {
	return nil
}

func (f *fakeDriver) Execute(ctx context.Context, cmd *acp.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, cmd)
	return f.execErr
}

func (f *fakeDriver) OnEvent(cb func(*acp.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.listeners[id] = cb
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeDriver) History() []*acp.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*acp.Event, len(f.history))
	copy(out, f.history)
	return out
}

func (f *fakeDriver) Refresh() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
}

func (f *fakeDriver) Detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = true
}

// emit records ev and delivers it to every listener, like a real driver
// pushing live activity.
func (f *fakeDriver) emit(ev *acp.Event) {
	f.mu.Lock()
	f.history = append(f.history, ev)
	cbs := make([]func(*acp.Event), 0, len(f.listeners))
	for _, cb := range f.listeners {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

func (f *fakeDriver) isDetached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detached
}

func (f *fakeDriver) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func (f *fakeDriver) commands() []*acp.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*acp.Command, len(f.executed))
	copy(out, f.executed)
	return out
}

// fakeAdapter serves canned sessions and drivers.
type fakeAdapter struct {
	name string

	mu          sync.Mutex
	sessions    []*acp.Session
	drivers     map[string]*fakeDriver
	started     *fakeDriver
	startErr    error
	attachFails map[string]int
	watchCb     func(adapter.SessionEvent)
	watchStops  int
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name:        name,
		drivers:     map[string]*fakeDriver{},
		attachFails: map[string]int{},
	}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Capabilities() acp.Capabilities {
	return acp.Capabilities{Name: f.name, DisplayName: "Mock Agent"}
}

func (f *fakeAdapter) IsInstalled() bool { return true }

func (f *fakeAdapter) Version(ctx context.Context) string { return "0.0.0-test" }

func (f *fakeAdapter) DataPaths() adapter.DataPaths { return adapter.DataPaths{} }

func (f *fakeAdapter) DiscoverSessions(ctx context.Context) ([]*acp.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*acp.Session, len(f.sessions))
	for i, s := range f.sessions {
		record := *s
		out[i] = &record
	}
	return out, nil
}

func (f *fakeAdapter) WatchSessions(cb func(adapter.SessionEvent)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchCb = cb
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.watchStops++
	}, nil
}

func (f *fakeAdapter) AttachToSession(ctx context.Context, sessionID string) (adapter.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if remaining := f.attachFails[sessionID]; remaining > 0 {
		f.attachFails[sessionID] = remaining - 1
		return nil, fmt.Errorf("agent busy")
	}
	drv, ok := f.drivers[sessionID]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	return drv, nil
}

func (f *fakeAdapter) StartSession(ctx context.Context, projectPath, prompt string) (adapter.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.started == nil {
		f.started = newFakeDriver("")
	}
	return f.started, nil
}

// addSession registers a discoverable session, optionally with a driver
// to hand out on attach.
func (f *fakeAdapter) addSession(s *acp.Session, drv *fakeDriver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, s)
	if drv != nil {
		f.drivers[s.ID] = drv
	}
}

// updateSession mutates a canned record in place, simulating the agent
// rewriting its session file.
func (f *fakeAdapter) updateSession(id string, mutate func(*acp.Session)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ID == id {
			mutate(s)
		}
	}
}

func (f *fakeAdapter) removeSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.sessions[:0]
	for _, s := range f.sessions {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	f.sessions = kept
	delete(f.drivers, id)
}

// notify fires the watch callback outside the adapter lock, the way a
// real fsnotify goroutine would.
func (f *fakeAdapter) notify(typ, sessionID string) {
	f.mu.Lock()
	cb := f.watchCb
	f.mu.Unlock()
	if cb != nil {
		cb(adapter.SessionEvent{Type: typ, SessionID: sessionID, Agent: f.name})
	}
}

func (f *fakeAdapter) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watchStops
}

// fixture wires a daemon around one fake adapter, a temp config dir, and
// an observable in-memory bus. The server binds an ephemeral port.
type fixture struct {
	t       *testing.T
	d       *Daemon
	adapter *fakeAdapter
	cfg     *config.Config
	dir     string
	bus     *bus.MemoryEventBus
	factory *acp.Factory
}

func newFixture(t *testing.T, mutate func(cfg *config.Config, fa *fakeAdapter)) *fixture {
	t.Helper()
	log := newTestLogger(t)
	dir := t.TempDir()

	cfg := config.LoadFromDir(dir)
	cfg.Daemon.Host = "127.0.0.1"
	cfg.Daemon.Port = 0
	cfg.Tunnel.Enabled = false
	cfg.Adapters.Enabled = []string{"mockagent"}

	fa := newFakeAdapter("mockagent")
	if mutate != nil {
		mutate(cfg, fa)
	}

	memBus := bus.NewMemoryEventBus(log)
	factory := acp.NewFactory()
	d := New(cfg, Options{
		ConfigDir: dir,
		NoTunnel:  true,
		Builtins:  []adapter.Adapter{fa},
		Bus:       memBus,
		Factory:   factory,
	}, log)
	d.retryDelay = 20 * time.Millisecond
	d.claudeDir = filepath.Join(dir, "claude")
	d.opencodeDir = filepath.Join(dir, "opencode")

	return &fixture{t: t, d: d, adapter: fa, cfg: cfg, dir: dir, bus: memBus, factory: factory}
}

func (f *fixture) start() {
	f.t.Helper()
	require.NoError(f.t, f.d.Start(context.Background()))
	f.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.d.Stop(ctx)
	})
}

// collectBusEvents subscribes to a subject and buffers everything
// published there.
func (f *fixture) collectBusEvents(subject string) <-chan *bus.Event {
	f.t.Helper()
	ch := make(chan *bus.Event, 64)
	sub, err := f.bus.Subscribe(subject, func(ctx context.Context, ev *bus.Event) error {
		select {
		case ch <- ev:
		default:
		}
		return nil
	})
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = sub.Unsubscribe() })
	return ch
}

// driverOf peeks at the table for a session's attached driver.
func (f *fixture) driverOf(id string) adapter.Driver {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	if s, ok := f.d.sessions[id]; ok {
		return s.driver
	}
	return nil
}

func (f *fixture) sessionData(id string) (acp.Session, bool) {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	if s, ok := f.d.sessions[id]; ok {
		return s.data, true
	}
	return acp.Session{}, false
}
