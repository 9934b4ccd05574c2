// Package tunnel supervises a cloudflared child process that exposes the
// local daemon port on a public URL. It supports anonymous quick tunnels
// and token-authenticated named tunnels, restarts the child on unexpected
// exits, and publishes status transitions on the event bus.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/common/config"
	"github.com/agentap/agentap/internal/common/logger"
	"github.com/agentap/agentap/internal/events"
	"github.com/agentap/agentap/internal/events/bus"
)

const (
	// DefaultBinary is the tunnel provider binary managed by the supervisor.
	DefaultBinary = "cloudflared"

	// NamedTunnelURL is advertised for token tunnels, whose real hostname
	// is configured remotely and never printed by the child.
	NamedTunnelURL = "named-tunnel"

	defaultDownloadBase   = "https://github.com/cloudflare/cloudflared/releases/latest/download"
	defaultStartupTimeout = 30 * time.Second
	defaultReconnectDelay = 2 * time.Second
	defaultMaxReconnects  = 5
	maxReconnectDelay     = 30 * time.Second

	// namedReadyMarker appears on stderr once a named tunnel has
	// registered its first connection with the edge.
	namedReadyMarker = "Registered tunnel connection"
)

// quickTunnelURLRe matches the public hostname cloudflared prints when an
// anonymous quick tunnel comes up.
var quickTunnelURLRe = regexp.MustCompile(`https://[a-zA-Z0-9][a-zA-Z0-9-]*\.trycloudflare\.com`)

// Status is the lifecycle state reported on the event bus.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Info describes an established tunnel.
type Info struct {
	URL string `json:"tunnelUrl"`
	ID  string `json:"tunnelId"`
}

// Config controls the supervisor. The zero value is production-ready;
// every field exists so tests can substitute fakes.
type Config struct {
	// Binary is the provider binary name looked up on PATH.
	Binary string
	// BinaryPath, when set, is used verbatim and skips installation.
	BinaryPath string
	// BinDir receives downloaded binaries. Defaults to <configDir>/bin.
	BinDir string
	// DownloadBase is the release download URL prefix.
	DownloadBase string

	StartupTimeout time.Duration
	ReconnectDelay time.Duration
	MaxReconnects  int
}

// Supervisor owns at most one tunnel child process at a time.
type Supervisor struct {
	cfg      Config
	eventBus bus.EventBus
	log      *logger.Logger

	mu       sync.Mutex
	gen      int
	running  bool
	stopped  bool
	attempts int
	mode     launchMode
	cmd      *exec.Cmd
	url      string
	stopCh   chan struct{}
}

// launchMode captures how the child is invoked and how its output signals
// readiness.
type launchMode struct {
	port  int
	token string
}

func (m launchMode) named() bool {
	return m.token != ""
}

func (m launchMode) args() []string {
	if m.named() {
		return []string{"tunnel", "--no-autoupdate", "run", "--token", m.token}
	}
	return []string{"tunnel", "--url", fmt.Sprintf("http://localhost:%d", m.port)}
}

// matchReady reports whether an output line announces a usable tunnel, and
// the URL to advertise for it.
func (m launchMode) matchReady(line string) (string, bool) {
	if m.named() {
		if strings.Contains(line, namedReadyMarker) {
			return NamedTunnelURL, true
		}
		return "", false
	}
	if url := quickTunnelURLRe.FindString(line); url != "" {
		return url, true
	}
	return "", false
}

// New creates a supervisor. The event bus may be nil when status fan-out is
// not needed.
func New(cfg Config, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.BinDir == "" {
		cfg.BinDir = filepath.Join(config.Dir(), "bin")
	}
	if cfg.DownloadBase == "" {
		cfg.DownloadBase = defaultDownloadBase
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	return &Supervisor{cfg: cfg, eventBus: eventBus, log: log}
}

// Start opens an anonymous quick tunnel for the local port and returns its
// public URL once the child reports one.
func (s *Supervisor) Start(ctx context.Context, port int) (*Info, error) {
	gen, err := s.acquire(launchMode{port: port})
	if err != nil {
		return nil, err
	}
	url, err := s.start(ctx, gen)
	if err != nil {
		s.release(gen)
		return nil, err
	}
	s.publishStatus(StatusConnected, url, "")
	return &Info{URL: url, ID: uuid.NewString()}, nil
}

// StartWithToken runs a token-authenticated named tunnel. The public URL is
// part of the remote tunnel configuration, so URL reports NamedTunnelURL.
func (s *Supervisor) StartWithToken(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("tunnel token is empty")
	}
	gen, err := s.acquire(launchMode{token: token})
	if err != nil {
		return err
	}
	url, err := s.start(ctx, gen)
	if err != nil {
		s.release(gen)
		return err
	}
	s.publishStatus(StatusConnected, url, "")
	return nil
}

// Stop kills the current child, if any, and clears tunnel state. It is safe
// to call repeatedly and the supervisor can be started again afterwards.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.running = false
	s.attempts = 0
	s.url = ""
	close(s.stopCh)
	cmd := s.cmd
	s.cmd = nil
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			_ = cmd.Process.Kill()
		}
	}
	s.log.Info("tunnel stopped")
}

// Running reports whether a tunnel is currently established or reconnecting.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// URL returns the advertised tunnel URL, or "" when no tunnel is up.
func (s *Supervisor) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// acquire claims exclusive ownership for one tunnel run and returns its
// generation. Later generations invalidate goroutines from earlier runs.
func (s *Supervisor) acquire(mode launchMode) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return 0, errors.New("Tunnel already running")
	}
	s.gen++
	s.running = true
	s.stopped = false
	s.attempts = 0
	s.mode = mode
	s.stopCh = make(chan struct{})
	return s.gen, nil
}

func (s *Supervisor) release(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.running = false
	s.cmd = nil
	s.url = ""
	s.attempts = 0
}

func (s *Supervisor) start(ctx context.Context, gen int) (string, error) {
	path, err := s.EnsureInstalled(ctx)
	if err != nil {
		return "", err
	}
	return s.launch(ctx, gen, path)
}

// launch spawns the child and waits for it to report readiness. On success
// a monitor goroutine takes over the child's lifecycle.
func (s *Supervisor) launch(ctx context.Context, gen int, path string) (string, error) {
	s.mu.Lock()
	mode := s.mode
	stopCh := s.stopCh
	s.mu.Unlock()

	cmd := exec.Command(path, mode.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("spawn %s: %w", path, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }()
		return "", errors.New("tunnel restarted during launch")
	}
	s.cmd = cmd
	s.mu.Unlock()

	ready := make(chan string, 2)
	var scanners sync.WaitGroup
	scanners.Add(2)
	go func() {
		defer scanners.Done()
		s.scanOutput(stdout, mode, ready)
	}()
	go func() {
		defer scanners.Done()
		s.scanOutput(stderr, mode, ready)
	}()

	// Wait drains the pipes, so it must not run before the scanners finish.
	waitErr := make(chan error, 1)
	go func() {
		scanners.Wait()
		waitErr <- cmd.Wait()
	}()

	select {
	case url := <-ready:
		s.mu.Lock()
		if s.gen == gen {
			s.url = url
		}
		s.mu.Unlock()
		go s.monitor(gen, stopCh, waitErr)
		return url, nil
	case err := <-waitErr:
		s.clearChild(gen, cmd)
		if err != nil {
			return "", fmt.Errorf("tunnel exited before becoming ready: %w", err)
		}
		return "", errors.New("tunnel exited before becoming ready")
	case <-time.After(s.cfg.StartupTimeout):
		_ = cmd.Process.Kill()
		<-waitErr
		s.clearChild(gen, cmd)
		return "", errors.New("Tunnel startup timeout")
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		s.clearChild(gen, cmd)
		return "", ctx.Err()
	}
}

func (s *Supervisor) clearChild(gen int, cmd *exec.Cmd) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen && s.cmd == cmd {
		s.cmd = nil
	}
}

// scanOutput watches the child's output for the readiness marker. Lines are
// logged at debug level so tunnel failures can be diagnosed from daemon logs.
func (s *Supervisor) scanOutput(r io.Reader, mode launchMode, ready chan<- string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		s.log.Debug("tunnel output", zap.String("line", line))
		if url, ok := mode.matchReady(line); ok {
			select {
			case ready <- url:
			default:
			}
		}
	}
}

// monitor owns the child after a successful launch: it reaps the process,
// reports clean disconnects, and drives reconnection after crashes.
func (s *Supervisor) monitor(gen int, stopCh chan struct{}, waitErr <-chan error) {
	err := <-waitErr

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	stopped := s.stopped
	s.cmd = nil
	s.url = ""
	s.mu.Unlock()

	if stopped {
		return
	}
	if err == nil {
		s.log.Info("tunnel exited cleanly")
		s.publishStatus(StatusDisconnected, "", "")
		s.release(gen)
		return
	}

	s.log.Warn("tunnel exited unexpectedly", zap.Error(err))
	s.reconnect(gen, stopCh)
}

// reconnect respawns the child with capped exponential backoff. Attempts
// reset after each successful launch, so the cap bounds a single outage.
func (s *Supervisor) reconnect(gen int, stopCh chan struct{}) {
	for {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		if attempt > s.cfg.MaxReconnects {
			s.log.Error("tunnel reconnect attempts exhausted",
				zap.Int("attempts", s.cfg.MaxReconnects))
			s.publishStatus(StatusError, "",
				fmt.Sprintf("tunnel failed after %d reconnect attempts", s.cfg.MaxReconnects))
			s.release(gen)
			return
		}

		delay := reconnectDelay(s.cfg.ReconnectDelay, attempt)
		s.log.Info("reconnecting tunnel",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		select {
		case <-stopCh:
			return
		case <-time.After(delay):
		}

		path, err := s.EnsureInstalled(context.Background())
		if err != nil {
			s.log.Warn("tunnel reconnect failed", zap.Error(err))
			continue
		}
		url, err := s.launch(context.Background(), gen, path)
		if err != nil {
			s.log.Warn("tunnel reconnect failed", zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.attempts = 0
		s.mu.Unlock()
		s.publishStatus(StatusConnected, url, "")
		return
	}
}

func reconnectDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	return delay
}

func (s *Supervisor) publishStatus(status Status, url, errMsg string) {
	if s.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"status": string(status),
	}
	if url != "" {
		data["url"] = url
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	event := bus.NewEvent(events.TunnelStatus, "tunnel", data)
	if err := s.eventBus.Publish(context.Background(), events.TunnelStatus, event); err != nil {
		s.log.Warn("failed to publish tunnel status", zap.Error(err))
	}
}
