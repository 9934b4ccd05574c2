package tunnel

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentap/agentap/internal/common/logger"
	"github.com/agentap/agentap/internal/events"
	"github.com/agentap/agentap/internal/events/bus"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "json",
		OutputPath: os.DevNull,
	})
	return log
}

// writeScript drops an executable shell script standing in for cloudflared.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tunnel process tests require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-cloudflared")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []map[string]interface{}
}

func newStatusRecorder(t *testing.T, eventBus bus.EventBus) *statusRecorder {
	t.Helper()
	rec := &statusRecorder{}
	_, err := eventBus.Subscribe(events.TunnelStatus, func(ctx context.Context, event *bus.Event) error {
		data, _ := event.Data.(map[string]interface{})
		rec.mu.Lock()
		rec.statuses = append(rec.statuses, data)
		rec.mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return rec
}

func (r *statusRecorder) find(status Status) map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, data := range r.statuses {
		if data["status"] == string(status) {
			return data
		}
	}
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newSupervisor(t *testing.T, script string) (*Supervisor, *statusRecorder) {
	t.Helper()
	log := testLogger()
	eventBus := bus.NewMemoryEventBus(log)
	rec := newStatusRecorder(t, eventBus)
	s := New(Config{
		BinaryPath:     script,
		BinDir:         t.TempDir(),
		StartupTimeout: 2 * time.Second,
		ReconnectDelay: 5 * time.Millisecond,
		MaxReconnects:  2,
	}, eventBus, log)
	t.Cleanup(s.Stop)
	return s, rec
}

func TestQuickTunnelStart(t *testing.T) {
	script := writeScript(t, `echo "INF Visit https://quick-test.trycloudflare.com to access"
exec sleep 30`)
	s, rec := newSupervisor(t, script)

	info, err := s.Start(context.Background(), 9876)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if info.URL != "https://quick-test.trycloudflare.com" {
		t.Errorf("Start() URL = %q, want quick tunnel hostname", info.URL)
	}
	if info.ID == "" {
		t.Error("Start() returned empty tunnel ID")
	}
	if got := s.URL(); got != info.URL {
		t.Errorf("URL() = %q, want %q", got, info.URL)
	}
	if !s.Running() {
		t.Error("Running() = false after successful Start()")
	}

	connected := rec.find(StatusConnected)
	if connected == nil {
		t.Fatal("no connected status event published")
	}
	if connected["url"] != info.URL {
		t.Errorf("connected event url = %v, want %q", connected["url"], info.URL)
	}

	s.Stop()
	if s.Running() {
		t.Error("Running() = true after Stop()")
	}
	if s.URL() != "" {
		t.Errorf("URL() = %q after Stop(), want empty", s.URL())
	}
}

func TestStartWhileRunningFails(t *testing.T) {
	script := writeScript(t, `echo "https://first.trycloudflare.com"
exec sleep 30`)
	s, _ := newSupervisor(t, script)

	if _, err := s.Start(context.Background(), 9876); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	if _, err := s.Start(context.Background(), 9877); err == nil {
		t.Fatal("second Start() succeeded, want error")
	} else if !strings.Contains(err.Error(), "already running") {
		t.Errorf("second Start() error = %q, want already running", err)
	}
	if err := s.StartWithToken(context.Background(), "tok"); err == nil {
		t.Fatal("StartWithToken() succeeded while quick tunnel running")
	}
}

func TestStartWithTokenNamedTunnel(t *testing.T) {
	script := writeScript(t, `echo "2026-01-01T00:00:00Z INF Registered tunnel connection connIndex=0" 1>&2
exec sleep 30`)
	s, rec := newSupervisor(t, script)

	if err := s.StartWithToken(context.Background(), "eyJhIjoiYiJ9"); err != nil {
		t.Fatalf("StartWithToken() error: %v", err)
	}
	if got := s.URL(); got != NamedTunnelURL {
		t.Errorf("URL() = %q, want %q", got, NamedTunnelURL)
	}
	connected := rec.find(StatusConnected)
	if connected == nil {
		t.Fatal("no connected status event published")
	}
	if connected["url"] != NamedTunnelURL {
		t.Errorf("connected event url = %v, want %q", connected["url"], NamedTunnelURL)
	}
}

func TestStartWithTokenRequiresToken(t *testing.T) {
	s, _ := newSupervisor(t, filepath.Join(t.TempDir(), "unused"))
	if err := s.StartWithToken(context.Background(), ""); err == nil {
		t.Fatal("StartWithToken(\"\") succeeded, want error")
	}
	if s.Running() {
		t.Error("Running() = true after rejected start")
	}
}

func TestStartupTimeout(t *testing.T) {
	script := writeScript(t, `exec sleep 30`)
	log := testLogger()
	s := New(Config{
		BinaryPath:     script,
		BinDir:         t.TempDir(),
		StartupTimeout: 100 * time.Millisecond,
		ReconnectDelay: 5 * time.Millisecond,
		MaxReconnects:  1,
	}, nil, log)
	t.Cleanup(s.Stop)

	_, err := s.Start(context.Background(), 9876)
	if err == nil {
		t.Fatal("Start() succeeded without any tunnel URL output")
	}
	if err.Error() != "Tunnel startup timeout" {
		t.Errorf("Start() error = %q, want Tunnel startup timeout", err)
	}
	if s.Running() {
		t.Error("Running() = true after startup timeout")
	}
}

func TestChildExitBeforeReady(t *testing.T) {
	script := writeScript(t, `exit 0`)
	s, _ := newSupervisor(t, script)

	_, err := s.Start(context.Background(), 9876)
	if err == nil {
		t.Fatal("Start() succeeded for a child that exited immediately")
	}
	if !strings.Contains(err.Error(), "exited before becoming ready") {
		t.Errorf("Start() error = %q, want exited before becoming ready", err)
	}
	if s.Running() {
		t.Error("Running() = true after failed start")
	}
}

func TestCleanExitPublishesDisconnected(t *testing.T) {
	script := writeScript(t, `echo "https://short-lived.trycloudflare.com"
sleep 0.2
exit 0`)
	s, rec := newSupervisor(t, script)

	if _, err := s.Start(context.Background(), 9876); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return rec.find(StatusDisconnected) != nil
	}, "no disconnected status after clean child exit")
	waitFor(t, time.Second, func() bool {
		return !s.Running()
	}, "Running() still true after clean child exit")
}

func TestCrashReconnectsUntilCap(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "crashed-once")
	s, rec := newSupervisor(t, writeScript(t, `if [ -f `+marker+` ]; then
  exit 1
fi
touch `+marker+`
echo "https://crash-test.trycloudflare.com"
sleep 0.2
exit 1`))

	if _, err := s.Start(context.Background(), 9876); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return rec.find(StatusError) != nil
	}, "no error status after reconnect attempts exhausted")

	errEvent := rec.find(StatusError)
	msg, _ := errEvent["error"].(string)
	if !strings.Contains(msg, "reconnect attempts") {
		t.Errorf("error event message = %q, want reconnect attempts", msg)
	}
	waitFor(t, time.Second, func() bool {
		return !s.Running()
	}, "Running() still true after giving up")
}

func TestStopIsIdempotentAndRestartable(t *testing.T) {
	script := writeScript(t, `echo "https://restart-test.trycloudflare.com"
exec sleep 30`)
	s, _ := newSupervisor(t, script)

	if _, err := s.Start(context.Background(), 9876); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	s.Stop()
	s.Stop()
	if s.Running() {
		t.Error("Running() = true after Stop()")
	}

	if _, err := s.Start(context.Background(), 9876); err != nil {
		t.Fatalf("Start() after Stop() error: %v", err)
	}
	if !s.Running() {
		t.Error("Running() = false after restart")
	}
}

func TestLaunchModeArgs(t *testing.T) {
	quick := launchMode{port: 9876}
	want := []string{"tunnel", "--url", "http://localhost:9876"}
	if got := quick.args(); !reflect.DeepEqual(got, want) {
		t.Errorf("quick args = %v, want %v", got, want)
	}

	named := launchMode{token: "tok123"}
	want = []string{"tunnel", "--no-autoupdate", "run", "--token", "tok123"}
	if got := named.args(); !reflect.DeepEqual(got, want) {
		t.Errorf("named args = %v, want %v", got, want)
	}
}

func TestMatchReady(t *testing.T) {
	tests := []struct {
		name    string
		mode    launchMode
		line    string
		wantURL string
		wantOK  bool
	}{
		{
			name:    "quick tunnel url in banner",
			mode:    launchMode{port: 9876},
			line:    "|  https://lively-otter.trycloudflare.com  |",
			wantURL: "https://lively-otter.trycloudflare.com",
			wantOK:  true,
		},
		{
			name: "quick tunnel noise",
			mode: launchMode{port: 9876},
			line: "INF Requesting new quick Tunnel on trycloudflare.com...",
		},
		{
			name:    "named tunnel registration",
			mode:    launchMode{token: "tok"},
			line:    "INF Registered tunnel connection connIndex=0 location=fra01",
			wantURL: NamedTunnelURL,
			wantOK:  true,
		},
		{
			name: "named tunnel noise",
			mode: launchMode{token: "tok"},
			line: "INF Starting tunnel tunnelID=abc",
		},
	}
	for _, tc := range tests {
		url, ok := tc.mode.matchReady(tc.line)
		if ok != tc.wantOK || url != tc.wantURL {
			t.Errorf("%s: matchReady(%q) = (%q, %v), want (%q, %v)",
				tc.name, tc.line, url, ok, tc.wantURL, tc.wantOK)
		}
	}
}

func TestReconnectDelayCaps(t *testing.T) {
	tests := []struct {
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{2 * time.Second, 1, 2 * time.Second},
		{2 * time.Second, 2, 4 * time.Second},
		{2 * time.Second, 3, 8 * time.Second},
		{2 * time.Second, 10, maxReconnectDelay},
		{5 * time.Millisecond, 3, 20 * time.Millisecond},
	}
	for _, tc := range tests {
		if got := reconnectDelay(tc.base, tc.attempt); got != tc.want {
			t.Errorf("reconnectDelay(%v, %d) = %v, want %v", tc.base, tc.attempt, got, tc.want)
		}
	}
}
