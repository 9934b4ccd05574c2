package opencode

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentap/agentap/internal/adapter"
	"github.com/agentap/agentap/internal/discovery"
	"github.com/agentap/agentap/pkg/acp"
	oc "github.com/agentap/agentap/pkg/opencode"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	return New(Config{
		DataDir: t.TempDir(),
		Command: "agentap-test-no-such-binary",
		Discover: func(context.Context) *discovery.ServerInfo {
			return nil
		},
	}, acp.NewFactory(), newTestLogger(t))
}

func seedSession(t *testing.T, a *Adapter, project string, record oc.SessionRecord) {
	t.Helper()
	writeJSON(t, filepath.Join(a.store.sessionRoot(), project, record.ID+".json"), record)
}

func TestDiscoverSessionsSkipsArchived(t *testing.T) {
	a := newTestAdapter(t)
	seedSession(t, a, "proj1", oc.SessionRecord{
		ID:   "ses_live",
		Time: oc.SessionTime{Created: 1000, Updated: 2000},
	})
	seedSession(t, a, "proj1", oc.SessionRecord{
		ID:   "ses_archived",
		Time: oc.SessionTime{Created: 1000, Updated: 9000, Archived: 9500},
	})

	sessions, err := a.DiscoverSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "ses_live", sessions[0].ID)
	assert.Equal(t, time.UnixMilli(2000).UTC(), sessions[0].LastActivity)
}

func TestDiscoverSessionsNewestFirst(t *testing.T) {
	a := newTestAdapter(t)
	seedSession(t, a, "proj1", oc.SessionRecord{ID: "ses_old", Time: oc.SessionTime{Created: 1000, Updated: 1000}})
	seedSession(t, a, "proj2", oc.SessionRecord{ID: "ses_new", Time: oc.SessionTime{Created: 1000, Updated: 3000}})
	seedSession(t, a, "proj1", oc.SessionRecord{ID: "ses_mid", Time: oc.SessionTime{Created: 2000}})

	sessions, err := a.DiscoverSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, "ses_new", sessions[0].ID)
	assert.Equal(t, "ses_mid", sessions[1].ID, "falls back to created time when never updated")
	assert.Equal(t, "ses_old", sessions[2].ID)
}

func TestDiscoverSessionsEmptyStore(t *testing.T) {
	a := newTestAdapter(t)
	sessions, err := a.DiscoverSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestDiscoverSessionsPreviewFields(t *testing.T) {
	a := newTestAdapter(t)
	seedSession(t, a, "proj1", oc.SessionRecord{
		ID:        "ses_a",
		Title:     "Fix the flaky test",
		Directory: "/work/alpha",
		Time:      oc.SessionTime{Created: 1000, Updated: 2000},
	})
	writeJSON(t, filepath.Join(a.store.messageDir("ses_a"), "msg_001.json"), oc.MessageRecord{
		ID: "msg_001", SessionID: "ses_a", Role: oc.RoleUser,
	})
	writeJSON(t, filepath.Join(a.store.messageDir("ses_a"), "msg_002.json"), oc.MessageRecord{
		ID: "msg_002", SessionID: "ses_a", Role: oc.RoleAssistant,
		ProviderID: "anthropic", ModelID: "claude-sonnet-4",
	})
	writeJSON(t, filepath.Join(a.store.partDir("msg_002"), "prt_001.json"), oc.Part{
		ID: "prt_001", MessageID: "msg_002", SessionID: "ses_a",
		Type: oc.PartTypeText, Text: strings.Repeat("B", 250),
	})
	// A newer assistant message with no text yet: the preview falls back to
	// the previous one.
	writeJSON(t, filepath.Join(a.store.messageDir("ses_a"), "msg_003.json"), oc.MessageRecord{
		ID: "msg_003", SessionID: "ses_a", Role: oc.RoleAssistant,
		ProviderID: "anthropic", ModelID: "claude-sonnet-4",
	})

	sessions, err := a.DiscoverSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	session := sessions[0]
	assert.Equal(t, "Fix the flaky test", session.SessionName)
	assert.Equal(t, "/work/alpha", session.ProjectPath)
	assert.Equal(t, "alpha", session.ProjectName)
	assert.Equal(t, "anthropic/claude-sonnet-4", session.Model)
	assert.Equal(t, strings.Repeat("B", 200)+"...", session.LastMessage)
	assert.Equal(t, acp.StatusIdle, session.Status)
	assert.Equal(t, time.UnixMilli(1000).UTC(), session.CreatedAt)
}

func TestCapabilities(t *testing.T) {
	caps := newTestAdapter(t).Capabilities()
	assert.Equal(t, AgentName, caps.Name)
	assert.Equal(t, "OpenCode", caps.DisplayName)
	assert.Equal(t, acp.IntegrationFileWatch, caps.IntegrationMethod)
	assert.True(t, caps.Streaming.Messages)
	assert.True(t, caps.Streaming.Thinking)
	assert.True(t, caps.Approval.Supported)
	assert.False(t, caps.Approval.Preview)
	assert.True(t, caps.SessionControl.Start)
	assert.True(t, caps.SessionControl.Cancel)
	assert.True(t, caps.Resources.Cost)
	assert.True(t, caps.Resources.Tokens)
	assert.True(t, caps.Thinking)
	assert.Empty(t, caps.Version, "version is stamped separately at load time")
}

func TestIsInstalledFalseForMissingBinary(t *testing.T) {
	assert.False(t, newTestAdapter(t).IsInstalled())
}

func TestVersionPrefersDiscoveredServer(t *testing.T) {
	a := New(Config{
		DataDir: t.TempDir(),
		Command: "agentap-test-no-such-binary",
		Discover: func(context.Context) *discovery.ServerInfo {
			return &discovery.ServerInfo{URL: "http://localhost:4096", Version: "0.5.1"}
		},
	}, acp.NewFactory(), newTestLogger(t))
	assert.Equal(t, "0.5.1", a.Version(context.Background()))
}

func TestVersionUnknownWithoutServerOrCLI(t *testing.T) {
	assert.Equal(t, "unknown", newTestAdapter(t).Version(context.Background()))
}

func TestDataPaths(t *testing.T) {
	a := newTestAdapter(t)
	paths := a.DataPaths()
	assert.Equal(t, filepath.Join(a.dataDir, "storage"), paths.StorageDir)
	assert.Equal(t, filepath.Join(a.dataDir, "storage", "session"), paths.SessionsDir)
	assert.Equal(t, filepath.Join(a.dataDir, "log"), paths.LogsDir)
}

func TestAttachToSessionNotFound(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.AttachToSession(context.Background(), "ses_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")
}

func TestAttachToSessionReplaysHistory(t *testing.T) {
	a := newTestAdapter(t)
	seedSession(t, a, "proj1", oc.SessionRecord{
		ID: "ses_a", Directory: "/work/alpha",
		Time: oc.SessionTime{Created: 1000, Updated: 2000},
	})
	writeJSON(t, filepath.Join(a.store.messageDir("ses_a"), "msg_001.json"), oc.MessageRecord{
		ID: "msg_001", SessionID: "ses_a", Role: oc.RoleUser,
	})
	writeJSON(t, filepath.Join(a.store.partDir("msg_001"), "prt_001.json"), oc.Part{
		ID: "prt_001", MessageID: "msg_001", SessionID: "ses_a",
		Type: oc.PartTypeText, Text: "Hello",
	})

	drv, err := a.AttachToSession(context.Background(), "ses_a")
	require.NoError(t, err)
	t.Cleanup(drv.Detach)

	assert.Equal(t, "ses_a", drv.SessionID())
	require.Eventually(t, func() bool {
		return len(drv.History()) >= 2
	}, 2*time.Second, 10*time.Millisecond, "history replay emits the stored user message")

	events := drv.History()
	assert.Equal(t, acp.EventMessageStart, events[0].Type)
	assert.Equal(t, acp.EventMessageComplete, events[1].Type)
	complete := events[1].Payload.(acp.MessageCompletePayload)
	require.Len(t, complete.Content, 1)
	assert.Equal(t, "Hello", complete.Content[0].Text)
}

func TestWatchSessions(t *testing.T) {
	a := newTestAdapter(t)
	seedSession(t, a, "proj1", oc.SessionRecord{ID: "ses_seed"})

	var mu sync.Mutex
	var events []adapter.SessionEvent
	stop, err := a.WatchSessions(func(ev adapter.SessionEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer stop()

	seen := func(typ, sessionID string) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			for _, ev := range events {
				if ev.Type == typ && ev.SessionID == sessionID && ev.Agent == AgentName {
					return true
				}
			}
			return false
		}
	}

	path := filepath.Join(a.store.sessionRoot(), "proj1", "ses_new.json")
	writeJSON(t, path, oc.SessionRecord{ID: "ses_new"})
	require.Eventually(t, seen(adapter.SessionCreated, "ses_new"), 2*time.Second, 10*time.Millisecond)

	writeJSON(t, path, oc.SessionRecord{ID: "ses_new", Title: "renamed"})
	require.Eventually(t, seen(adapter.SessionUpdated, "ses_new"), 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, seen(adapter.SessionRemoved, "ses_new"), 2*time.Second, 10*time.Millisecond)

	// Files that are not session records produce no notifications.
	writeRaw(t, filepath.Join(a.store.sessionRoot(), "proj1", "scratch.txt"), "x")
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	for _, ev := range events {
		assert.NotEqual(t, "scratch", ev.SessionID)
	}
	mu.Unlock()

	stop()
	stop() // stopping twice is fine
}

func TestStartSessionFailsWithoutServerOrBinary(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.StartSession(context.Background(), t.TempDir(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start session")
}

func TestTruncateDisplay(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short unchanged", "hello", 10, "hello"},
		{"exact length unchanged", "hello", 5, "hello"},
		{"over limit truncated", "hello world", 5, "hello..."},
		{"multibyte runes counted", "héllo wörld", 5, "héllo..."},
		{"empty", "", 5, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncateDisplay(tt.in, tt.max))
		})
	}
}

func TestProjectNameOf(t *testing.T) {
	assert.Equal(t, "Unknown", projectNameOf(""))
	assert.Equal(t, "alpha", projectNameOf("/work/alpha"))
}
