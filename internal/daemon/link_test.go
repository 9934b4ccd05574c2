package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentap/agentap/internal/common/config"
	"github.com/agentap/agentap/internal/remote"
	v1 "github.com/agentap/agentap/pkg/api/v1"
)

func TestLinkerBegin(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/machines/link-request", r.URL.Path)
		var req v1.LinkRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"opencode"}, req.AgentsDetected)
		assert.NotEmpty(t, req.MachineName)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"WXYZ-1234"}`))
	}))
	defer ts.Close()

	log := newTestLogger(t)
	linker := &Linker{
		Config:    config.LoadFromDir(t.TempDir()),
		ConfigDir: t.TempDir(),
		Client:    remote.NewClient(ts.URL, log),
		Logger:    log,
	}

	handle, err := linker.Begin(context.Background(), []string{"opencode"})
	require.NoError(t, err)
	assert.Equal(t, "WXYZ-1234", handle.Code)
	assert.Contains(t, handle.QR, `"code":"WXYZ-1234"`, "QR payload embeds the code")
}

func TestLinkerWaitPersistsCredentials(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/machines/link-status/CODE-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"linked": true,
			"machineId": "mach-9",
			"userId": "user-9",
			"apiSecret": "secret-9",
			"tunnelToken": "tok-9",
			"tunnelUrl": "https://mach-9.agentap.dev"
		}`))
	}))
	defer ts.Close()

	log := newTestLogger(t)
	dir := t.TempDir()
	cfg := config.LoadFromDir(dir)
	require.False(t, cfg.IsLinked())

	heartbeats := 0
	var startedWithToken string
	linker := &Linker{
		Config:         cfg,
		ConfigDir:      dir,
		Client:         remote.NewClient(ts.URL, log),
		StartHeartbeat: func() { heartbeats++ },
		StartTunnel:    func(token string) error { startedWithToken = token; return nil },
		Logger:         log,
	}

	polls := 0
	status, err := linker.Wait(context.Background(), "CODE-1", func(attempt int) { polls++ })
	require.NoError(t, err)
	require.True(t, status.Linked)
	assert.Equal(t, "mach-9", status.MachineID)

	assert.Equal(t, 1, heartbeats)
	assert.Equal(t, "tok-9", startedWithToken)
	assert.Zero(t, polls, "first poll already linked")

	// In-memory record updated...
	assert.True(t, cfg.IsLinked())
	assert.Equal(t, "user-9", cfg.Machine.UserID)

	// ...and the file persisted for the next daemon start.
	reloaded := config.LoadFromDir(dir)
	assert.Equal(t, "mach-9", reloaded.Machine.ID)
	assert.Equal(t, "secret-9", reloaded.Machine.APISecret)
	assert.Equal(t, "tok-9", reloaded.Machine.TunnelToken)
	assert.Equal(t, "https://mach-9.agentap.dev", reloaded.Machine.TunnelURL)
	assert.True(t, reloaded.IsLinked())
}

func TestLinkerWaitNoTunnelSkipsTunnelStart(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"linked":true,"machineId":"m","userId":"u","apiSecret":"s","tunnelToken":"tok"}`))
	}))
	defer ts.Close()

	log := newTestLogger(t)
	dir := t.TempDir()
	tunnelStarted := false
	linker := &Linker{
		Config:      config.LoadFromDir(dir),
		ConfigDir:   dir,
		Client:      remote.NewClient(ts.URL, log),
		NoTunnel:    true,
		StartTunnel: func(string) error { tunnelStarted = true; return nil },
		Logger:      log,
	}

	_, err := linker.Wait(context.Background(), "CODE-1", nil)
	require.NoError(t, err)
	assert.False(t, tunnelStarted)
}

func TestLinkerWaitExpiredCode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"gone"}`, http.StatusGone)
	}))
	defer ts.Close()

	log := newTestLogger(t)
	dir := t.TempDir()
	linker := &Linker{
		Config:    config.LoadFromDir(dir),
		ConfigDir: dir,
		Client:    remote.NewClient(ts.URL, log),
		Logger:    log,
	}

	_, err := linker.Wait(context.Background(), "CODE-GONE", nil)
	require.Error(t, err)
	assert.Equal(t, "Link request not found or expired", err.Error())
}
