package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentap/agentap/pkg/acp"
)

func hookTestServer(t *testing.T, autoApprove bool) *Server {
	t.Helper()
	return New(Config{AutoApproveLowRisk: autoApprove}, acp.NewFactory(), Callbacks{}, newTestLogger(t))
}

func postJSON(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

// approveCall runs the long-polling approve request in the background so
// the test can resolve it from the other side.
type approveCall struct {
	rec  *httptest.ResponseRecorder
	done chan struct{}
}

func startApprove(t *testing.T, s *Server, body any) *approveCall {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/hooks/approve", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")

	call := &approveCall{rec: httptest.NewRecorder(), done: make(chan struct{})}
	go func() {
		defer close(call.done)
		s.engine.ServeHTTP(call.rec, req)
	}()
	return call
}

func (a *approveCall) wait(t *testing.T) *httptest.ResponseRecorder {
	t.Helper()
	select {
	case <-a.done:
		return a.rec
	case <-time.After(2 * time.Second):
		t.Fatal("approve request did not finish")
		return nil
	}
}

func decodeHookResponse(t *testing.T, rec *httptest.ResponseRecorder) hookSpecificOutput {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code)
	var resp hookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "PreToolUse", resp.HookSpecificOutput.HookEventName)
	return resp.HookSpecificOutput
}

func bashHookBody(sessionID, command string) map[string]any {
	return map[string]any{
		"session_id":      sessionID,
		"hook_event_name": "PreToolUse",
		"tool_name":       "Bash",
		"tool_input":      map[string]any{"command": command},
		"cwd":             "/home/dev/proj",
	}
}

func TestHookApproveRejectsBadPayloads(t *testing.T) {
	s := hookTestServer(t, false)

	req := httptest.NewRequest(http.MethodPost, "/api/hooks/approve", bytes.NewReader([]byte("{broken")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid hook payload")

	rec = postJSON(t, s, "/api/hooks/approve", map[string]any{"session_id": "sess-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "tool_name is required")
}

func TestHookAutoApprovesLowRiskTools(t *testing.T) {
	s := hookTestServer(t, true)
	notified := make(chan *acp.Event, 1)
	s.hooks.SetNotifier(func(event *acp.Event) { notified <- event })

	rec := postJSON(t, s, "/api/hooks/approve", map[string]any{
		"session_id": "sess-1",
		"tool_name":  "Read",
		"tool_input": map[string]any{"file_path": "/home/dev/proj/main.go"},
	})

	out := decodeHookResponse(t, rec)
	assert.Equal(t, hookDecisionAllow, out.PermissionDecision)
	assert.Equal(t, "Auto-approved low-risk tool call", out.PermissionDecisionReason)
	assert.Zero(t, s.hooks.PendingCount())
	select {
	case <-notified:
		t.Fatal("auto-approval should not notify clients")
	default:
	}
}

func TestHookLowRiskStillWaitsWithoutAutoApprove(t *testing.T) {
	s := hookTestServer(t, false)
	notified := make(chan *acp.Event, 1)
	s.hooks.SetNotifier(func(event *acp.Event) { notified <- event })

	call := startApprove(t, s, map[string]any{
		"session_id": "sess-1",
		"tool_name":  "Read",
		"tool_input": map[string]any{"file_path": "/etc/hosts"},
	})

	var event *acp.Event
	select {
	case event = <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("approval request was not published")
	}
	payload, ok := event.Payload.(acp.ApprovalRequestedPayload)
	require.True(t, ok)

	require.True(t, s.hooks.Resolve(payload.RequestID, false, ""))
	out := decodeHookResponse(t, call.wait(t))
	assert.Equal(t, hookDecisionDeny, out.PermissionDecision)
}

func TestHookApproveAllow(t *testing.T) {
	s := hookTestServer(t, true)
	notified := make(chan *acp.Event, 1)
	s.hooks.SetNotifier(func(event *acp.Event) { notified <- event })

	input := map[string]any{"command": "git status"}
	call := startApprove(t, s, bashHookBody("sess-1", "git status"))

	var event *acp.Event
	select {
	case event = <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("approval request was not published")
	}
	require.Equal(t, acp.EventApprovalRequested, event.Type)
	assert.Equal(t, "sess-1", event.SessionID)

	payload, ok := event.Payload.(acp.ApprovalRequestedPayload)
	require.True(t, ok)
	require.NotEmpty(t, payload.RequestID)
	assert.Equal(t, payload.RequestID, payload.ToolCallID)
	assert.Equal(t, "Bash", payload.ToolName)
	assert.Equal(t, acp.DescribeToolCall("Bash", input), payload.Description)
	assert.Equal(t, acp.AssessRisk("Bash", input), payload.RiskLevel)

	expires, err := time.Parse(time.RFC3339Nano, payload.ExpiresAt)
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()), "expiry should be in the future")

	assert.Equal(t, 1, s.hooks.PendingCount())
	require.True(t, s.hooks.Resolve(payload.RequestID, true, "Looks safe"))

	out := decodeHookResponse(t, call.wait(t))
	assert.Equal(t, hookDecisionAllow, out.PermissionDecision)
	assert.Equal(t, "Looks safe", out.PermissionDecisionReason)
	assert.Zero(t, s.hooks.PendingCount())
}

func TestHookApproveDenyDefaultReason(t *testing.T) {
	s := hookTestServer(t, false)
	notified := make(chan *acp.Event, 1)
	s.hooks.SetNotifier(func(event *acp.Event) { notified <- event })

	call := startApprove(t, s, bashHookBody("sess-1", "rm -rf build"))

	event := <-notified
	payload := event.Payload.(acp.ApprovalRequestedPayload)
	require.True(t, s.hooks.Resolve(payload.RequestID, false, ""))

	out := decodeHookResponse(t, call.wait(t))
	assert.Equal(t, hookDecisionDeny, out.PermissionDecision)
	assert.Equal(t, "Denied from a connected device", out.PermissionDecisionReason)
}

func TestHookApproveTimesOutToAsk(t *testing.T) {
	s := hookTestServer(t, false)
	s.hooks.timeout = 60 * time.Millisecond

	call := startApprove(t, s, bashHookBody("sess-1", "make build"))

	out := decodeHookResponse(t, call.wait(t))
	assert.Equal(t, hookDecisionAsk, out.PermissionDecision)
	assert.Equal(t, "No decision in time; deferring to the local prompt", out.PermissionDecisionReason)
	assert.Zero(t, s.hooks.PendingCount())
}

func TestHookSessionIDFallsBackToUnknown(t *testing.T) {
	s := hookTestServer(t, false)
	notified := make(chan *acp.Event, 1)
	s.hooks.SetNotifier(func(event *acp.Event) { notified <- event })

	call := startApprove(t, s, map[string]any{
		"tool_name":  "Write",
		"tool_input": map[string]any{"file_path": "/tmp/out.txt"},
	})

	event := <-notified
	assert.Equal(t, "unknown", event.SessionID)

	payload := event.Payload.(acp.ApprovalRequestedPayload)
	s.hooks.Resolve(payload.RequestID, true, "")
	call.wait(t)
}

func TestResolveUnknownRequest(t *testing.T) {
	s := hookTestServer(t, false)
	assert.False(t, s.hooks.Resolve("no-such-request", true, "fine"))
}

func TestHookHealth(t *testing.T) {
	s := hookTestServer(t, false)

	rec := postJSON(t, s, "/api/hooks/health", map[string]any{"probe": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
