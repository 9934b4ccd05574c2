package opencode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentap/agentap/internal/common/logger"
	"github.com/agentap/agentap/internal/discovery"
	"github.com/agentap/agentap/pkg/acp"
	oc "github.com/agentap/agentap/pkg/opencode"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stderr",
	})
	require.NoError(t, err)
	return log
}

func newTestDriver(t *testing.T, server *discovery.ServerInfo, sessionID string) *Driver {
	t.Helper()
	drv := newDriver(driverConfig{
		agent:     AgentName,
		command:   defaultCommand,
		store:     newStore(filepath.Join(t.TempDir(), "storage")),
		server:    server,
		sessionID: sessionID,
	}, acp.NewFactory(), newTestLogger(t))
	t.Cleanup(drv.Detach)
	return drv
}

func envelope(t *testing.T, typ string, props any) *oc.Envelope {
	t.Helper()
	raw, err := json.Marshal(props)
	require.NoError(t, err)
	return &oc.Envelope{Type: typ, Properties: raw}
}

func eventTypes(events []*acp.Event) []acp.EventType {
	out := make([]acp.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestHistorySnapshotIsIsolated(t *testing.T) {
	drv := newTestDriver(t, nil, "ses_h")

	drv.projMu.Lock()
	drv.emitEventLocked(acp.EventMessageStart, acp.MessageStartPayload{MessageID: "m1", Role: acp.RoleUser})
	drv.emitEventLocked(acp.EventMessageComplete, acp.MessageCompletePayload{MessageID: "m1", Role: acp.RoleUser})
	drv.projMu.Unlock()

	snapshot := drv.History()
	require.Len(t, snapshot, 2)
	snapshot[0] = nil
	snapshot[1] = nil

	fresh := drv.History()
	require.Len(t, fresh, 2)
	assert.Equal(t, acp.EventMessageStart, fresh[0].Type)
	assert.Equal(t, acp.EventMessageComplete, fresh[1].Type)
	assert.Less(t, fresh[0].Sequence, fresh[1].Sequence)
}

func TestOnEventUnsubscribe(t *testing.T) {
	drv := newTestDriver(t, nil, "ses_h")

	var mu sync.Mutex
	var seen int
	unsubscribe := drv.OnEvent(func(*acp.Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	drv.projMu.Lock()
	drv.emitEventLocked(acp.EventMessageStart, acp.MessageStartPayload{MessageID: "m1", Role: acp.RoleUser})
	drv.projMu.Unlock()

	unsubscribe()

	drv.projMu.Lock()
	drv.emitEventLocked(acp.EventMessageComplete, acp.MessageCompletePayload{MessageID: "m1", Role: acp.RoleUser})
	drv.projMu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen)
}

func TestDetachIsIdempotentAndFinal(t *testing.T) {
	drv := newTestDriver(t, nil, "ses_h")

	var mu sync.Mutex
	var seen int
	drv.OnEvent(func(*acp.Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	drv.projMu.Lock()
	drv.emitEventLocked(acp.EventMessageStart, acp.MessageStartPayload{MessageID: "m1", Role: acp.RoleUser})
	drv.projMu.Unlock()

	drv.Detach()
	drv.Detach()

	drv.projMu.Lock()
	drv.emitEventLocked(acp.EventMessageComplete, acp.MessageCompletePayload{MessageID: "m1", Role: acp.RoleUser})
	drv.projMu.Unlock()

	mu.Lock()
	assert.Equal(t, 1, seen, "no events after detach")
	mu.Unlock()
	assert.Len(t, drv.History(), 1)
}

func TestSendMessageWithoutAnyChannel(t *testing.T) {
	drv := newTestDriver(t, nil, "ses_h")

	err := drv.Execute(context.Background(), &acp.Command{Name: acp.CommandSendMessage, Message: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no server connection")
	assert.Contains(t, err.Error(), "no active process")
}

func TestApproveAndDenyRequireServer(t *testing.T) {
	drv := newTestDriver(t, nil, "ses_h")

	err := drv.Execute(context.Background(), &acp.Command{Name: acp.CommandApproveToolCall, RequestID: "perm_1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no server connection")

	err = drv.Execute(context.Background(), &acp.Command{Name: acp.CommandDenyToolCall, RequestID: "perm_1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no server connection")
}

func TestCancelWithoutChannelsIsNoop(t *testing.T) {
	drv := newTestDriver(t, nil, "ses_h")
	assert.NoError(t, drv.Execute(context.Background(), &acp.Command{Name: acp.CommandCancel}))
}

func TestUnknownCommandIsNoop(t *testing.T) {
	drv := newTestDriver(t, nil, "ses_h")
	assert.NoError(t, drv.Execute(context.Background(), &acp.Command{Name: "dance"}))
	assert.NoError(t, drv.Execute(context.Background(), nil))
	assert.Empty(t, drv.History())
}

func TestTerminateWithoutChannelsDetaches(t *testing.T) {
	drv := newTestDriver(t, nil, "ses_h")
	require.NoError(t, drv.Execute(context.Background(), &acp.Command{Name: acp.CommandTerminate}))
	assert.True(t, drv.detached.Load())
	// Terminate on a detached driver stays a no-op.
	assert.NoError(t, drv.Execute(context.Background(), &acp.Command{Name: acp.CommandTerminate}))
}

func TestBuildRunArgs(t *testing.T) {
	assert.Equal(t, []string{"run", "hi", "--format", "json"}, buildRunArgs("hi"))
}

// fakeServer imitates the OpenCode HTTP surface the driver touches.
type fakeServer struct {
	mu sync.Mutex

	failCreate  bool
	messagePath string
	messageBody []byte
	permissions []string
}

func (f *fakeServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/session":
			if f.failCreate {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"ses_X"}`))
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/session/") && strings.HasSuffix(r.URL.Path, "/message"):
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.messagePath = r.URL.Path
			f.messageBody = body
			f.mu.Unlock()
			_, _ = w.Write([]byte(`{}`))
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/permission/"):
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.permissions = append(f.permissions, r.URL.Path+" "+string(body))
			f.mu.Unlock()
			_, _ = w.Write([]byte(`{}`))
		case r.URL.Path == "/event":
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
			<-r.Context().Done()
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func TestStartViaServer(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	drv := newTestDriver(t, &discovery.ServerInfo{URL: srv.URL}, "")
	require.NoError(t, drv.Start(context.Background(), "/p", "hi"))

	assert.Equal(t, "ses_X", drv.SessionID())
	assert.Equal(t, acp.StatusRunning, drv.Status())

	types := eventTypes(drv.History())
	assert.Contains(t, types, acp.EventSessionStatusChanged)
	assert.Contains(t, types, acp.EventSessionStarted)

	var started acp.SessionStartedPayload
	for _, ev := range drv.History() {
		if ev.Type == acp.EventSessionStarted {
			started = ev.Payload.(acp.SessionStartedPayload)
		}
	}
	assert.Equal(t, "/p", started.ProjectPath)
	assert.Equal(t, "p", started.ProjectName)

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return fake.messagePath != ""
	}, 2*time.Second, 10*time.Millisecond, "prompt must reach the message endpoint")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "/session/ses_X/message", fake.messagePath)
	assert.JSONEq(t, `{"parts":[{"type":"text","text":"hi"}]}`, string(fake.messageBody))
}

func TestStartFallsBackToProcess(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("no 'true' binary on this system")
	}
	fake := &fakeServer{failCreate: true}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	drv := newDriver(driverConfig{
		agent:   AgentName,
		command: "true",
		store:   newStore(filepath.Join(t.TempDir(), "storage")),
		server:  &discovery.ServerInfo{URL: srv.URL},
	}, acp.NewFactory(), newTestLogger(t))
	t.Cleanup(drv.Detach)

	require.NoError(t, drv.Start(context.Background(), t.TempDir(), "hi"))
	assert.NotEmpty(t, drv.SessionID(), "process path mints a provisional session id")

	types := eventTypes(drv.History())
	assert.Contains(t, types, acp.EventSessionStarted)

	require.Eventually(t, func() bool {
		for _, ev := range drv.History() {
			if ev.Type == acp.EventSessionCompleted {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "clean exit emits session:completed")
}

func TestStartSpawnErrorEmitsSessionError(t *testing.T) {
	drv := newDriver(driverConfig{
		agent:   AgentName,
		command: "agentap-no-such-binary",
		store:   newStore(filepath.Join(t.TempDir(), "storage")),
	}, acp.NewFactory(), newTestLogger(t))
	t.Cleanup(drv.Detach)

	err := drv.Start(context.Background(), t.TempDir(), "hi")
	require.Error(t, err)

	var found bool
	for _, ev := range drv.History() {
		if ev.Type == acp.EventSessionError {
			found = true
			payload := ev.Payload.(acp.SessionErrorPayload)
			assert.Equal(t, "SPAWN_ERROR", payload.Error.Code)
		}
	}
	assert.True(t, found)
}

func TestStartTwiceFails(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("no 'true' binary on this system")
	}
	drv := newDriver(driverConfig{
		agent:   AgentName,
		command: "true",
		store:   newStore(filepath.Join(t.TempDir(), "storage")),
	}, acp.NewFactory(), newTestLogger(t))
	t.Cleanup(drv.Detach)

	require.NoError(t, drv.Start(context.Background(), t.TempDir(), "hi"))
	assert.Error(t, drv.Start(context.Background(), t.TempDir(), "hi"))
}

func TestPermissionAskedProducesApprovalRequest(t *testing.T) {
	drv := newTestDriver(t, nil, "ses_p")

	drv.handleServerEvent(envelope(t, oc.EventPermissionAsked, map[string]any{
		"id":         "perm_1",
		"sessionID":  "ses_p",
		"permission": "bash",
		"patterns":   []string{"rm -rf *"},
		"metadata":   map[string]any{"command": "rm -rf /tmp/x"},
		"tool":       map[string]any{"callID": "call_9"},
	}))

	types := eventTypes(drv.History())
	require.Equal(t, []acp.EventType{acp.EventSessionStatusChanged, acp.EventApprovalRequested}, types)

	status := drv.History()[0].Payload.(acp.StatusChangedPayload)
	assert.Equal(t, acp.StatusWaitingForApproval, status.To)

	request := drv.History()[1].Payload.(acp.ApprovalRequestedPayload)
	assert.Equal(t, "perm_1", request.RequestID)
	assert.Equal(t, "call_9", request.ToolCallID)
	assert.Equal(t, "bash", request.ToolName)
	assert.Equal(t, "bash: rm -rf *", request.Description)

	expiry, err := time.Parse(time.RFC3339Nano, request.ExpiresAt)
	require.NoError(t, err)
	assert.InDelta(t, approvalExpiry.Seconds(), time.Until(expiry).Seconds(), 10)
}

func TestPermissionAskedFallsBackToRequestID(t *testing.T) {
	drv := newTestDriver(t, nil, "ses_p")
	drv.handleServerEvent(envelope(t, oc.EventPermissionAsked, map[string]any{
		"id":         "perm_2",
		"sessionID":  "ses_p",
		"permission": "write",
	}))
	request := drv.History()[1].Payload.(acp.ApprovalRequestedPayload)
	assert.Equal(t, "perm_2", request.ToolCallID)
}

func TestPermissionRepliedTransitions(t *testing.T) {
	drv := newTestDriver(t, nil, "ses_p")

	drv.handleServerEvent(envelope(t, oc.EventPermissionAsked, map[string]any{
		"id": "perm_1", "sessionID": "ses_p", "permission": "bash",
	}))
	require.Equal(t, acp.StatusWaitingForApproval, drv.Status())

	drv.handleServerEvent(envelope(t, oc.EventPermissionReplied, map[string]any{
		"sessionID": "ses_p", "response": "once",
	}))
	assert.Equal(t, acp.StatusRunning, drv.Status())

	// A reply with no pending approval changes nothing.
	before := len(drv.History())
	drv.handleServerEvent(envelope(t, oc.EventPermissionReplied, map[string]any{
		"sessionID": "ses_p", "response": "reject",
	}))
	assert.Len(t, drv.History(), before)
	assert.Equal(t, acp.StatusRunning, drv.Status())
}

func TestPermissionRejectMovesToError(t *testing.T) {
	drv := newTestDriver(t, nil, "ses_p")
	drv.handleServerEvent(envelope(t, oc.EventPermissionAsked, map[string]any{
		"id": "perm_1", "sessionID": "ses_p", "permission": "bash",
	}))
	drv.handleServerEvent(envelope(t, oc.EventPermissionReplied, map[string]any{
		"sessionID": "ses_p", "reply": "reject",
	}))
	assert.Equal(t, acp.StatusError, drv.Status())
}

func TestServerEventsForOtherSessionsAreDropped(t *testing.T) {
	drv := newTestDriver(t, nil, "ses_a")

	drv.handleServerEvent(envelope(t, oc.EventMessagePartUpdated, map[string]any{
		"part": map[string]any{
			"id": "prt_1", "messageID": "msg_1", "sessionID": "ses_b",
			"type": "text", "text": "hello",
		},
	}))
	drv.handleServerEvent(envelope(t, oc.EventPermissionAsked, map[string]any{
		"id": "perm_1", "sessionID": "ses_b", "permission": "bash",
	}))

	assert.Empty(t, drv.History())
}

func TestSessionErrorEventFromStream(t *testing.T) {
	drv := newTestDriver(t, nil, "ses_a")
	drv.handleServerEvent(envelope(t, oc.EventSessionError, map[string]any{
		"sessionID": "ses_a",
		"error":     map[string]any{"name": "UnknownError", "data": map[string]any{"message": "exploded"}},
	}))

	require.Len(t, drv.History(), 1)
	payload := drv.History()[0].Payload.(acp.SessionErrorPayload)
	assert.Equal(t, "UnknownError", payload.Error.Code)
	assert.Equal(t, "exploded", payload.Error.Message)
	assert.True(t, payload.Error.Recoverable)
}

func TestApproveToolCallAgainstServer(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	drv := newTestDriver(t, &discovery.ServerInfo{URL: srv.URL}, "ses_p")
	err := drv.Execute(context.Background(), &acp.Command{
		Name:       acp.CommandApproveToolCall,
		RequestID:  "perm_1",
		ToolCallID: "call_9",
	})
	require.NoError(t, err)

	fake.mu.Lock()
	require.Len(t, fake.permissions, 1)
	assert.Contains(t, fake.permissions[0], "/permission/perm_1/reply")
	assert.Contains(t, fake.permissions[0], `"reply":"once"`)
	fake.mu.Unlock()

	resolved := drv.History()[len(drv.History())-1].Payload.(acp.ApprovalResolvedPayload)
	assert.True(t, resolved.Approved)
	assert.Equal(t, "user", resolved.ResolvedBy)
	assert.Equal(t, "call_9", resolved.ToolCallID)
}

func TestDenyToolCallAgainstServer(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	drv := newTestDriver(t, &discovery.ServerInfo{URL: srv.URL}, "ses_p")
	err := drv.Execute(context.Background(), &acp.Command{
		Name:      acp.CommandDenyToolCall,
		RequestID: "perm_1",
		Reason:    "too risky",
	})
	require.NoError(t, err)

	fake.mu.Lock()
	require.Len(t, fake.permissions, 1)
	assert.Contains(t, fake.permissions[0], `"reply":"reject"`)
	assert.Contains(t, fake.permissions[0], "too risky")
	fake.mu.Unlock()

	resolved := drv.History()[len(drv.History())-1].Payload.(acp.ApprovalResolvedPayload)
	assert.False(t, resolved.Approved)
	assert.Equal(t, "too risky", resolved.Reason)
}

func TestStdoutLineAdoptsSessionID(t *testing.T) {
	drv := newTestDriver(t, nil, "")
	drv.projMu.Lock()
	drv.sessionID = "provisional"
	drv.provisional = true
	drv.projMu.Unlock()

	line := `{"type":"message.part.updated","sessionID":"ses_real","properties":{"part":{"id":"prt_1","messageID":"msg_1","sessionID":"ses_real","type":"text","text":"hi"}}}`
	reader := strings.NewReader(line + "\n" + "plain progress text\n")
	drv.consumeStdout(reader)

	assert.Equal(t, "ses_real", drv.SessionID())
	// The part flowed through projection under the adopted id.
	require.NotEmpty(t, drv.History())
	for _, ev := range drv.History() {
		assert.Equal(t, "ses_real", ev.SessionID)
	}
}
