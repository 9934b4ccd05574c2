package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/common/logger"
	"github.com/agentap/agentap/pkg/acp"
)

// hookApprovalTimeout is how long an agent hook waits for a human decision
// before falling back to the agent's native prompt. Kept under typical
// 300-second proxy/client limits.
const hookApprovalTimeout = 290 * time.Second

// Hook decision values understood by the agents' pre-tool-use hooks.
const (
	hookDecisionAllow = "allow"
	hookDecisionDeny  = "deny"
	hookDecisionAsk   = "ask"
)

// hookRequest is the payload an agent-side pre-tool-use hook forwards. The
// field names follow the agent's own hook input format.
type hookRequest struct {
	SessionID     string         `json:"session_id"`
	HookEventName string         `json:"hook_event_name"`
	ToolName      string         `json:"tool_name"`
	ToolInput     map[string]any `json:"tool_input"`
	Cwd           string         `json:"cwd"`
}

type hookSpecificOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
}

type hookResponse struct {
	HookSpecificOutput hookSpecificOutput `json:"hookSpecificOutput"`
}

type hookDecision struct {
	approved bool
	reason   string
}

// HookApprovals bridges agent-side approval hooks into the canonical event
// stream: each forwarded tool call becomes an approval:requested event and
// the HTTP request long-polls until someone resolves it or time runs out.
type HookApprovals struct {
	factory            *acp.Factory
	autoApproveLowRisk bool
	timeout            time.Duration
	logger             *logger.Logger

	mu       sync.Mutex
	notifier func(event *acp.Event)
	pending  map[string]chan hookDecision
}

// NewHookApprovals creates the hook-approval subsystem.
func NewHookApprovals(factory *acp.Factory, autoApproveLowRisk bool, log *logger.Logger) *HookApprovals {
	return &HookApprovals{
		factory:            factory,
		autoApproveLowRisk: autoApproveLowRisk,
		timeout:            hookApprovalTimeout,
		logger:             log.WithFields(zap.String("component", "hook-approvals")),
		pending:            make(map[string]chan hookDecision),
	}
}

// SetNotifier registers the callback that receives each hook approval as an
// approval:requested event.
func (h *HookApprovals) SetNotifier(fn func(event *acp.Event)) {
	h.mu.Lock()
	h.notifier = fn
	h.mu.Unlock()
}

// PendingCount returns the number of hook requests awaiting a decision.
func (h *HookApprovals) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Resolve delivers a decision for a pending hook request. It reports
// whether the request was still pending; late or duplicate resolutions
// return false.
func (h *HookApprovals) Resolve(requestID string, approved bool, reason string) bool {
	h.mu.Lock()
	ch, ok := h.pending[requestID]
	if ok {
		delete(h.pending, requestID)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	ch <- hookDecision{approved: approved, reason: reason}
	return true
}

// handleApprove is the long-poll endpoint for agent pre-tool-use hooks.
func (h *HookApprovals) handleApprove(c *gin.Context) {
	var req hookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hook payload: " + err.Error()})
		return
	}
	if req.ToolName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tool_name is required"})
		return
	}

	risk := acp.AssessRisk(req.ToolName, req.ToolInput)
	if h.autoApproveLowRisk && risk == acp.RiskLow {
		h.logger.Debug("auto-approving low-risk tool call",
			zap.String("tool", req.ToolName),
			zap.String("session_id", req.SessionID))
		c.JSON(http.StatusOK, h.respond(hookDecisionAllow, "Auto-approved low-risk tool call"))
		return
	}

	requestID := uuid.New().String()
	decisionCh := make(chan hookDecision, 1)

	h.mu.Lock()
	h.pending[requestID] = decisionCh
	notifier := h.notifier
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, requestID)
		h.mu.Unlock()
	}()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "unknown"
	}
	event := h.factory.NewEvent(sessionID, acp.EventApprovalRequested, acp.ApprovalRequestedPayload{
		RequestID:   requestID,
		ToolCallID:  requestID,
		ToolName:    req.ToolName,
		ToolInput:   req.ToolInput,
		Description: acp.DescribeToolCall(req.ToolName, req.ToolInput),
		RiskLevel:   risk,
		ExpiresAt:   time.Now().Add(h.timeout).UTC().Format(time.RFC3339Nano),
	})
	if notifier != nil {
		notifier(event)
	}
	h.logger.Info("hook approval pending",
		zap.String("request_id", requestID),
		zap.String("tool", req.ToolName),
		zap.String("risk", string(risk)))

	select {
	case decision := <-decisionCh:
		if decision.approved {
			h.logger.Info("hook approval granted", zap.String("request_id", requestID))
			c.JSON(http.StatusOK, h.respond(hookDecisionAllow, decision.reason))
			return
		}
		reason := decision.reason
		if reason == "" {
			reason = "Denied from a connected device"
		}
		h.logger.Info("hook approval denied", zap.String("request_id", requestID))
		c.JSON(http.StatusOK, h.respond(hookDecisionDeny, reason))
	case <-time.After(h.timeout):
		h.logger.Info("hook approval timed out", zap.String("request_id", requestID))
		c.JSON(http.StatusOK, h.respond(hookDecisionAsk, "No decision in time; deferring to the local prompt"))
	case <-c.Request.Context().Done():
		h.logger.Debug("hook disconnected before a decision", zap.String("request_id", requestID))
	}
}

// handleHealth lets hook scripts probe whether the daemon is reachable
// before they block a tool call on it.
func (h *HookApprovals) handleHealth(c *gin.Context) {
	h.logger.Debug("hook health probe")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HookApprovals) respond(decision, reason string) hookResponse {
	return hookResponse{
		HookSpecificOutput: hookSpecificOutput{
			HookEventName:            "PreToolUse",
			PermissionDecision:       decision,
			PermissionDecisionReason: reason,
		},
	}
}
