// Package acp defines the canonical event protocol spoken between agent
// adapters, the daemon, and remote clients. Every input from every agent is
// projected into one of the tagged event variants below before it leaves the
// adapter layer.
package acp

// EventType identifies a canonical event variant.
type EventType string

const (
	EventSessionStarted       EventType = "session:started"
	EventSessionStatusChanged EventType = "session:status_changed"
	EventSessionCompleted     EventType = "session:completed"
	EventSessionError         EventType = "session:error"

	EventMessageStart    EventType = "message:start"
	EventMessageDelta    EventType = "message:delta"
	EventMessageComplete EventType = "message:complete"

	EventThinkingStart    EventType = "thinking:start"
	EventThinkingDelta    EventType = "thinking:delta"
	EventThinkingComplete EventType = "thinking:complete"

	EventToolStart     EventType = "tool:start"
	EventToolExecuting EventType = "tool:executing"
	EventToolResult    EventType = "tool:result"
	EventToolError     EventType = "tool:error"

	EventApprovalRequested EventType = "approval:requested"
	EventApprovalResolved  EventType = "approval:resolved"

	EventEnvironmentInfo EventType = "environment:info"

	EventTokenUsage EventType = "resource:token_usage"
	EventCost       EventType = "resource:cost"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusIdle               Status = "idle"
	StatusStarting           Status = "starting"
	StatusRunning            Status = "running"
	StatusWaitingForInput    Status = "waiting_for_input"
	StatusWaitingForApproval Status = "waiting_for_approval"
	StatusCompleted          Status = "completed"
	StatusError              Status = "error"
)

// Role identifies a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Event is the canonical envelope. Every event carries the session it
// belongs to, a string ISO timestamp, and a per-session monotonic sequence
// starting at 0 (gap-free; reset only at session boundary).
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp string    `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
	Payload   any       `json:"payload,omitempty"`
}

// SessionStartedPayload announces a session coming alive.
type SessionStartedPayload struct {
	Agent            string `json:"agent"`
	ProjectPath      string `json:"projectPath"`
	ProjectName      string `json:"projectName"`
	WorkingDirectory string `json:"workingDirectory"`
}

// StatusChangedPayload records a session status transition.
type StatusChangedPayload struct {
	From Status `json:"from"`
	To   Status `json:"to"`
}

// SessionCompletedPayload carries the final summary, when the agent
// produced one.
type SessionCompletedPayload struct {
	Summary string `json:"summary,omitempty"`
}

// ErrorInfo describes a session-level failure.
type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// SessionErrorPayload wraps an ErrorInfo.
type SessionErrorPayload struct {
	Error ErrorInfo `json:"error"`
}

// MessageStartPayload opens a message.
type MessageStartPayload struct {
	MessageID string `json:"messageId"`
	Role      Role   `json:"role"`
}

// MessageDeltaPayload appends incremental text to an open message.
type MessageDeltaPayload struct {
	MessageID string `json:"messageId"`
	Role      Role   `json:"role"`
	Delta     string `json:"delta"`
}

// ContentBlock is one typed block of a completed message.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// MessageCompletePayload closes a message with its full content.
type MessageCompletePayload struct {
	MessageID  string         `json:"messageId"`
	Role       Role           `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stopReason,omitempty"`
}

// ThinkingPayload is shared by the thinking:start/delta/complete variants.
// Delta is populated only on thinking:delta.
type ThinkingPayload struct {
	MessageID string `json:"messageId"`
	Delta     string `json:"delta,omitempty"`
}

// ToolStartPayload announces a tool call the agent intends to make.
type ToolStartPayload struct {
	ToolCallID  string       `json:"toolCallId"`
	Name        string       `json:"name"`
	Category    ToolCategory `json:"category"`
	Description string       `json:"description"`
}

// ToolExecutingPayload reports a tool call entering execution.
type ToolExecutingPayload struct {
	ToolCallID       string         `json:"toolCallId"`
	Name             string         `json:"name"`
	Input            map[string]any `json:"input,omitempty"`
	RiskLevel        RiskLevel      `json:"riskLevel"`
	RequiresApproval bool           `json:"requiresApproval"`
}

// ToolResultPayload carries a finished tool call's output.
type ToolResultPayload struct {
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name"`
	Output     string `json:"output,omitempty"`
	// Duration is wall time in milliseconds.
	Duration int64 `json:"duration"`
}

// ToolErrorPayload carries a failed tool call's error text.
type ToolErrorPayload struct {
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name"`
	Error      string `json:"error"`
}

// ApprovalRequestedPayload asks a human to allow or deny a tool call.
type ApprovalRequestedPayload struct {
	RequestID   string         `json:"requestId"`
	ToolCallID  string         `json:"toolCallId"`
	ToolName    string         `json:"toolName"`
	ToolInput   map[string]any `json:"toolInput,omitempty"`
	Description string         `json:"description"`
	RiskLevel   RiskLevel      `json:"riskLevel"`
	ExpiresAt   string         `json:"expiresAt"`
	Preview     string         `json:"preview,omitempty"`
}

// ApprovalResolvedPayload records the outcome of an approval request.
type ApprovalResolvedPayload struct {
	RequestID  string `json:"requestId"`
	ToolCallID string `json:"toolCallId,omitempty"`
	Approved   bool   `json:"approved"`
	ResolvedBy string `json:"resolvedBy"`
	Reason     string `json:"reason,omitempty"`
}

// ModelInfo identifies the model serving a session.
type ModelInfo struct {
	ID       string `json:"id"`
	Provider string `json:"provider,omitempty"`
}

// ProjectInfo identifies the project a session works in.
type ProjectInfo struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// RuntimeInfo describes the host the agent runs on.
type RuntimeInfo struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
}

// EnvironmentContext is the full environment snapshot of a session.
type EnvironmentContext struct {
	Agent   string      `json:"agent"`
	Model   ModelInfo   `json:"model"`
	Project ProjectInfo `json:"project"`
	Runtime RuntimeInfo `json:"runtime"`
}

// EnvironmentInfoPayload wraps an EnvironmentContext.
type EnvironmentInfoPayload struct {
	Context EnvironmentContext `json:"context"`
}

// Tokens is a token count broken down the way agents report it.
type Tokens struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	Reasoning  int64 `json:"reasoning,omitempty"`
	CacheRead  int64 `json:"cacheRead,omitempty"`
	CacheWrite int64 `json:"cacheWrite,omitempty"`
}

// Total sums all counted tokens.
func (t Tokens) Total() int64 {
	return t.Input + t.Output + t.Reasoning + t.CacheRead + t.CacheWrite
}

// TokenUsagePayload reports token consumption for one step plus the
// session-cumulative total.
type TokenUsagePayload struct {
	Delta      Tokens `json:"delta"`
	Cumulative Tokens `json:"cumulative"`
}

// CostPayload reports monetary cost for one step plus the session total.
type CostPayload struct {
	Delta      float64 `json:"delta"`
	Cumulative float64 `json:"cumulative"`
}
