package acp

import "time"

// Session is the daemon's view of one agent conversation. Entries exist in
// the daemon table exactly while some adapter's discover or watch reported
// them and they have not been removed.
type Session struct {
	ID          string `json:"id"`
	Agent       string `json:"agent"`
	MachineID   string `json:"machineId"`
	ProjectPath string `json:"projectPath"`
	ProjectName string `json:"projectName"`
	Status      Status `json:"status"`
	// SessionName is derived from the first user message, once known.
	SessionName string `json:"sessionName,omitempty"`
	// LastMessage is the latest assistant text, truncated for display.
	LastMessage  string    `json:"lastMessage,omitempty"`
	Model        string    `json:"model,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	AgentMode    string    `json:"agentMode,omitempty"`
}

// IntegrationMethod states how an adapter observes its agent.
type IntegrationMethod string

const (
	IntegrationFileWatch IntegrationMethod = "file-watch"
	IntegrationProcess   IntegrationMethod = "process"
	IntegrationHTTP      IntegrationMethod = "http"
	IntegrationSSE       IntegrationMethod = "sse"
	IntegrationHybrid    IntegrationMethod = "hybrid"
)

// StreamingCaps declares which live streams the adapter can produce.
type StreamingCaps struct {
	Messages  bool `json:"messages"`
	Thinking  bool `json:"thinking"`
	ToolCalls bool `json:"toolCalls"`
}

// ApprovalCaps declares tool-approval abilities.
type ApprovalCaps struct {
	Supported bool `json:"supported"`
	Preview   bool `json:"preview"`
}

// SessionControlCaps declares which lifecycle commands the agent honors.
type SessionControlCaps struct {
	Start  bool `json:"start"`
	Cancel bool `json:"cancel"`
	Pause  bool `json:"pause"`
	Resume bool `json:"resume"`
}

// PlanningCaps declares plan/progress reporting abilities.
type PlanningCaps struct {
	TodoLists bool `json:"todoLists"`
	Progress  bool `json:"progress"`
}

// ResourceCaps declares cost and token accounting abilities.
type ResourceCaps struct {
	Cost   bool `json:"cost"`
	Tokens bool `json:"tokens"`
}

// FileOperationCaps declares how file changes are surfaced.
type FileOperationCaps struct {
	Diffs          bool `json:"diffs"`
	BatchedChanges bool `json:"batchedChanges"`
}

// UserInteractionCaps declares input modalities.
type UserInteractionCaps struct {
	Multimodal bool `json:"multimodal"`
	SubAgents  bool `json:"subAgents"`
}

// Capabilities is the canonical per-adapter capability record, populated at
// startup and read-only afterwards.
type Capabilities struct {
	Name              string            `json:"name"`
	DisplayName       string            `json:"displayName"`
	Icon              string            `json:"icon,omitempty"`
	Version           string            `json:"version,omitempty"`
	IntegrationMethod IntegrationMethod `json:"integrationMethod"`

	Streaming       StreamingCaps       `json:"streaming"`
	Approval        ApprovalCaps        `json:"approval"`
	SessionControl  SessionControlCaps  `json:"sessionControl"`
	Planning        PlanningCaps        `json:"planning"`
	Resources       ResourceCaps        `json:"resources"`
	FileOperations  FileOperationCaps   `json:"fileOperations"`
	UserInteraction UserInteractionCaps `json:"userInteraction"`

	Git       bool `json:"git"`
	WebSearch bool `json:"webSearch"`
	Thinking  bool `json:"thinking"`

	CustomEventTypes []string `json:"customEventTypes,omitempty"`
}
