// Package opencode provides the wire and storage types plus an HTTP/SSE
// client for a local OpenCode server. OpenCode persists sessions as JSON
// files under its storage root and, when its server is running, mirrors
// them as REST resources with a Server-Sent Events feed.
package opencode

import (
	"encoding/json"
)

// SSE event types from the /event stream.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventMessageRemoved     = "message.removed"
	EventMessagePartRemoved = "message.part.removed"
	EventPermissionAsked    = "permission.asked"
	EventPermissionReplied  = "permission.replied"
	EventSessionIdle        = "session.idle"
	EventSessionStatus      = "session.status"
	EventSessionError       = "session.error"
)

// Part types persisted under part/<messageId>/.
const (
	PartTypeText       = "text"
	PartTypeReasoning  = "reasoning"
	PartTypeTool       = "tool"
	PartTypeStepStart  = "step-start"
	PartTypeStepFinish = "step-finish"
)

// Tool state values.
const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// Permission reply values.
const (
	PermissionReplyOnce   = "once"
	PermissionReplyAlways = "always"
	PermissionReplyReject = "reject"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TimeRange carries unix-millisecond start/end stamps.
type TimeRange struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

// SessionTime carries a session record's timestamps (unix milliseconds).
// A non-zero Archived marks the session as archived.
type SessionTime struct {
	Created  int64 `json:"created"`
	Updated  int64 `json:"updated"`
	Archived int64 `json:"archived,omitempty"`
}

// SessionRecord is session/<projectId>/<sessionId>.json on disk.
type SessionRecord struct {
	ID        string      `json:"id"`
	ParentID  string      `json:"parentID,omitempty"`
	Title     string      `json:"title,omitempty"`
	Directory string      `json:"directory,omitempty"`
	Version   string      `json:"version,omitempty"`
	Time      SessionTime `json:"time"`
}

// Archived reports whether the record carries an archived timestamp.
func (r *SessionRecord) Archived() bool {
	return r.Time.Archived != 0
}

// MessagePath records the filesystem roots a message was produced in.
type MessagePath struct {
	Root string `json:"root"`
	Cwd  string `json:"cwd,omitempty"`
}

// MessageTime carries a message record's timestamps (unix milliseconds).
type MessageTime struct {
	Created   int64 `json:"created"`
	Completed int64 `json:"completed,omitempty"`
}

// CacheTokens breaks down prompt-cache token counts.
type CacheTokens struct {
	Read  int64 `json:"read,omitempty"`
	Write int64 `json:"write,omitempty"`
}

// TokensInfo is a token usage report attached to messages and
// step-finish parts.
type TokensInfo struct {
	Input     int64        `json:"input,omitempty"`
	Output    int64        `json:"output,omitempty"`
	Reasoning int64        `json:"reasoning,omitempty"`
	Cache     *CacheTokens `json:"cache,omitempty"`
}

// MessageRecord is message/<sessionId>/<messageId>.json on disk, and the
// "info" object of message.updated SSE events.
type MessageRecord struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"sessionID"`
	Role       string       `json:"role"`
	ProviderID string       `json:"providerID,omitempty"`
	ModelID    string       `json:"modelID,omitempty"`
	Mode       string       `json:"mode,omitempty"`
	Finish     string       `json:"finish,omitempty"`
	Path       *MessagePath `json:"path,omitempty"`
	Time       MessageTime  `json:"time"`
	Error      *APIError    `json:"error,omitempty"`
	Tokens     *TokensInfo  `json:"tokens,omitempty"`
	Cost       float64      `json:"cost,omitempty"`
}

// ToolState is the state object of a tool part.
type ToolState struct {
	Status   string          `json:"status"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Title    string          `json:"title,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Time     *TimeRange      `json:"time,omitempty"`
}

// InputMap decodes the tool input into a generic map. Returns nil when the
// input is absent or malformed.
func (s *ToolState) InputMap() map[string]any {
	if s == nil || len(s.Input) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(s.Input, &m); err != nil {
		return nil
	}
	return m
}

// Part is part/<messageId>/<partId>.json on disk, and the "part" object of
// message.part.updated SSE events.
type Part struct {
	ID        string      `json:"id"`
	MessageID string      `json:"messageID"`
	SessionID string      `json:"sessionID"`
	Type      string      `json:"type"`
	Text      string      `json:"text,omitempty"`
	CallID    string      `json:"callID,omitempty"`
	Tool      string      `json:"tool,omitempty"`
	State     *ToolState  `json:"state,omitempty"`
	Time      *TimeRange  `json:"time,omitempty"`
	Tokens    *TokensInfo `json:"tokens,omitempty"`
	Cost      float64     `json:"cost,omitempty"`
}

// APIError is the error object OpenCode attaches to failed messages and
// session.error events.
type APIError struct {
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	Data    *struct {
		Message string `json:"message,omitempty"`
	} `json:"data,omitempty"`
}

// GetMessage returns the most specific error message available.
func (e *APIError) GetMessage() string {
	if e.Data != nil && e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Message
}

// GetKind returns the error kind.
func (e *APIError) GetKind() string {
	if e.Name != "" {
		return e.Name
	}
	if e.Type != "" {
		return e.Type
	}
	return "unknown"
}

// HealthResponse from GET /global/health.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionResponse from POST /session.
type SessionResponse struct {
	ID string `json:"id"`
}

// TextPartInput is one part of a prompt request.
type TextPartInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest for POST /session/{id}/message.
type PromptRequest struct {
	Parts []TextPartInput `json:"parts"`
}

// PermissionReplyRequest for POST /permission/{id}/reply.
type PermissionReplyRequest struct {
	Reply   string `json:"reply"`
	Message string `json:"message,omitempty"`
}

// Envelope is the base structure of every SSE event.
type Envelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// MessageUpdatedProperties for message.updated events.
type MessageUpdatedProperties struct {
	Info MessageRecord `json:"info"`
}

// MessagePartUpdatedProperties for message.part.updated events.
type MessagePartUpdatedProperties struct {
	Part  Part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

// PermissionToolInfo ties a permission request to a tool call.
type PermissionToolInfo struct {
	CallID string `json:"callID"`
}

// PermissionAskedProperties for permission.asked events.
type PermissionAskedProperties struct {
	ID         string              `json:"id"`
	SessionID  string              `json:"sessionID"`
	Permission string              `json:"permission"`
	Patterns   []string            `json:"patterns,omitempty"`
	Metadata   map[string]any      `json:"metadata,omitempty"`
	Tool       *PermissionToolInfo `json:"tool,omitempty"`
}

// ToolCallID returns the tool call this permission guards, falling back to
// the request id when the server did not attach one.
func (p *PermissionAskedProperties) ToolCallID() string {
	if p.Tool != nil && p.Tool.CallID != "" {
		return p.Tool.CallID
	}
	return p.ID
}

// PermissionRepliedProperties for permission.replied events. Servers have
// shipped both "response" and "reply" as the key; Value promotes whichever
// is set.
type PermissionRepliedProperties struct {
	SessionID    string `json:"sessionID"`
	PermissionID string `json:"permissionID,omitempty"`
	Response     string `json:"response,omitempty"`
	Reply        string `json:"reply,omitempty"`
}

// Value returns the reply value regardless of which key carried it.
func (p *PermissionRepliedProperties) Value() string {
	if p.Response != "" {
		return p.Response
	}
	return p.Reply
}

// SessionErrorProperties for session.error events.
type SessionErrorProperties struct {
	SessionID string    `json:"sessionID"`
	Error     *APIError `json:"error,omitempty"`
}

// ParseEnvelope parses a raw SSE payload.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// ParseMessageUpdated parses message.updated properties.
func ParseMessageUpdated(data json.RawMessage) (*MessageUpdatedProperties, error) {
	var props MessageUpdatedProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ParseMessagePartUpdated parses message.part.updated properties.
func ParseMessagePartUpdated(data json.RawMessage) (*MessagePartUpdatedProperties, error) {
	var props MessagePartUpdatedProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ParsePermissionAsked parses permission.asked properties.
func ParsePermissionAsked(data json.RawMessage) (*PermissionAskedProperties, error) {
	var props PermissionAskedProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ParsePermissionReplied parses permission.replied properties.
func ParsePermissionReplied(data json.RawMessage) (*PermissionRepliedProperties, error) {
	var props PermissionRepliedProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ParseSessionError parses session.error properties.
func ParseSessionError(data json.RawMessage) (*SessionErrorProperties, error) {
	var props SessionErrorProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// SessionIDOf extracts the session an event belongs to, probing the nested
// message/part locations used by the different event types. Returns ""
// when the event carries no session id.
func SessionIDOf(env *Envelope) string {
	if env == nil || len(env.Properties) == 0 {
		return ""
	}
	var probe struct {
		SessionID string `json:"sessionID"`
		Info      *struct {
			SessionID string `json:"sessionID"`
		} `json:"info"`
		Part *struct {
			SessionID string `json:"sessionID"`
		} `json:"part"`
	}
	if err := json.Unmarshal(env.Properties, &probe); err != nil {
		return ""
	}
	if probe.SessionID != "" {
		return probe.SessionID
	}
	if probe.Info != nil && probe.Info.SessionID != "" {
		return probe.Info.SessionID
	}
	if probe.Part != nil && probe.Part.SessionID != "" {
		return probe.Part.SessionID
	}
	return ""
}
