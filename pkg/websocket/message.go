// Package websocket defines the daemon's WebSocket message protocol.
// Messages are flat JSON objects discriminated by a "type" field; request
// payload fields sit alongside it rather than nested under a payload key.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType discriminates WebSocket messages.
type MessageType string

// Client -> server message types.
const (
	TypeAuth            MessageType = "auth"
	TypeCommand         MessageType = "command"
	TypeStartSession    MessageType = "start_session"
	TypeTerminate       MessageType = "terminate"
	TypeGetSessions     MessageType = "get_sessions"
	TypeGetHistory      MessageType = "get_history"
	TypeGetCapabilities MessageType = "get_capabilities"
	TypePing            MessageType = "ping"
)

// Server -> client message types.
const (
	TypeAuthOK        MessageType = "auth_ok"
	TypeAuthError     MessageType = "auth_error"
	TypeEvent         MessageType = "event"
	TypeSessionsList  MessageType = "sessions_list"
	TypeHistory       MessageType = "history"
	TypeCapabilities  MessageType = "capabilities"
	TypeCommandResult MessageType = "command_result"
	TypeError         MessageType = "error"
	TypePong          MessageType = "pong"
)

// Message is the envelope for every WebSocket message in both directions.
// Only the fields relevant to a given Type are populated; the rest are
// omitted from the wire form.
type Message struct {
	Type MessageType `json:"type"`
	// ID correlates a response with the request that caused it.
	ID string `json:"id,omitempty"`

	// auth / auth_ok
	Token  string `json:"token,omitempty"`
	UserID string `json:"userId,omitempty"`

	// command, terminate, get_history
	SessionID  string `json:"sessionId,omitempty"`
	Command    string `json:"command,omitempty"`
	Message    string `json:"message,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// start_session
	Agent       string `json:"agent,omitempty"`
	ProjectPath string `json:"projectPath,omitempty"`
	Prompt      string `json:"prompt,omitempty"`

	// command_result
	OK *bool `json:"ok,omitempty"`
	// Error carries the failure for command_result and error messages.
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`

	// Server payloads. Kept raw so this package does not depend on the
	// event model.
	Event        json.RawMessage `json:"event,omitempty"`
	Sessions     json.RawMessage `json:"sessions,omitempty"`
	Events       json.RawMessage `json:"events,omitempty"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Error codes attached to error messages.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnknownType   = "UNKNOWN_TYPE"
)

// Decode parses a raw WebSocket frame into a Message.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// NewAuthOK builds the successful authentication response.
func NewAuthOK(userID string) *Message {
	return &Message{
		Type:      TypeAuthOK,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}
}

// NewAuthError builds the failed authentication response.
func NewAuthError(reason string) *Message {
	return &Message{
		Type:      TypeAuthError,
		Error:     reason,
		Code:      ErrorCodeUnauthorized,
		Timestamp: time.Now().UTC(),
	}
}

// NewEvent wraps one canonical event for broadcast.
func NewEvent(event any) (*Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      TypeEvent,
		Event:     data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewSessionsList wraps a sessions snapshot.
func NewSessionsList(sessions any) (*Message, error) {
	data, err := json.Marshal(sessions)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      TypeSessionsList,
		Sessions:  data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewHistory wraps one session's full event history.
func NewHistory(id, sessionID string, events any) (*Message, error) {
	data, err := json.Marshal(events)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      TypeHistory,
		ID:        id,
		SessionID: sessionID,
		Events:    data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewCapabilities wraps the adapter capability map.
func NewCapabilities(id string, capabilities any) (*Message, error) {
	data, err := json.Marshal(capabilities)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:         TypeCapabilities,
		ID:           id,
		Capabilities: data,
		Timestamp:    time.Now().UTC(),
	}, nil
}

// NewCommandResult reports the outcome of a command, terminate, or
// start_session request.
func NewCommandResult(id string, ok bool, errMsg string) *Message {
	return &Message{
		Type:      TypeCommandResult,
		ID:        id,
		OK:        &ok,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
}

// NewError builds a protocol-level error message.
func NewError(id, code, message string) *Message {
	return &Message{
		Type:      TypeError,
		ID:        id,
		Code:      code,
		Error:     message,
		Timestamp: time.Now().UTC(),
	}
}

// NewPong answers a ping.
func NewPong() *Message {
	return &Message{
		Type:      TypePong,
		Timestamp: time.Now().UTC(),
	}
}
