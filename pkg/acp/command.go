package acp

// CommandName identifies a user command relayed to a session driver.
type CommandName string

const (
	CommandSendMessage     CommandName = "send_message"
	CommandApproveToolCall CommandName = "approve_tool_call"
	CommandDenyToolCall    CommandName = "deny_tool_call"
	CommandCancel          CommandName = "cancel"
	CommandTerminate       CommandName = "terminate"
)

// Command is a user command addressed to one session. Fields beyond Name
// are populated per command: Message for send_message, RequestID (and
// optionally Reason) for the approval commands.
type Command struct {
	Name       CommandName `json:"command"`
	Message    string      `json:"message,omitempty"`
	RequestID  string      `json:"requestId,omitempty"`
	ToolCallID string      `json:"toolCallId,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}
