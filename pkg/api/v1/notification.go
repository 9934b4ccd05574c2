package v1

// ApprovalNotification asks the cloud API to push a tool-approval prompt to
// the user's devices.
type ApprovalNotification struct {
	MachineID   string `json:"machineId"`
	SessionID   string `json:"sessionId"`
	RequestID   string `json:"requestId"`
	ToolCallID  string `json:"toolCallId"`
	ToolName    string `json:"toolName"`
	Description string `json:"description"`
	RiskLevel   string `json:"riskLevel"`
}
