package v1

import "time"

// SessionSummary is the heartbeat projection of one live agent session.
type SessionSummary struct {
	ID             string    `json:"id"`
	Agent          string    `json:"agent"`
	ProjectPath    string    `json:"projectPath"`
	ProjectName    string    `json:"projectName"`
	Status         string    `json:"status"`
	LastMessage    string    `json:"lastMessage,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	StartedAt      time.Time `json:"startedAt"`
}

// Heartbeat reports daemon liveness and the current session set.
type Heartbeat struct {
	TunnelURL      string           `json:"tunnelUrl,omitempty"`
	AgentsDetected []string         `json:"agentsDetected"`
	Sessions       []SessionSummary `json:"sessions"`
}
