// Package events defines the bus subjects the daemon publishes on.
package events

// Canonical agent events are published per session so consumers can follow
// a single conversation or use the wildcard form to follow all of them.
const (
	ACPEvent = "acp.event"
)

// Daemon state changes
const (
	SessionsUpdated = "daemon.sessions.updated" // Session table changed
	TunnelStatus    = "tunnel.status"           // Tunnel connected, reconnecting, or stopped
)

// BuildACPEventSubject creates the event subject for a specific session
func BuildACPEventSubject(sessionID string) string {
	return ACPEvent + "." + sessionID
}

// BuildACPEventWildcardSubject creates a wildcard subscription for events from all sessions
func BuildACPEventWildcardSubject() string {
	return ACPEvent + ".>"
}
