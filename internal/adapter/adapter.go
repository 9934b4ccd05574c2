// Package adapter defines the contract between the daemon and agent
// integrations. An Adapter knows how to find an agent's sessions on this
// machine; a Driver owns one attached session and projects everything the
// agent does into canonical events.
package adapter

import (
	"context"

	"github.com/agentap/agentap/pkg/acp"
)

// SessionEvent type constants
const (
	SessionCreated = "session_created"
	SessionUpdated = "session_updated"
	SessionRemoved = "session_removed"
)

// SessionEvent notifies the daemon that an agent's session store changed.
type SessionEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Agent     string `json:"agent"`
}

// DataPaths are the fixed on-disk locations an adapter reads. StorageDir is
// the root the session/message/part trees live under; SessionsDir is the
// session index itself.
type DataPaths struct {
	StorageDir  string `json:"storageDir"`
	SessionsDir string `json:"sessionsDir"`
	ConfigDir   string `json:"configDir"`
	LogsDir     string `json:"logsDir"`
}

// Adapter integrates one agent product with the daemon. Implementations are
// stateless apart from caches; per-session state lives in Drivers.
type Adapter interface {
	// Name returns the canonical agent name ("opencode", "claude-code", ...).
	Name() string

	// Capabilities returns the static capability record. Pure.
	Capabilities() acp.Capabilities

	// IsInstalled reports whether the agent's CLI is present on this machine.
	IsInstalled() bool

	// Version returns the agent version, best-effort. A discovered HTTP
	// server's self-report wins over the CLI's.
	Version(ctx context.Context) string

	// DataPaths returns the fixed on-disk locations for this agent.
	DataPaths() DataPaths

	// DiscoverSessions enumerates sessions found on disk, newest activity
	// first. Unreadable or malformed entries are skipped; a missing store
	// yields an empty list, not an error.
	DiscoverSessions(ctx context.Context) ([]*acp.Session, error)

	// WatchSessions watches the session store and invokes cb for every
	// created, updated, or removed session file. The returned func stops
	// the watch.
	WatchSessions(cb func(SessionEvent)) (func(), error)

	// AttachToSession builds a driver for an existing session. Fails with a
	// "session not found" error when the session is not on disk.
	AttachToSession(ctx context.Context, sessionID string) (Driver, error)

	// StartSession builds a driver for a brand-new session and starts it
	// with the given prompt.
	StartSession(ctx context.Context, projectPath, prompt string) (Driver, error)
}

// Driver owns one attached session: it replays history, follows live
// activity, and accepts user commands. All output leaves through OnEvent
// listeners as canonical events in strict per-session sequence order.
type Driver interface {
	// SessionID returns the session this driver is bound to. Empty until a
	// started session learns its id.
	SessionID() string

	// Start launches a new session with an initial prompt. Only valid on
	// drivers built by StartSession.
	Start(ctx context.Context, projectPath, prompt string) error

	// Execute performs a user command against the live session.
	Execute(ctx context.Context, cmd *acp.Command) error

	// OnEvent registers a listener for canonical events. The returned func
	// unregisters it.
	OnEvent(cb func(*acp.Event)) func()

	// History returns a snapshot copy of all events emitted so far, in
	// sequence order. Callers may mutate the returned slice.
	History() []*acp.Event

	// Refresh asks the driver to re-scan its backing store. No-op for
	// drivers whose sources push changes.
	Refresh()

	// Detach stops watchers, streams, and children. Idempotent.
	Detach()
}
