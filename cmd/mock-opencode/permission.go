package main

import (
	"context"
	"sync"
	"time"

	oc "github.com/agentap/agentap/pkg/opencode"
)

// permissionTimeout caps how long a turn waits for a reply; an unanswered
// request must not wedge the session forever.
const permissionTimeout = 2 * time.Minute

type pendingPermission struct {
	sessionID string
	reply     chan string
}

// permissionRegistry tracks permission requests awaiting a reply.
type permissionRegistry struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingPermission
}

func newPermissionRegistry() *permissionRegistry {
	return &permissionRegistry{
		timeout: permissionTimeout,
		pending: make(map[string]*pendingPermission),
	}
}

// add registers a pending request and returns its reply channel.
func (r *permissionRegistry) add(id, sessionID string) chan string {
	ch := make(chan string, 1)
	r.mu.Lock()
	r.pending[id] = &pendingPermission{sessionID: sessionID, reply: ch}
	r.mu.Unlock()
	return ch
}

// resolve delivers a reply to a pending request. Returns the owning
// session and whether the id was pending.
func (r *permissionRegistry) resolve(id, reply string) (string, bool) {
	r.mu.Lock()
	p := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	if p == nil {
		return "", false
	}
	p.reply <- reply
	return p.sessionID, true
}

func (r *permissionRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// askPermission broadcasts permission.asked and blocks until a reply
// arrives, the timeout passes, or the turn is aborted. Anything but an
// explicit grant comes back as a reject, announced on the stream so
// watchers see the request settle.
func (s *mockServer) askPermission(ctx context.Context, sessionID, callID, tool string, patterns []string, metadata map[string]any) string {
	id := newID("perm")
	ch := s.permissions.add(id, sessionID)

	s.broadcast(oc.EventPermissionAsked, oc.PermissionAskedProperties{
		ID:         id,
		SessionID:  sessionID,
		Permission: tool,
		Patterns:   patterns,
		Metadata:   metadata,
		Tool:       &oc.PermissionToolInfo{CallID: callID},
	})

	select {
	case reply := <-ch:
		return reply
	case <-time.After(s.permissions.timeout):
	case <-ctx.Done():
	}

	s.permissions.remove(id)
	s.broadcast(oc.EventPermissionReplied, oc.PermissionRepliedProperties{
		SessionID:    sessionID,
		PermissionID: id,
		Response:     oc.PermissionReplyReject,
	})
	return oc.PermissionReplyReject
}
