package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/adapter"
	"github.com/agentap/agentap/internal/common/tracing"
	"github.com/agentap/agentap/pkg/acp"
	v1 "github.com/agentap/agentap/pkg/api/v1"
)

// handleSessionEvent reacts to adapter store changes: new conversations
// get tracked and attached, removed ones get dropped, updates refresh
// activity and revive idle sessions.
func (d *Daemon) handleSessionEvent(ev adapter.SessionEvent) {
	switch ev.Type {
	case adapter.SessionCreated:
		d.trackDiscovered(ev.Agent, ev.SessionID)
	case adapter.SessionRemoved:
		d.mu.Lock()
		s, tracked := d.sessions[ev.SessionID]
		if tracked {
			delete(d.sessions, ev.SessionID)
		}
		d.mu.Unlock()
		if !tracked {
			return
		}
		d.detach(s)
		d.publishSessions()
	case adapter.SessionUpdated:
		d.refreshTracked(ev)
	}
}

// trackDiscovered re-enumerates the adapter's store for the full session
// record, inserts it, announces the new table, and attaches in the
// background.
func (d *Daemon) trackDiscovered(agent, sessionID string) {
	if d.registry == nil {
		return
	}
	a, err := d.registry.Get(agent)
	if err != nil {
		return
	}
	record := d.lookupDiscovered(context.Background(), a, sessionID)
	if record == nil {
		return
	}

	d.mu.Lock()
	if _, tracked := d.sessions[sessionID]; tracked {
		d.mu.Unlock()
		return
	}
	d.sessions[sessionID] = &session{data: *record}
	d.mu.Unlock()

	d.log.Info("tracking new session",
		zap.String("session_id", sessionID),
		zap.String("agent", agent))
	d.publishSessions()
	d.attachWithRetry(sessionID)
}

func (d *Daemon) lookupDiscovered(ctx context.Context, a adapter.Adapter, sessionID string) *acp.Session {
	discovered, err := a.DiscoverSessions(ctx)
	if err != nil {
		d.log.Warn("session re-enumeration failed",
			zap.String("agent", a.Name()),
			zap.Error(err))
		return nil
	}
	for _, record := range discovered {
		if record.ID == sessionID {
			return record
		}
	}
	return nil
}

func (d *Daemon) refreshTracked(ev adapter.SessionEvent) {
	d.mu.Lock()
	s, tracked := d.sessions[ev.SessionID]
	if !tracked {
		d.mu.Unlock()
		// A store update for an unknown session is a create we missed.
		d.trackDiscovered(ev.Agent, ev.SessionID)
		return
	}
	s.data.LastActivity = time.Now()
	unknownProject := s.data.ProjectName == "Unknown"
	drv := s.driver
	revive := s.data.Status == acp.StatusIdle && drv == nil
	if revive {
		s.data.Status = acp.StatusRunning
	}
	d.mu.Unlock()

	if unknownProject {
		d.resolveProject(ev.Agent, ev.SessionID)
	}
	if drv != nil {
		drv.Refresh()
		return
	}
	if revive {
		d.attachWithRetry(ev.SessionID)
	}
}

// resolveProject re-enumerates once in the hope that the store has since
// learned where the session lives.
func (d *Daemon) resolveProject(agent, sessionID string) {
	a, err := d.registry.Get(agent)
	if err != nil {
		return
	}
	record := d.lookupDiscovered(context.Background(), a, sessionID)
	if record == nil || record.ProjectName == "" || record.ProjectName == "Unknown" {
		return
	}
	d.mu.Lock()
	if s, tracked := d.sessions[sessionID]; tracked {
		s.data.ProjectPath = record.ProjectPath
		s.data.ProjectName = record.ProjectName
	}
	d.mu.Unlock()
}

// attachSession attaches a driver via the session's originating adapter
// and subscribes the canonical handler. Losing an attach race is not an
// error; the surplus driver is released.
func (d *Daemon) attachSession(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	s, tracked := d.sessions[sessionID]
	if !tracked {
		d.mu.Unlock()
		return fmt.Errorf("Session not found: %s", sessionID)
	}
	if s.driver != nil {
		d.mu.Unlock()
		return nil
	}
	agent := s.data.Agent
	d.mu.Unlock()

	a, err := d.registry.Get(agent)
	if err != nil {
		return fmt.Errorf("no adapter for agent %q: %w", agent, err)
	}
	drv, err := a.AttachToSession(ctx, sessionID)
	if err != nil {
		return err
	}
	unsub := drv.OnEvent(d.handleEvent)

	d.mu.Lock()
	s, tracked = d.sessions[sessionID]
	if !tracked || s.driver != nil {
		d.mu.Unlock()
		unsub()
		drv.Detach()
		return nil
	}
	s.driver = drv
	s.unsubscribe = unsub
	d.mu.Unlock()

	d.log.Debug("attached to session", zap.String("session_id", sessionID))
	return nil
}

// attachWithRetry attaches in the background with a fixed retry budget.
// Concurrent requests for the same session collapse into one loop.
func (d *Daemon) attachWithRetry(sessionID string) {
	d.mu.Lock()
	if d.retrying[sessionID] {
		d.mu.Unlock()
		return
	}
	d.retrying[sessionID] = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.retrying, sessionID)
			d.mu.Unlock()
		}()
		for attempt := 1; attempt <= attachAttempts; attempt++ {
			if attempt > 1 {
				select {
				case <-d.stopCh:
					return
				case <-time.After(d.retryDelay):
				}
			}
			err := d.attachSession(context.Background(), sessionID)
			if err == nil {
				return
			}
			d.log.Warn("attach attempt failed",
				zap.String("session_id", sessionID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		d.log.Warn("giving up on session attach", zap.String("session_id", sessionID))
	}()
}

// detach releases a session's driver and event subscription. Safe when
// nothing is attached.
func (d *Daemon) detach(s *session) {
	d.mu.Lock()
	drv := s.driver
	unsub := s.unsubscribe
	s.driver = nil
	s.unsubscribe = nil
	d.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if drv != nil {
		drv.Detach()
	}
}

// handleEvent is the canonical event handler: it folds each event into
// the session table, puts it on the bus, and forwards approval prompts to
// the remote API when linked. Driver callbacks and the hook-approval
// notifier both land here.
func (d *Daemon) handleEvent(ev *acp.Event) {
	if ev == nil {
		return
	}
	tracing.TraceAgentEvent(context.Background(), string(ev.Type), ev.SessionID)
	d.applyEvent(ev)
	d.publishEvent(ev)
	if ev.Type == acp.EventApprovalRequested && d.cfg.IsLinked() {
		d.forwardApproval(ev)
	}
}

func (d *Daemon) applyEvent(ev *acp.Event) {
	d.mu.Lock()
	s, tracked := d.sessions[ev.SessionID]
	if !tracked {
		d.mu.Unlock()
		return
	}
	s.data.LastActivity = time.Now()

	var toDetach *session
	switch ev.Type {
	case acp.EventSessionStatusChanged:
		if p, ok := ev.Payload.(acp.StatusChangedPayload); ok {
			s.data.Status = p.To
		}
	case acp.EventSessionCompleted:
		s.data.Status = acp.StatusCompleted
		toDetach = s
	case acp.EventSessionError:
		s.data.Status = acp.StatusError
		toDetach = s
	case acp.EventMessageComplete:
		if p, ok := ev.Payload.(acp.MessageCompletePayload); ok {
			switch p.Role {
			case "user":
				if s.data.SessionName == "" {
					if name := deriveSessionName(p.Content); name != "" {
						s.data.SessionName = name
					}
				}
			case "assistant":
				if text := firstTextBlock(p.Content); text != "" {
					s.data.LastMessage = truncateRunes(text, lastMessageLimit)
				}
			}
		}
	case acp.EventEnvironmentInfo:
		if p, ok := ev.Payload.(acp.EnvironmentInfoPayload); ok && p.Context.Model.ID != "" {
			s.data.Model = p.Context.Model.ID
		}
	}
	d.mu.Unlock()

	if toDetach != nil {
		d.detach(toDetach)
	}
}

// forwardApproval pushes an approval prompt to the remote API so linked
// devices get a notification. Best effort.
func (d *Daemon) forwardApproval(ev *acp.Event) {
	payload, ok := ev.Payload.(acp.ApprovalRequestedPayload)
	if !ok {
		return
	}
	notification := &v1.ApprovalNotification{
		MachineID:   d.cfg.Machine.ID,
		SessionID:   ev.SessionID,
		RequestID:   payload.RequestID,
		ToolCallID:  payload.ToolCallID,
		ToolName:    payload.ToolName,
		Description: payload.Description,
		RiskLevel:   string(payload.RiskLevel),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.remote.NotifyApproval(ctx, notification); err != nil {
			d.log.Warn("approval notification failed",
				zap.String("request_id", payload.RequestID),
				zap.Error(err))
		}
	}()
}

// handleCommand routes one client command. Approval replies are offered
// to the hook-approval subsystem first: a prompt raised by a hook script
// has no driver behind it.
func (d *Daemon) handleCommand(ctx context.Context, sessionID string, cmd *acp.Command) error {
	if cmd.Name == acp.CommandApproveToolCall || cmd.Name == acp.CommandDenyToolCall {
		approved := cmd.Name == acp.CommandApproveToolCall
		if cmd.RequestID != "" && d.server.Hooks().Resolve(cmd.RequestID, approved, cmd.Reason) {
			return nil
		}
	}
	drv, err := d.driverFor(ctx, sessionID)
	if err != nil {
		return err
	}
	return drv.Execute(ctx, cmd)
}

// driverFor returns the session's attached driver, re-attaching idle
// sessions on demand.
func (d *Daemon) driverFor(ctx context.Context, sessionID string) (adapter.Driver, error) {
	d.mu.Lock()
	s, tracked := d.sessions[sessionID]
	var drv adapter.Driver
	if tracked {
		drv = s.driver
	}
	d.mu.Unlock()

	if drv != nil {
		return drv, nil
	}
	if !tracked {
		return nil, fmt.Errorf("Session not found: %s", sessionID)
	}
	if err := d.attachSession(ctx, sessionID); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if s, tracked := d.sessions[sessionID]; tracked {
		drv = s.driver
	}
	d.mu.Unlock()
	if drv == nil {
		return nil, fmt.Errorf("Session not found: %s", sessionID)
	}
	return drv, nil
}

func (d *Daemon) terminateSession(ctx context.Context, sessionID string) error {
	drv, err := d.driverFor(ctx, sessionID)
	if err == nil {
		if execErr := drv.Execute(ctx, &acp.Command{Name: acp.CommandTerminate}); execErr != nil {
			d.log.Warn("terminate delegation failed",
				zap.String("session_id", sessionID),
				zap.Error(execErr))
		}
	}

	d.mu.Lock()
	s, tracked := d.sessions[sessionID]
	if tracked {
		s.data.Status = acp.StatusCompleted
		s.data.LastActivity = time.Now()
	}
	d.mu.Unlock()
	if !tracked {
		return fmt.Errorf("Session not found: %s", sessionID)
	}

	d.detach(s)
	d.publishSessions()
	return nil
}

func (d *Daemon) startSession(ctx context.Context, agent, projectPath, prompt string) error {
	if d.registry == nil {
		return fmt.Errorf("no adapters loaded")
	}
	a, err := d.registry.Get(agent)
	if err != nil {
		return fmt.Errorf("unknown agent: %s", agent)
	}
	drv, err := a.StartSession(ctx, projectPath, prompt)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	// The driver may not know its store id until the agent reports it;
	// track under a placeholder and re-key on the first event.
	id := drv.SessionID()
	placeholder := id == ""
	if placeholder {
		id = "pending-" + uuid.NewString()
	}
	machineID := "local"
	if d.cfg.IsLinked() {
		machineID = d.cfg.Machine.ID
	}
	now := time.Now()
	s := &session{
		data: acp.Session{
			ID:           id,
			Agent:        agent,
			MachineID:    machineID,
			ProjectPath:  projectPath,
			ProjectName:  filepath.Base(projectPath),
			Status:       acp.StatusRunning,
			CreatedAt:    now,
			LastActivity: now,
		},
		driver: drv,
	}

	d.mu.Lock()
	d.sessions[id] = s
	d.mu.Unlock()

	var adoptOnce sync.Once
	unsub := drv.OnEvent(func(ev *acp.Event) {
		if placeholder && ev.SessionID != "" && ev.SessionID != id {
			adoptOnce.Do(func() {
				d.adoptSession(id, ev.SessionID)
			})
		}
		d.handleEvent(ev)
	})

	d.mu.Lock()
	s.unsubscribe = unsub
	d.mu.Unlock()

	d.log.Info("started session",
		zap.String("session_id", id),
		zap.String("agent", agent),
		zap.String("project_path", projectPath))
	d.publishSessions()
	return nil
}

// adoptSession re-keys a freshly-started session once its driver reports
// the store id. The adapter's watcher may have raced us and inserted the
// real record already; the placeholder folds into it.
func (d *Daemon) adoptSession(placeholderID, realID string) {
	d.mu.Lock()
	placeholder, tracked := d.sessions[placeholderID]
	if !tracked {
		d.mu.Unlock()
		return
	}
	delete(d.sessions, placeholderID)

	if existing, raced := d.sessions[realID]; raced {
		var surplus adapter.Driver
		var surplusUnsub func()
		if existing.driver == nil {
			existing.driver = placeholder.driver
			existing.unsubscribe = placeholder.unsubscribe
		} else {
			surplus = placeholder.driver
			surplusUnsub = placeholder.unsubscribe
		}
		if existing.data.SessionName == "" {
			existing.data.SessionName = placeholder.data.SessionName
		}
		d.mu.Unlock()

		if surplusUnsub != nil {
			surplusUnsub()
		}
		if surplus != nil {
			surplus.Detach()
		}
		d.publishSessions()
		return
	}

	placeholder.data.ID = realID
	d.sessions[realID] = placeholder
	d.mu.Unlock()

	d.log.Debug("session adopted",
		zap.String("placeholder_id", placeholderID),
		zap.String("session_id", realID))
	d.publishSessions()
}

// sessionHistory returns a session's canonical event history, lazily
// attaching idle sessions for the read.
func (d *Daemon) sessionHistory(ctx context.Context, sessionID string) (any, error) {
	drv, err := d.driverFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return drv.History(), nil
}

// authenticate validates app tokens. Unlinked daemons trust the local
// network; linked daemons defer to the remote API but fall back to local
// acceptance when it is unreachable, so a broken uplink cannot lock the
// owner out of their own machine.
func (d *Daemon) authenticate(ctx context.Context, token string) *v1.TokenValidation {
	if !d.cfg.IsLinked() {
		return &v1.TokenValidation{Valid: true, UserID: "local-user"}
	}
	validation, err := d.remote.ValidateToken(ctx, token)
	if err != nil {
		d.log.Warn("token validation unreachable, accepting locally", zap.Error(err))
		return &v1.TokenValidation{Valid: true, UserID: "local-user"}
	}
	return validation
}
