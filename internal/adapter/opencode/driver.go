package opencode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/adapter"
	"github.com/agentap/agentap/internal/common/logger"
	"github.com/agentap/agentap/internal/discovery"
	"github.com/agentap/agentap/pkg/acp"
	oc "github.com/agentap/agentap/pkg/opencode"
)

const (
	sseReconnectDelay = 2 * time.Second
	approvalExpiry    = 5 * time.Minute
)

// Driver owns one OpenCode session. It merges three inputs - the storage
// file watcher, the server's SSE stream, and a spawned CLI's stdout - into
// a single projector, so the same underlying change surfacing on several
// paths is emitted exactly once.
//
// projMu serializes the whole observe-project-emit path. That is the
// ordering guarantee: listeners see events in the order sequence numbers
// were assigned.
type Driver struct {
	agent   string
	command string
	store   *store
	client  *oc.Client // nil when no server was discovered
	factory *acp.Factory
	log     *logger.Logger

	projMu      sync.Mutex
	proj        *projector
	sessionID   string
	projectDir  string
	status      acp.Status
	provisional bool
	started     bool

	histMu  sync.RWMutex
	history []*acp.Event

	listenerMu   sync.RWMutex
	listeners    map[int]func(*acp.Event)
	nextListener int

	procMu sync.Mutex
	proc   *exec.Cmd
	stdin  io.WriteCloser

	watchMu sync.Mutex
	watcher *fsnotify.Watcher

	detached   atomic.Bool
	detachOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

var _ adapter.Driver = (*Driver)(nil)

type driverConfig struct {
	agent      string
	command    string
	store      *store
	server     *discovery.ServerInfo
	sessionID  string
	projectDir string
}

func newDriver(cfg driverConfig, factory *acp.Factory, log *logger.Logger) *Driver {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		agent:      cfg.agent,
		command:    cfg.command,
		store:      cfg.store,
		factory:    factory,
		log:        log,
		sessionID:  cfg.sessionID,
		projectDir: cfg.projectDir,
		status:     acp.StatusIdle,
		listeners:  make(map[int]func(*acp.Event)),
		ctx:        ctx,
		cancel:     cancel,
	}
	if cfg.server != nil {
		d.client = oc.NewClient(cfg.server.URL, cfg.projectDir, log)
	}

	proj := newProjector(factory, cfg.agent)
	proj.session = func() string { return d.sessionID }
	proj.project = d.projectInfoLocked
	proj.adopt = func(root string) {
		if d.projectDir == "" {
			d.projectDir = root
		}
	}
	proj.emit = d.deliver
	d.proj = proj
	return d
}

// begin starts the attach pipeline: replay history from disk, then follow
// live changes through the file watcher and, when a server is known, SSE.
func (d *Driver) begin() {
	go func() {
		d.loadHistory()
		if err := d.startWatcher(); err != nil {
			d.log.Debug("session file watcher unavailable",
				zap.String("session_id", d.SessionID()),
				zap.Error(err))
		}
		if d.client != nil {
			d.startSSE()
		}
	}()
}

// SessionID returns the current canonical session id. Empty for a driver
// built by StartSession that has not started yet.
func (d *Driver) SessionID() string {
	d.projMu.Lock()
	defer d.projMu.Unlock()
	return d.sessionID
}

// Status returns the driver's view of the session lifecycle state.
func (d *Driver) Status() acp.Status {
	d.projMu.Lock()
	defer d.projMu.Unlock()
	return d.status
}

func (d *Driver) projectInfoLocked() (string, string) {
	return d.projectDir, projectNameOf(d.projectDir)
}

func projectNameOf(dir string) string {
	if dir == "" {
		return "Unknown"
	}
	return filepath.Base(dir)
}

// deliver appends the event to history and fans it out to listeners.
// Callers hold projMu; that is what keeps listener delivery in sequence
// order.
func (d *Driver) deliver(ev *acp.Event) {
	if d.detached.Load() {
		return
	}
	d.histMu.Lock()
	d.history = append(d.history, ev)
	d.histMu.Unlock()

	d.listenerMu.RLock()
	callbacks := make([]func(*acp.Event), 0, len(d.listeners))
	for _, cb := range d.listeners {
		callbacks = append(callbacks, cb)
	}
	d.listenerMu.RUnlock()
	for _, cb := range callbacks {
		cb(ev)
	}
}

func (d *Driver) emitEventLocked(typ acp.EventType, payload any) {
	d.deliver(d.factory.NewEvent(d.sessionID, typ, payload))
}

func (d *Driver) setStatusLocked(to acp.Status) {
	from := d.status
	if from == to {
		return
	}
	d.status = to
	d.emitEventLocked(acp.EventSessionStatusChanged, acp.StatusChangedPayload{From: from, To: to})
}

// OnEvent registers a canonical-event listener and returns its
// unsubscribe func.
func (d *Driver) OnEvent(cb func(*acp.Event)) func() {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	id := d.nextListener
	d.nextListener++
	d.listeners[id] = cb
	return func() {
		d.listenerMu.Lock()
		defer d.listenerMu.Unlock()
		delete(d.listeners, id)
	}
}

// History returns a snapshot copy of every event emitted so far, in
// sequence order.
func (d *Driver) History() []*acp.Event {
	d.histMu.RLock()
	defer d.histMu.RUnlock()
	snapshot := make([]*acp.Event, len(d.history))
	copy(snapshot, d.history)
	return snapshot
}

// Refresh is a no-op: the driver's own watcher and SSE stream push changes.
func (d *Driver) Refresh() {}

// loadHistory replays the session's on-disk messages through the
// projector. Runs without holding the lock across messages so live events
// can interleave; the projector's dedup keeps the result consistent.
func (d *Driver) loadHistory() {
	sid := d.SessionID()
	if sid == "" {
		return
	}
	for _, msg := range d.store.listMessages(sid) {
		if d.detached.Load() {
			return
		}
		parts := d.store.listParts(msg.ID)
		d.projMu.Lock()
		d.proj.projectMessage(msg, parts)
		d.projMu.Unlock()
	}
}

// startWatcher begins following the storage tree. The message and part
// roots are watched for new directories; session-specific directories that
// do not exist yet are picked up from create events as OpenCode writes
// them.
func (d *Driver) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	d.watchMu.Lock()
	if d.watcher != nil || d.detached.Load() {
		d.watchMu.Unlock()
		_ = watcher.Close()
		return nil
	}
	d.watcher = watcher
	d.watchMu.Unlock()

	sid := d.SessionID()
	for _, dir := range []string{d.store.messageRoot(), d.store.partRoot(), d.store.messageDir(sid)} {
		if err := watcher.Add(dir); err != nil {
			d.log.Debug("watch add failed", zap.String("dir", dir), zap.Error(err))
		}
	}
	for _, msg := range d.store.listMessages(sid) {
		if dir := d.store.partDir(msg.ID); dirExists(dir) {
			if err := watcher.Add(dir); err != nil {
				d.log.Debug("watch add failed", zap.String("dir", dir), zap.Error(err))
			}
		}
	}

	go d.watchLoop(watcher)
	return nil
}

func (d *Driver) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			d.handleFSEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.log.Debug("session watcher error", zap.Error(err))
		}
	}
}

func (d *Driver) handleFSEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	path := event.Name

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			d.handleNewDir(watcher, path)
			return
		}
	}
	if !strings.HasSuffix(path, ".json") {
		return
	}

	dir := filepath.Dir(path)
	id := strings.TrimSuffix(filepath.Base(path), ".json")
	switch {
	case dir == d.store.messageDir(d.SessionID()):
		d.handleMessageFile(watcher, id)
	case filepath.Dir(dir) == d.store.partRoot():
		d.handlePartFile(filepath.Base(dir), id)
	}
}

func (d *Driver) handleNewDir(watcher *fsnotify.Watcher, path string) {
	sid := d.SessionID()
	base := filepath.Base(path)
	switch filepath.Dir(path) {
	case d.store.messageRoot():
		if base == sid {
			_ = watcher.Add(path)
		}
	case d.store.partRoot():
		if d.store.messageOwned(sid, base) {
			_ = watcher.Add(path)
		}
	}
}

func (d *Driver) handleMessageFile(watcher *fsnotify.Watcher, messageID string) {
	sid := d.SessionID()
	msg, err := d.store.readMessage(sid, messageID)
	if err != nil {
		return
	}
	// Watch the part directory before reading it, so nothing written in
	// between is missed.
	if dir := d.store.partDir(messageID); dirExists(dir) {
		_ = watcher.Add(dir)
	}
	parts := d.store.listParts(messageID)

	d.projMu.Lock()
	defer d.projMu.Unlock()
	d.proj.observeMessageUpdate(msg, func(string) []*oc.Part { return parts })
	if msg.Role == oc.RoleAssistant {
		for _, part := range parts {
			d.proj.projectPart(part)
		}
	}
}

func (d *Driver) handlePartFile(messageID, partID string) {
	sid := d.SessionID()
	part, err := d.store.readPartFile(filepath.Join(d.store.partDir(messageID), partID+".json"))
	if err != nil {
		return
	}
	if part.SessionID != "" && part.SessionID != sid {
		return
	}
	if part.SessionID == "" && !d.store.messageOwned(sid, messageID) {
		return
	}
	d.handlePart(part)
}

// handlePart routes one part through the projector, resolving the owning
// message's role from disk when it has not been seen yet. User-message
// parts are re-projected whole; assistant parts go through the part
// projection.
func (d *Driver) handlePart(part *oc.Part) {
	d.projMu.Lock()
	defer d.projMu.Unlock()

	if _, ok := d.proj.roleOf(part.MessageID); !ok {
		if msg, err := d.store.readMessage(d.sessionID, part.MessageID); err == nil {
			d.proj.observeMessageUpdate(msg, d.store.listParts)
		}
	}
	if role, ok := d.proj.roleOf(part.MessageID); ok && role == acp.RoleUser {
		msg, err := d.store.readMessage(d.sessionID, part.MessageID)
		if err != nil {
			return
		}
		parts := d.store.listParts(part.MessageID)
		if !containsPart(parts, part.ID) {
			// The live event can outrun the disk write.
			parts = append(parts, part)
		}
		d.proj.projectMessage(msg, parts)
		return
	}
	d.proj.projectPart(part)
}

func containsPart(parts []*oc.Part, id string) bool {
	for _, p := range parts {
		if p.ID == id {
			return true
		}
	}
	return false
}

// startSSE opens the server event stream and keeps it open, reconnecting
// when the server drops it.
func (d *Driver) startSSE() {
	if err := d.client.StartEventStream(d.ctx, d.handleServerEvent); err != nil {
		d.log.Warn("failed to start event stream",
			zap.String("session_id", d.SessionID()),
			zap.Error(err))
		return
	}
	go d.watchSSEControl()
}

func (d *Driver) watchSSEControl() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev, ok := <-d.client.ControlChannel():
			if !ok {
				return
			}
			if ev.Type != "disconnected" {
				continue
			}
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(sseReconnectDelay):
			}
			if err := d.client.StartEventStream(d.ctx, d.handleServerEvent); err != nil {
				d.log.Warn("event stream reconnect failed",
					zap.String("session_id", d.SessionID()),
					zap.Error(err))
			}
		}
	}
}

// handleServerEvent dispatches one envelope from the SSE stream or the
// spawned CLI's stdout. The stream carries every session on the server;
// envelopes for other sessions are dropped here.
func (d *Driver) handleServerEvent(env *oc.Envelope) {
	if env == nil {
		return
	}
	if sid := oc.SessionIDOf(env); sid != "" && sid != d.SessionID() {
		return
	}

	switch env.Type {
	case oc.EventMessagePartUpdated:
		props, err := oc.ParseMessagePartUpdated(env.Properties)
		if err != nil {
			return
		}
		d.handlePart(&props.Part)

	case oc.EventMessageUpdated:
		props, err := oc.ParseMessageUpdated(env.Properties)
		if err != nil {
			return
		}
		d.projMu.Lock()
		d.proj.observeMessageUpdate(&props.Info, d.store.listParts)
		d.projMu.Unlock()

	case oc.EventPermissionAsked:
		props, err := oc.ParsePermissionAsked(env.Properties)
		if err != nil {
			return
		}
		d.handlePermissionAsked(props)

	case oc.EventPermissionReplied:
		props, err := oc.ParsePermissionReplied(env.Properties)
		if err != nil {
			return
		}
		d.handlePermissionReplied(props)

	case oc.EventSessionError:
		props, err := oc.ParseSessionError(env.Properties)
		if err != nil {
			return
		}
		code, message := "SESSION_ERROR", "session error"
		if props.Error != nil {
			code = props.Error.GetKind()
			message = props.Error.GetMessage()
		}
		d.projMu.Lock()
		d.emitEventLocked(acp.EventSessionError, acp.SessionErrorPayload{
			Error: acp.ErrorInfo{Code: code, Message: message, Recoverable: true},
		})
		d.projMu.Unlock()

	default:
		// Unknown event types are ignored so newer servers don't break us.
	}
}

func (d *Driver) handlePermissionAsked(props *oc.PermissionAskedProperties) {
	d.projMu.Lock()
	defer d.projMu.Unlock()

	input := props.Metadata
	description := acp.DescribeToolCall(props.Permission, input)
	if len(props.Patterns) > 0 {
		description = props.Permission + ": " + strings.Join(props.Patterns, ", ")
	}

	d.setStatusLocked(acp.StatusWaitingForApproval)
	d.emitEventLocked(acp.EventApprovalRequested, acp.ApprovalRequestedPayload{
		RequestID:   props.ID,
		ToolCallID:  props.ToolCallID(),
		ToolName:    props.Permission,
		ToolInput:   input,
		Description: description,
		RiskLevel:   acp.AssessRisk(props.Permission, input),
		ExpiresAt:   time.Now().Add(approvalExpiry).UTC().Format(time.RFC3339Nano),
	})
}

func (d *Driver) handlePermissionReplied(props *oc.PermissionRepliedProperties) {
	d.projMu.Lock()
	defer d.projMu.Unlock()
	if d.status != acp.StatusWaitingForApproval {
		return
	}
	switch props.Value() {
	case oc.PermissionReplyOnce, oc.PermissionReplyAlways:
		d.setStatusLocked(acp.StatusRunning)
	case oc.PermissionReplyReject:
		d.setStatusLocked(acp.StatusError)
	}
}

// Start launches a new session: through the server when one was
// discovered, otherwise by spawning the CLI.
func (d *Driver) Start(ctx context.Context, projectPath, prompt string) error {
	d.projMu.Lock()
	if d.started {
		d.projMu.Unlock()
		return fmt.Errorf("session already started")
	}
	d.started = true
	d.projectDir = projectPath
	d.projMu.Unlock()

	if d.client != nil {
		err := d.startViaServer(ctx, prompt)
		if err == nil {
			return nil
		}
		d.log.Warn("server start failed, falling back to CLI",
			zap.String("project_path", projectPath),
			zap.Error(err))
	}
	return d.startViaProcess(projectPath, prompt)
}

func (d *Driver) startViaServer(ctx context.Context, prompt string) error {
	sessionID, err := d.client.CreateSession(ctx)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	d.projMu.Lock()
	d.sessionID = sessionID
	d.factory.ResetSequence(sessionID)
	d.setStatusLocked(acp.StatusStarting)
	d.projMu.Unlock()

	// The message endpoint holds the request open for the whole turn;
	// progress arrives through SSE and the file watcher.
	go func() {
		if err := d.client.SendMessage(d.ctx, sessionID, prompt); err != nil {
			d.log.Warn("prompt delivery failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}()

	d.projMu.Lock()
	d.setStatusLocked(acp.StatusRunning)
	path, name := d.projectInfoLocked()
	d.emitEventLocked(acp.EventSessionStarted, acp.SessionStartedPayload{
		Agent:            d.agent,
		ProjectPath:      path,
		ProjectName:      name,
		WorkingDirectory: path,
	})
	d.projMu.Unlock()

	go func() {
		if err := d.startWatcher(); err != nil {
			d.log.Debug("session file watcher unavailable", zap.Error(err))
		}
		d.startSSE()
	}()
	return nil
}

// buildRunArgs is the CLI invocation for a one-shot prompted run.
func buildRunArgs(prompt string) []string {
	return []string{"run", prompt, "--format", "json"}
}

func (d *Driver) startViaProcess(projectPath, prompt string) error {
	d.projMu.Lock()
	if d.sessionID == "" {
		d.sessionID = uuid.NewString()
		d.provisional = true
	}
	sid := d.sessionID
	d.factory.ResetSequence(sid)
	d.setStatusLocked(acp.StatusStarting)
	d.projMu.Unlock()

	cmd := exec.Command(d.command, buildRunArgs(prompt)...)
	cmd.Dir = projectPath

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return d.spawnFailed(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return d.spawnFailed(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return d.spawnFailed(fmt.Errorf("stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return d.spawnFailed(fmt.Errorf("spawn %s: %w", d.command, err))
	}

	d.procMu.Lock()
	d.proc = cmd
	d.stdin = stdin
	d.procMu.Unlock()

	d.projMu.Lock()
	d.setStatusLocked(acp.StatusRunning)
	path, name := d.projectInfoLocked()
	d.emitEventLocked(acp.EventSessionStarted, acp.SessionStartedPayload{
		Agent:            d.agent,
		ProjectPath:      path,
		ProjectName:      name,
		WorkingDirectory: path,
	})
	d.projMu.Unlock()

	if err := d.startWatcher(); err != nil {
		d.log.Debug("session file watcher unavailable", zap.Error(err))
	}
	go d.consumeStdout(stdout)
	go d.consumeStderr(stderr)
	go d.waitProcess(cmd)
	return nil
}

func (d *Driver) spawnFailed(err error) error {
	d.projMu.Lock()
	d.emitEventLocked(acp.EventSessionError, acp.SessionErrorPayload{
		Error: acp.ErrorInfo{Code: "SPAWN_ERROR", Message: err.Error()},
	})
	d.projMu.Unlock()
	return err
}

// consumeStdout reads the CLI's line-oriented JSON output and feeds it
// through the same handler as SSE events. The first line carrying a
// session id replaces the provisional one.
func (d *Driver) consumeStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var probe struct {
			Type      string `json:"type"`
			SessionID string `json:"sessionID"`
		}
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			continue
		}
		env, err := oc.ParseEnvelope([]byte(line))
		if err != nil {
			continue
		}
		sid := probe.SessionID
		if sid == "" {
			sid = oc.SessionIDOf(env)
		}
		if sid != "" {
			d.adoptSessionID(sid)
		}
		if probe.Type == "" {
			continue
		}
		d.handleServerEvent(env)
	}
	if err := scanner.Err(); err != nil {
		d.log.Debug("agent stdout closed", zap.Error(err))
	}
}

func (d *Driver) consumeStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		d.log.Warn("agent stderr", zap.String("session_id", d.SessionID()), zap.String("line", line))
	}
}

// adoptSessionID replaces the provisional session id with the one the CLI
// reported, then re-arms the watcher and catches up on anything already
// persisted under the real id.
func (d *Driver) adoptSessionID(sid string) {
	d.projMu.Lock()
	if sid == "" || !d.provisional || sid == d.sessionID {
		d.projMu.Unlock()
		return
	}
	previous := d.sessionID
	d.sessionID = sid
	d.provisional = false
	d.factory.ResetSequence(sid)
	d.projMu.Unlock()

	d.log.Info("Adopted session id from agent output",
		zap.String("previous", previous),
		zap.String("session_id", sid))

	d.watchMu.Lock()
	watcher := d.watcher
	d.watchMu.Unlock()
	if watcher != nil {
		if dir := d.store.messageDir(sid); dirExists(dir) {
			_ = watcher.Add(dir)
		}
	}
	d.loadHistory()
}

func (d *Driver) waitProcess(cmd *exec.Cmd) {
	err := cmd.Wait()

	d.procMu.Lock()
	d.proc = nil
	d.stdin = nil
	d.procMu.Unlock()

	if d.detached.Load() {
		return
	}
	d.projMu.Lock()
	defer d.projMu.Unlock()
	if err == nil {
		d.emitEventLocked(acp.EventSessionCompleted, acp.SessionCompletedPayload{})
		return
	}
	d.emitEventLocked(acp.EventSessionError, acp.SessionErrorPayload{
		Error: acp.ErrorInfo{Code: "PROCESS_ERROR", Message: err.Error()},
	})
}

// Execute performs one user command against the session.
func (d *Driver) Execute(ctx context.Context, cmd *acp.Command) error {
	if cmd == nil {
		return nil
	}
	switch cmd.Name {
	case acp.CommandSendMessage:
		return d.sendMessage(ctx, cmd.Message)
	case acp.CommandApproveToolCall:
		return d.approveToolCall(ctx, cmd)
	case acp.CommandDenyToolCall:
		return d.denyToolCall(ctx, cmd)
	case acp.CommandCancel:
		return d.cancelTurn(ctx)
	case acp.CommandTerminate:
		return d.terminate(ctx)
	default:
		d.log.Debug("ignoring unknown command",
			zap.String("session_id", d.SessionID()),
			zap.String("command", string(cmd.Name)))
		return nil
	}
}

func (d *Driver) sendMessage(ctx context.Context, text string) error {
	if d.client != nil {
		return d.client.SendMessage(ctx, d.SessionID(), text)
	}

	d.procMu.Lock()
	stdin := d.stdin
	d.procMu.Unlock()
	if stdin != nil {
		if _, err := io.WriteString(stdin, text+"\n"); err != nil {
			return fmt.Errorf("write to agent stdin: %w", err)
		}
		return nil
	}
	return fmt.Errorf("cannot deliver message: no server connection and no active process")
}

func (d *Driver) approveToolCall(ctx context.Context, cmd *acp.Command) error {
	if d.client == nil {
		return fmt.Errorf("cannot approve tool call: no server connection")
	}
	if err := d.client.ReplyPermission(ctx, cmd.RequestID, oc.PermissionReplyOnce, nil); err != nil {
		return err
	}
	d.projMu.Lock()
	d.emitEventLocked(acp.EventApprovalResolved, acp.ApprovalResolvedPayload{
		RequestID:  cmd.RequestID,
		ToolCallID: cmd.ToolCallID,
		Approved:   true,
		ResolvedBy: "user",
	})
	d.projMu.Unlock()
	return nil
}

func (d *Driver) denyToolCall(ctx context.Context, cmd *acp.Command) error {
	if d.client == nil {
		return fmt.Errorf("cannot deny tool call: no server connection")
	}
	var message *string
	if cmd.Reason != "" {
		message = &cmd.Reason
	}
	if err := d.client.ReplyPermission(ctx, cmd.RequestID, oc.PermissionReplyReject, message); err != nil {
		return err
	}
	d.projMu.Lock()
	d.emitEventLocked(acp.EventApprovalResolved, acp.ApprovalResolvedPayload{
		RequestID:  cmd.RequestID,
		ToolCallID: cmd.ToolCallID,
		Approved:   false,
		ResolvedBy: "user",
		Reason:     cmd.Reason,
	})
	d.projMu.Unlock()
	return nil
}

func (d *Driver) cancelTurn(ctx context.Context) error {
	if d.client != nil {
		return d.client.Abort(ctx, d.SessionID())
	}
	d.procMu.Lock()
	proc := d.proc
	d.procMu.Unlock()
	if proc != nil && proc.Process != nil {
		if err := proc.Process.Signal(os.Interrupt); err != nil {
			return fmt.Errorf("interrupt agent process: %w", err)
		}
	}
	return nil
}

func (d *Driver) terminate(ctx context.Context) error {
	if d.client != nil {
		_ = d.client.Abort(ctx, d.SessionID())
	}
	d.killProcess()
	d.Detach()
	return nil
}

func (d *Driver) killProcess() {
	d.procMu.Lock()
	proc := d.proc
	d.proc = nil
	d.stdin = nil
	d.procMu.Unlock()
	if proc != nil && proc.Process != nil {
		_ = proc.Process.Kill()
	}
}

// Detach stops the watcher, the SSE stream, and the child process, and
// drops all listeners. Idempotent; no events are delivered afterwards.
func (d *Driver) Detach() {
	d.detachOnce.Do(func() {
		d.detached.Store(true)
		d.cancel()

		d.watchMu.Lock()
		watcher := d.watcher
		d.watcher = nil
		d.watchMu.Unlock()
		if watcher != nil {
			_ = watcher.Close()
		}

		if d.client != nil {
			d.client.Close()
		}
		d.killProcess()

		d.listenerMu.Lock()
		d.listeners = make(map[int]func(*acp.Event))
		d.listenerMu.Unlock()

		d.log.Debug("session driver detached", zap.String("session_id", d.SessionID()))
	})
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
