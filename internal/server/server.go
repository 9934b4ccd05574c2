// Package server is the daemon's WebSocket fan-out surface: it accepts
// authenticated client connections, relays their commands to the
// orchestrator through callbacks, broadcasts canonical events and session
// snapshots, and exposes the HTTP long-poll endpoint agent hooks use for
// tool approvals.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/common/httpmw"
	"github.com/agentap/agentap/internal/common/logger"
	"github.com/agentap/agentap/pkg/acp"
	v1 "github.com/agentap/agentap/pkg/api/v1"
	ws "github.com/agentap/agentap/pkg/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients connect through the tunnel or from LAN apps, so the Origin
	// header carries no trust signal; auth happens in-protocol.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Config controls the listener.
type Config struct {
	Host string
	Port int

	// AutoApproveLowRisk answers low-risk hook approvals without waiting
	// for a human decision.
	AutoApproveLowRisk bool
}

// Callbacks are the orchestrator operations the server invokes on behalf of
// clients. Nil callbacks reject the corresponding request, except OnAuth:
// nil OnAuth accepts every token as the local user.
type Callbacks struct {
	OnAuth                func(ctx context.Context, token string) *v1.TokenValidation
	OnCommand             func(ctx context.Context, sessionID string, cmd *acp.Command) error
	OnTerminateSession    func(ctx context.Context, sessionID string) error
	OnStartSession        func(ctx context.Context, agent, projectPath, prompt string) error
	GetSessions           func() any
	GetCapabilities       func() any
	GetSessionHistory     func(ctx context.Context, sessionID string) (any, error)
	OnClientAuthenticated func(userID string)
	OnShutdownRequest     func()
}

// Server is the WebSocket + hook HTTP server.
type Server struct {
	cfg       Config
	callbacks Callbacks
	logger    *logger.Logger

	engine     *gin.Engine
	httpSrv    *http.Server
	hub        *hub
	hooks      *HookApprovals
	dispatcher *ws.Dispatcher

	hubCtx    context.Context
	hubCancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	started  bool
}

// New assembles the server. Start must be called before it serves anything.
func New(cfg Config, factory *acp.Factory, callbacks Callbacks, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "ws-server"))

	hubCtx, hubCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		callbacks:  callbacks,
		logger:     log,
		hub:        newHub(log),
		hooks:      NewHookApprovals(factory, cfg.AutoApproveLowRisk, log),
		dispatcher: ws.NewDispatcher(),
		hubCtx:     hubCtx,
		hubCancel:  hubCancel,
	}
	s.registerHandlers()
	s.engine = s.buildEngine()
	s.httpSrv = &http.Server{
		Handler: s.engine,
		// No write timeout: /api/hooks/approve long-polls for minutes and
		// WebSocket connections outlive any sane deadline.
	}
	return s
}

func (s *Server) buildEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(httpmw.RequestLogger(s.logger, "agentap"))
	engine.Use(httpmw.OtelTracing("agentap"))

	engine.GET("/health", s.handleHealth)
	engine.GET("/ws", s.handleWS)
	engine.POST("/api/hooks/approve", s.hooks.handleApprove)
	engine.POST("/api/hooks/health", s.hooks.handleHealth)
	engine.POST("/api/daemon/shutdown", s.handleShutdown)
	return engine
}

// corsMiddleware allows cross-origin HTTP and WebSocket access; the portal
// web app is served from a different origin than the tunnel.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Start binds the listener and begins serving. A port conflict surfaces
// here, not asynchronously.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.started = true

	go s.hub.run(s.hubCtx)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", zap.Error(err))
		}
	}()

	s.logger.Info("WebSocket server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Port returns the bound port, which differs from the configured one when
// the config asked for port 0.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Port
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return s.cfg.Port
}

// Close disconnects all clients and shuts the HTTP server down.
func (s *Server) Close(ctx context.Context) error {
	s.hubCancel()
	return s.httpSrv.Shutdown(ctx)
}

// GetClientCount returns the number of connected WebSocket clients.
func (s *Server) GetClientCount() int {
	return s.hub.ClientCount()
}

// Hooks exposes the hook-approval subsystem to the orchestrator.
func (s *Server) Hooks() *HookApprovals {
	return s.hooks
}

// BroadcastACPEvent fans one canonical event out to authenticated clients.
func (s *Server) BroadcastACPEvent(event *acp.Event) {
	msg, err := ws.NewEvent(event)
	if err != nil {
		s.logger.Error("failed to encode event broadcast", zap.Error(err))
		return
	}
	s.broadcast(msg)
}

// BroadcastSessionsList fans a sessions snapshot out to authenticated
// clients.
func (s *Server) BroadcastSessionsList(sessions any) {
	msg, err := ws.NewSessionsList(sessions)
	if err != nil {
		s.logger.Error("failed to encode sessions broadcast", zap.Error(err))
		return
	}
	s.broadcast(msg)
}

func (s *Server) broadcast(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal broadcast", zap.Error(err))
		return
	}
	s.hub.Broadcast(data)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "agentap",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	s.logger.Debug("websocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	cl := newClient(clientID, conn, s, s.logger)
	s.hub.Register(cl)

	go cl.writePump()
	cl.readPump(c.Request.Context())
}

// handleShutdown stops the daemon. Only loopback callers qualify: the stop
// CLI runs on the same machine, remote clients must not reach this.
func (s *Server) handleShutdown(c *gin.Context) {
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil || !net.ParseIP(host).IsLoopback() {
		c.JSON(http.StatusForbidden, gin.H{"error": "shutdown is local-only"})
		return
	}
	s.logger.Info("shutdown requested", zap.String("remote_addr", c.Request.RemoteAddr))
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})

	if cb := s.callbacks.OnShutdownRequest; cb != nil {
		go cb()
	}
}

// authenticate resolves an auth token through the orchestrator callback.
func (s *Server) authenticate(ctx context.Context, token string) *v1.TokenValidation {
	if s.callbacks.OnAuth == nil {
		return &v1.TokenValidation{Valid: true, UserID: "local-user"}
	}
	return s.callbacks.OnAuth(ctx, token)
}

func (s *Server) registerHandlers() {
	s.dispatcher.RegisterFunc(ws.TypeCommand, s.handleCommand)
	s.dispatcher.RegisterFunc(ws.TypeTerminate, s.handleTerminate)
	s.dispatcher.RegisterFunc(ws.TypeStartSession, s.handleStartSession)
	s.dispatcher.RegisterFunc(ws.TypeGetSessions, s.handleGetSessions)
	s.dispatcher.RegisterFunc(ws.TypeGetHistory, s.handleGetHistory)
	s.dispatcher.RegisterFunc(ws.TypeGetCapabilities, s.handleGetCapabilities)
}

func (s *Server) handleCommand(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	if msg.SessionID == "" {
		return ws.NewError(msg.ID, ws.ErrorCodeBadRequest, "sessionId is required"), nil
	}
	if msg.Command == "" {
		return ws.NewError(msg.ID, ws.ErrorCodeBadRequest, "command is required"), nil
	}
	if s.callbacks.OnCommand == nil {
		return ws.NewError(msg.ID, ws.ErrorCodeInternalError, "commands are not available"), nil
	}

	cmd := &acp.Command{
		Name:       acp.CommandName(msg.Command),
		Message:    msg.Message,
		RequestID:  msg.RequestID,
		ToolCallID: msg.ToolCallID,
		Reason:     msg.Reason,
	}
	if err := s.callbacks.OnCommand(ctx, msg.SessionID, cmd); err != nil {
		return ws.NewCommandResult(msg.ID, false, err.Error()), nil
	}
	return ws.NewCommandResult(msg.ID, true, ""), nil
}

func (s *Server) handleTerminate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	if msg.SessionID == "" {
		return ws.NewError(msg.ID, ws.ErrorCodeBadRequest, "sessionId is required"), nil
	}
	if s.callbacks.OnTerminateSession == nil {
		return ws.NewError(msg.ID, ws.ErrorCodeInternalError, "terminate is not available"), nil
	}
	if err := s.callbacks.OnTerminateSession(ctx, msg.SessionID); err != nil {
		return ws.NewCommandResult(msg.ID, false, err.Error()), nil
	}
	return ws.NewCommandResult(msg.ID, true, ""), nil
}

func (s *Server) handleStartSession(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	if msg.Agent == "" || msg.ProjectPath == "" || msg.Prompt == "" {
		return ws.NewError(msg.ID, ws.ErrorCodeBadRequest, "agent, projectPath and prompt are required"), nil
	}
	if s.callbacks.OnStartSession == nil {
		return ws.NewError(msg.ID, ws.ErrorCodeInternalError, "starting sessions is not available"), nil
	}
	if err := s.callbacks.OnStartSession(ctx, msg.Agent, msg.ProjectPath, msg.Prompt); err != nil {
		return ws.NewCommandResult(msg.ID, false, err.Error()), nil
	}
	return ws.NewCommandResult(msg.ID, true, ""), nil
}

func (s *Server) handleGetSessions(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var sessions any
	if s.callbacks.GetSessions != nil {
		sessions = s.callbacks.GetSessions()
	}
	resp, err := ws.NewSessionsList(sessions)
	if err != nil {
		return nil, err
	}
	resp.ID = msg.ID
	return resp, nil
}

func (s *Server) handleGetHistory(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	if msg.SessionID == "" {
		return ws.NewError(msg.ID, ws.ErrorCodeBadRequest, "sessionId is required"), nil
	}
	if s.callbacks.GetSessionHistory == nil {
		return ws.NewError(msg.ID, ws.ErrorCodeInternalError, "history is not available"), nil
	}
	events, err := s.callbacks.GetSessionHistory(ctx, msg.SessionID)
	if err != nil {
		return ws.NewError(msg.ID, ws.ErrorCodeNotFound, err.Error()), nil
	}
	return ws.NewHistory(msg.ID, msg.SessionID, events)
}

func (s *Server) handleGetCapabilities(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var caps any
	if s.callbacks.GetCapabilities != nil {
		caps = s.callbacks.GetCapabilities()
	}
	return ws.NewCapabilities(msg.ID, caps)
}
