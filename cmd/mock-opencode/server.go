package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/common/logger"
	oc "github.com/agentap/agentap/pkg/opencode"
)

const mockVersion = "0.0.0-mock"

// mockServer serves the slice of the OpenCode HTTP surface the daemon
// consumes. Every state change is written to the storage tree and
// broadcast on the event stream, so file watchers and SSE consumers
// observe the same progression.
type mockServer struct {
	writer      *storeWriter
	workspace   *workspace
	permissions *permissionRegistry
	model       string
	log         *logger.Logger

	events *sseHub

	mu    sync.Mutex
	turns map[string]context.CancelFunc
}

func newMockServer(writer *storeWriter, ws *workspace, model string, log *logger.Logger) *mockServer {
	if log == nil {
		log = logger.Default()
	}
	return &mockServer{
		writer:      writer,
		workspace:   ws,
		permissions: newPermissionRegistry(),
		model:       model,
		log:         log,
		events:      newSSEHub(),
		turns:       make(map[string]context.CancelFunc),
	}
}

func (s *mockServer) engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/global/health", s.handleHealth)
	engine.POST("/session", s.handleCreateSession)
	engine.POST("/session/:id/message", s.handleMessage)
	engine.POST("/session/:id/abort", s.handleAbort)
	engine.POST("/permission/:id/reply", s.handlePermissionReply)
	engine.GET("/event", s.handleEvents)
	return engine
}

func (s *mockServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, oc.HealthResponse{Healthy: true, Version: mockVersion})
}

func (s *mockServer) handleCreateSession(c *gin.Context) {
	now := time.Now().UnixMilli()
	rec := &oc.SessionRecord{
		ID:        newID("ses"),
		Directory: s.workspace.root,
		Version:   mockVersion,
		Time:      oc.SessionTime{Created: now, Updated: now},
	}
	if err := s.writer.writeSession(rec); err != nil {
		c.JSON(http.StatusInternalServerError, apiErrorBody("StorageError", err.Error()))
		return
	}
	s.log.Info("session created", zap.String("session_id", rec.ID))
	c.JSON(http.StatusOK, oc.SessionResponse{ID: rec.ID})
}

// handleMessage runs one turn. Like the real server it holds the request
// open until the turn finishes; progress streams out through SSE and the
// storage tree while the client waits.
func (s *mockServer) handleMessage(c *gin.Context) {
	sessionID := c.Param("id")

	var req oc.PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiErrorBody("BadRequestError", err.Error()))
		return
	}
	prompt := promptText(req)

	record, err := s.writer.readSession(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, apiErrorBody("NotFoundError", "session not found: "+sessionID))
		return
	}

	ctx, err := s.beginTurn(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusConflict, apiErrorBody("BusyError", err.Error()))
		return
	}
	defer s.endTurn(sessionID)

	info := s.runTurn(ctx, record, prompt)
	c.JSON(http.StatusOK, gin.H{"info": info})
}

func (s *mockServer) handleAbort(c *gin.Context) {
	sessionID := c.Param("id")
	s.mu.Lock()
	cancel := s.turns[sessionID]
	s.mu.Unlock()
	if cancel != nil {
		s.log.Info("turn aborted", zap.String("session_id", sessionID))
		cancel()
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *mockServer) handlePermissionReply(c *gin.Context) {
	id := c.Param("id")

	var req oc.PermissionReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiErrorBody("BadRequestError", err.Error()))
		return
	}

	sessionID, ok := s.permissions.resolve(id, req.Reply)
	if !ok {
		c.JSON(http.StatusNotFound, apiErrorBody("NotFoundError", "permission not found: "+id))
		return
	}

	s.broadcast(oc.EventPermissionReplied, oc.PermissionRepliedProperties{
		SessionID:    sessionID,
		PermissionID: id,
		Response:     req.Reply,
	})
	c.JSON(http.StatusOK, gin.H{})
}

// handleEvents serves the SSE feed. The connection stays open until the
// client goes away.
func (s *mockServer) handleEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	sub := s.events.subscribe()
	defer s.events.unsubscribe(sub)

	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case data := <-sub:
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// broadcast publishes one envelope to every event stream subscriber.
func (s *mockServer) broadcast(eventType string, props any) {
	raw, err := json.Marshal(props)
	if err != nil {
		s.log.Error("marshal event properties", zap.Error(err))
		return
	}
	data, err := json.Marshal(oc.Envelope{Type: eventType, Properties: raw})
	if err != nil {
		s.log.Error("marshal event envelope", zap.Error(err))
		return
	}
	s.events.broadcast(data)
}

// beginTurn claims a session for one turn. A session runs at most one turn
// at a time; overlapping prompts come back as conflicts.
func (s *mockServer) beginTurn(parent context.Context, sessionID string) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.turns[sessionID]; busy {
		return nil, errors.New("session is busy")
	}
	ctx, cancel := context.WithCancel(parent)
	s.turns[sessionID] = cancel
	return ctx, nil
}

func (s *mockServer) endTurn(sessionID string) {
	s.mu.Lock()
	cancel := s.turns[sessionID]
	delete(s.turns, sessionID)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// sessionProps is the properties object of session-scoped envelopes
// (session.idle, session.error).
type sessionProps struct {
	SessionID string       `json:"sessionID"`
	Error     *oc.APIError `json:"error,omitempty"`
}

// apiErrorBody renders the { name, data } error shape OpenCode clients
// parse out of failure responses.
func apiErrorBody(name, message string) gin.H {
	return gin.H{"name": name, "data": gin.H{"message": message}}
}

// promptText joins the text parts of a prompt request.
func promptText(req oc.PromptRequest) string {
	var b strings.Builder
	for _, part := range req.Parts {
		if part.Type != oc.PartTypeText {
			continue
		}
		b.WriteString(part.Text)
	}
	return strings.TrimSpace(b.String())
}

// sseHub fans envelope payloads out to /event subscribers. Slow consumers
// lose events rather than stalling a turn.
type sseHub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func newSSEHub() *sseHub {
	return &sseHub{subs: make(map[chan []byte]struct{})}
}

func (h *sseHub) subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *sseHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *sseHub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
		}
	}
}
