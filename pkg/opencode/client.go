package opencode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/common/logger"
)

// Client manages HTTP and SSE communication with a local OpenCode server.
// All requests are scoped to a project directory via the
// X-OpenCode-Directory header and the directory query parameter.
type Client struct {
	baseURL    string
	directory  string
	httpClient *http.Client
	logger     *logger.Logger

	controlCh chan ControlEvent

	// SSE connection tracking - prevents multiple concurrent connections
	sseCancel context.CancelFunc
	sseActive bool

	mu     sync.RWMutex
	closed bool
}

// EventHandler is called for each envelope read from the SSE stream.
// Handlers run on the stream goroutine and must not block.
type EventHandler func(event *Envelope)

// ControlEvent signals stream lifecycle changes to the owner. A
// "disconnected" event means the stream ended without StopEventStream or
// Close being called, and the owner should reconnect if it still cares.
type ControlEvent struct {
	Type    string // "disconnected"
	Message string
}

// NewClient creates a client for the OpenCode server at baseURL, scoping
// requests to directory.
func NewClient(baseURL, directory string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		directory: directory,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:    log,
		controlCh: make(chan ControlEvent, 10),
	}
}

// BaseURL returns the server address this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Directory returns the project directory requests are scoped to.
func (c *Client) Directory() string {
	return c.directory
}

// ControlChannel returns the channel for stream lifecycle events.
func (c *Client) ControlChannel() <-chan ControlEvent {
	return c.controlCh
}

// doRequest performs an HTTP request with directory scoping headers.
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	url := c.baseURL + path
	if c.directory != "" {
		if strings.Contains(path, "?") {
			url += "&directory=" + c.directory
		} else {
			url += "?directory=" + c.directory
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.directory != "" {
		req.Header.Set("X-OpenCode-Directory", c.directory)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// doPromptRequest performs an HTTP request with a longer timeout suitable
// for prompts. The message endpoint holds the request open while the turn
// runs, which can take minutes.
func (c *Client) doPromptRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	url := c.baseURL + path
	if c.directory != "" {
		if strings.Contains(path, "?") {
			url += "&directory=" + c.directory
		} else {
			url += "?directory=" + c.directory
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.directory != "" {
		req.Header.Set("X-OpenCode-Directory", c.directory)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	promptClient := &http.Client{
		Timeout: 60 * time.Minute,
	}
	return promptClient.Do(req)
}

// apiError drains the response body and formats the server failure.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("OpenCode API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// Health probes GET /global/health once. Discovery uses this with a short
// deadline on the context to sweep candidate ports.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/global/health", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("parse health response: %w", err)
	}
	return &health, nil
}

// CreateSession creates a new OpenCode session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/session", strings.NewReader("{}"))
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apiError(resp)
	}

	var session SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}
	if session.ID == "" {
		return "", fmt.Errorf("server returned a session without an id")
	}

	return session.ID, nil
}

// SendMessage posts a user text prompt to a session. The server holds the
// request open until the turn completes, so callers normally dispatch this
// from a goroutine and follow progress through the event stream.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) error {
	req := PromptRequest{
		Parts: []TextPartInput{
			{Type: PartTypeText, Text: text},
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal prompt request: %w", err)
	}

	path := fmt.Sprintf("/session/%s/message", sessionID)
	resp, err := c.doPromptRequest(ctx, http.MethodPost, path, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("send message request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read message response: %w", err)
	}

	// A 200 can still carry an error body of the form { name, data }.
	trimmed := strings.TrimSpace(string(respBody))
	if trimmed == "" {
		return nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil
	}
	if name, ok := parsed["name"].(string); ok {
		if _, hasInfo := parsed["info"]; !hasInfo {
			message := "unknown error"
			if data, ok := parsed["data"].(map[string]any); ok {
				if msg, ok := data["message"].(string); ok {
					message = msg
				}
			}
			return fmt.Errorf("message error: %s: %s", name, message)
		}
	}

	return nil
}

// Abort asks the server to interrupt a session. Best effort: the abort
// endpoint races turn completion, so failures are ignored.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/session/%s/abort", sessionID)

	abortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()

	resp, err := c.doRequest(abortCtx, http.MethodPost, path, nil)
	if err != nil {
		return nil // Ignore abort errors
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = io.ReadAll(resp.Body)
	return nil
}

// ReplyPermission answers a pending permission request.
func (c *Client) ReplyPermission(ctx context.Context, requestID, reply string, message *string) error {
	payload := PermissionReplyRequest{
		Reply: reply,
	}
	if message != nil {
		payload.Message = *message
	} else if reply == PermissionReplyReject {
		// If rejecting without message, provide default
		payload.Message = "User denied this tool use request"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal permission reply: %w", err)
	}

	path := fmt.Sprintf("/permission/%s/reply", requestID)
	resp, err := c.doRequest(ctx, http.MethodPost, path, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("permission reply request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}

	_, _ = io.ReadAll(resp.Body)
	return nil
}

// StartEventStream opens the SSE feed and delivers every envelope to
// handler from a background goroutine. Only one stream runs per client;
// starting a second while one is active is a no-op. The stream carries
// events for every session on the server - callers filter.
func (c *Client) StartEventStream(ctx context.Context, handler EventHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	// Prevent multiple concurrent SSE connections, which would cause
	// duplicate event processing.
	if c.sseActive {
		c.mu.Unlock()
		c.logger.Debug("SSE stream already active, skipping duplicate connection")
		return nil
	}
	c.sseActive = true
	c.mu.Unlock()

	url := c.baseURL + "/event"
	if c.directory != "" {
		url += "?directory=" + c.directory
	}

	sseCtx, sseCancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.sseCancel = sseCancel
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(sseCtx, http.MethodGet, url, nil)
	if err != nil {
		c.clearStream()
		sseCancel()
		return fmt.Errorf("create event stream request: %w", err)
	}

	if c.directory != "" {
		req.Header.Set("X-OpenCode-Directory", c.directory)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Use a client without timeout for SSE
	sseClient := &http.Client{}
	resp, err := sseClient.Do(req)
	if err != nil {
		c.clearStream()
		sseCancel()
		return fmt.Errorf("connect event stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		c.clearStream()
		sseCancel()
		return fmt.Errorf("event stream failed: HTTP %d: %s", resp.StatusCode, string(body))
	}

	c.logger.Debug("SSE stream connected", zap.String("base_url", c.baseURL))

	go c.processEventStream(sseCtx, resp.Body, handler)

	return nil
}

// processEventStream reads and parses SSE events until the stream ends.
func (c *Client) processEventStream(ctx context.Context, body io.ReadCloser, handler EventHandler) {
	defer func() {
		_ = body.Close()
		c.clearStream()
		c.logger.Debug("SSE stream ended")
	}()

	scanner := bufio.NewScanner(body)
	// Increase buffer size for potentially large events
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var dataBuffer strings.Builder

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		// SSE format: "data: {...}"
		if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}

		// Empty line signals end of event
		if line == "" && dataBuffer.Len() > 0 {
			data := strings.TrimSpace(dataBuffer.String())
			dataBuffer.Reset()

			if data == "" {
				continue
			}

			event, err := ParseEnvelope([]byte(data))
			if err != nil {
				c.logger.Warn("failed to parse SSE event", zap.Error(err))
				continue
			}

			if handler != nil {
				handler(event)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("event stream error", zap.Error(err))
	}

	// The stream ended on its own - tell the owner so it can reconnect.
	if ctx.Err() != nil {
		return
	}
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if !closed {
		select {
		case c.controlCh <- ControlEvent{Type: "disconnected"}:
		default:
		}
	}
}

func (c *Client) clearStream() {
	c.mu.Lock()
	c.sseActive = false
	c.sseCancel = nil
	c.mu.Unlock()
}

// StopEventStream tears down an active stream without emitting a
// disconnect notification.
func (c *Client) StopEventStream() {
	c.mu.Lock()
	cancel := c.sseCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close closes the client and terminates any active SSE connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	if c.sseCancel != nil {
		c.sseCancel()
		c.sseCancel = nil
	}
	c.sseActive = false

	close(c.controlCh)
}
