// Package remote is the daemon's client for the agentap cloud API: device
// linking, heartbeats, auth-token validation, and approval push
// notifications. The client itself is stateless beyond the linked machine
// credentials it sends as a bearer token.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/common/logger"
	"github.com/agentap/agentap/internal/common/tracing"
	v1 "github.com/agentap/agentap/pkg/api/v1"
)

const (
	requestTimeout   = 30 * time.Second
	linkPollInterval = 2 * time.Second
	linkPollTimeout  = 10 * time.Minute
)

// APIError is a non-2xx response from the cloud API.
type APIError struct {
	Status int
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s returned %d: %s", e.Path, e.Status, e.Body)
	}
	return fmt.Sprintf("%s returned %d", e.Path, e.Status)
}

// NotFound reports a response meaning the resource no longer exists.
func (e *APIError) NotFound() bool {
	return e.Status == http.StatusNotFound || e.Status == http.StatusGone
}

// Unauthorized reports a rejected bearer token.
func (e *APIError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

// LinkHandle is a pending pairing request: the code the user types into the
// portal and the QR payload encoding the same thing for its scanner.
type LinkHandle struct {
	Code string
	QR   string
}

// Client calls the agentap cloud API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger

	pollInterval time.Duration
	pollTimeout  time.Duration

	mu        sync.RWMutex
	machineID string
	apiSecret string
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		log:          log.WithFields(zap.String("component", "remote-client")),
		pollInterval: linkPollInterval,
		pollTimeout:  linkPollTimeout,
	}
}

// SetCredentials attaches the linked machine identity. Subsequent calls
// carry its API secret as a bearer token.
func (c *Client) SetCredentials(machineID, apiSecret string) {
	c.mu.Lock()
	c.machineID = machineID
	c.apiSecret = apiSecret
	c.mu.Unlock()
}

func (c *Client) credentials() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.machineID, c.apiSecret
}

// CreateLinkRequest registers this machine for pairing and returns the
// short-lived link code together with the QR payload the portal app scans.
func (c *Client) CreateLinkRequest(ctx context.Context, agentsDetected []string) (*LinkHandle, error) {
	hostname := machineName()
	req := v1.LinkRequest{
		MachineName:    hostname,
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		AgentsDetected: agentsDetected,
	}
	var resp v1.LinkResponse
	if err := c.do(ctx, http.MethodPost, "/api/machines/link-request", req, &resp); err != nil {
		return nil, err
	}
	if resp.Code == "" {
		return nil, errors.New("link request returned no code")
	}

	qr, err := json.Marshal(v1.QRPayload{V: 1, Code: resp.Code, Name: hostname})
	if err != nil {
		return nil, fmt.Errorf("encode qr payload: %w", err)
	}
	return &LinkHandle{Code: resp.Code, QR: string(qr)}, nil
}

// GetLinkStatus fetches the pairing state for a link code.
func (c *Client) GetLinkStatus(ctx context.Context, code string) (*v1.LinkStatus, error) {
	var status v1.LinkStatus
	path := "/api/machines/link-status/" + url.PathEscape(code)
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// WaitForLink polls the link status until the portal confirms the pairing.
// onPoll, when set, runs after every unresolved poll so callers can show
// progress. Transient failures keep the poll alive; an expired or unknown
// code aborts immediately.
func (c *Client) WaitForLink(ctx context.Context, code string, onPoll func(attempt int)) (*v1.LinkStatus, error) {
	deadline := time.NewTimer(c.pollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		status, err := c.GetLinkStatus(ctx, code)
		var apiErr *APIError
		switch {
		case err == nil && status.Linked:
			return status, nil
		case errors.As(err, &apiErr) && apiErr.NotFound():
			return nil, errors.New("Link request not found or expired")
		case err != nil:
			c.log.Debug("link status poll failed", zap.Error(err))
		}

		if onPoll != nil {
			onPoll(attempt)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errors.New("Link code expired")
		case <-ticker.C:
		}
	}
}

// SendHeartbeat reports liveness and the current session set. Requires
// linked credentials.
func (c *Client) SendHeartbeat(ctx context.Context, hb *v1.Heartbeat) error {
	machineID, _ := c.credentials()
	if machineID == "" {
		return errors.New("machine is not linked")
	}
	path := "/api/machines/" + url.PathEscape(machineID) + "/heartbeat"
	return c.do(ctx, http.MethodPost, path, hb, nil)
}

// ValidateToken checks a client auth token against the cloud API. A non-2xx
// response is a definitive rejection, not an error; network failures are
// returned as errors so callers can apply their own fallback.
func (c *Client) ValidateToken(ctx context.Context, token string) (*v1.TokenValidation, error) {
	machineID, _ := c.credentials()
	req := v1.TokenValidationRequest{Token: token, MachineID: machineID}

	var resp v1.TokenValidation
	if err := c.do(ctx, http.MethodPost, "/api/daemon/validate-token", req, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return &v1.TokenValidation{Valid: false}, nil
		}
		return nil, err
	}
	return &resp, nil
}

// NotifyApproval forwards a tool-approval request to the push-notification
// service so the user's devices can prompt even while disconnected.
func (c *Client) NotifyApproval(ctx context.Context, n *v1.ApprovalNotification) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/approval", n, nil)
}

// do issues one JSON request. 2xx responses decode into result when it is
// non-nil and the server replied with JSON; non-2xx become an *APIError.
func (c *Client) do(ctx context.Context, method, path string, payload, result interface{}) error {
	ctx, finish := tracing.TraceHTTPRequest(ctx, method, path)

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			finish(0, err)
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		finish(0, err)
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if _, secret := c.credentials(); secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		finish(0, err)
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	finish(resp.StatusCode, nil)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Path: path, Body: strings.TrimSpace(string(raw))}
	}
	if result == nil {
		return nil
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		// Some endpoints answer 2xx with plain text; leave result zeroed.
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func machineName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "unknown"
	}
	return hostname
}
