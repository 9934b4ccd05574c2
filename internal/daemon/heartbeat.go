package daemon

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/remote"
	v1 "github.com/agentap/agentap/pkg/api/v1"
)

// startHeartbeat begins the reporting loop: one beat immediately, then
// every interval, plus an extra beat whenever a client authenticates.
// Idempotent so linking can call it on an already-beating daemon.
func (d *Daemon) startHeartbeat() {
	d.mu.Lock()
	if d.heartbeatOn {
		d.mu.Unlock()
		return
	}
	d.heartbeatOn = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.beat()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.beat()
			case <-d.kick:
				d.beat()
			}
		}
	}()
}

// kickHeartbeat schedules an extra beat without blocking the caller.
func (d *Daemon) kickHeartbeat() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Daemon) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := d.remote.SendHeartbeat(ctx, d.buildHeartbeat()); err != nil {
		var apiErr *remote.APIError
		if errors.As(err, &apiErr) && apiErr.Unauthorized() {
			d.log.Warn("heartbeat rejected, re-link needed", zap.Error(err))
			return
		}
		d.log.Warn("heartbeat failed", zap.Error(err))
	}
}

func (d *Daemon) buildHeartbeat() *v1.Heartbeat {
	sessions := d.Sessions()
	summaries := make([]v1.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, v1.SessionSummary{
			ID:             s.ID,
			Agent:          s.Agent,
			ProjectPath:    s.ProjectPath,
			ProjectName:    s.ProjectName,
			Status:         string(s.Status),
			LastMessage:    s.LastMessage,
			LastActivityAt: s.LastActivity,
			StartedAt:      s.CreatedAt,
		})
	}
	return &v1.Heartbeat{
		TunnelURL:      d.advertisedURL(),
		AgentsDetected: d.agentNames(),
		Sessions:       summaries,
	}
}
