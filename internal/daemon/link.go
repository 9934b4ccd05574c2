package daemon

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/common/config"
	"github.com/agentap/agentap/internal/common/logger"
	"github.com/agentap/agentap/internal/remote"
	v1 "github.com/agentap/agentap/pkg/api/v1"
)

// Linker runs the machine-linking flow: request a code, wait for the
// portal to claim it, persist the credentials. The two hooks let an
// in-process daemon react immediately; the standalone CLI leaves them
// nil and the daemon picks the credentials up on its next start.
type Linker struct {
	Config    *config.Config
	ConfigDir string
	Client    *remote.Client
	NoTunnel  bool

	// StartHeartbeat is invoked after a successful link, if set.
	StartHeartbeat func()
	// StartTunnel is invoked with the returned tunnel token, if set.
	StartTunnel func(token string) error

	Logger *logger.Logger
}

func (l *Linker) log() *logger.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return logger.Default()
}

// Begin requests a link code from the remote API.
func (l *Linker) Begin(ctx context.Context, agentsDetected []string) (*remote.LinkHandle, error) {
	handle, err := l.Client.CreateLinkRequest(ctx, agentsDetected)
	if err != nil {
		return nil, fmt.Errorf("create link request: %w", err)
	}
	return handle, nil
}

// Wait polls until the portal claims the code, then persists the machine
// credentials and fires the post-link hooks. The poll callback, when
// set, runs once per attempt.
func (l *Linker) Wait(ctx context.Context, code string, onPoll func(attempt int)) (*v1.LinkStatus, error) {
	status, err := l.Client.WaitForLink(ctx, code, onPoll)
	if err != nil {
		return nil, err
	}

	l.Config.Machine.ID = status.MachineID
	l.Config.Machine.UserID = status.UserID
	l.Config.Machine.APISecret = status.APISecret
	l.Config.Machine.TunnelToken = status.TunnelToken
	l.Config.Machine.TunnelURL = status.TunnelURL
	if err := config.Save(l.Config, l.ConfigDir); err != nil {
		return nil, fmt.Errorf("save credentials: %w", err)
	}
	l.Client.SetCredentials(status.MachineID, status.APISecret)
	l.log().Info("machine linked",
		zap.String("machine_id", status.MachineID),
		zap.String("user_id", status.UserID))

	if l.StartHeartbeat != nil {
		l.StartHeartbeat()
	}
	if l.StartTunnel != nil && !l.NoTunnel && status.TunnelToken != "" {
		if err := l.StartTunnel(status.TunnelToken); err != nil {
			l.log().Error("failed to start tunnel after linking", zap.Error(err))
		}
	}
	return status, nil
}
