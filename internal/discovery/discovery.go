// Package discovery locates a locally running OpenCode HTTP server by
// sweeping the port range the CLI allocates from.
package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/common/logger"
	"github.com/agentap/agentap/pkg/opencode"
)

// ServerInfo describes a discovered agent HTTP server.
type ServerInfo struct {
	URL     string `json:"url"`
	Version string `json:"version"`
}

const (
	// The CLI binds its default port first, then walks upward when taken.
	defaultPort   = 4096
	fallbackPorts = 10

	probeTimeout = 1500 * time.Millisecond
)

// Discover probes candidate ports in order and returns the first healthy
// server. Returns nil when no server answers; that is not an error.
func Discover(ctx context.Context, log *logger.Logger) *ServerInfo {
	return scan(ctx, candidatePorts(), log)
}

func scan(ctx context.Context, ports []int, log *logger.Logger) *ServerInfo {
	for _, port := range ports {
		if ctx.Err() != nil {
			return nil
		}

		info := probe(ctx, port, log)
		if info != nil {
			log.Info("Discovered agent server",
				zap.String("url", info.URL),
				zap.String("version", info.Version))
			return info
		}
	}
	return nil
}

func candidatePorts() []int {
	ports := make([]int, 0, fallbackPorts+1)
	ports = append(ports, defaultPort)
	for i := 1; i <= fallbackPorts; i++ {
		ports = append(ports, defaultPort+i)
	}
	return ports
}

func probe(ctx context.Context, port int, log *logger.Logger) *ServerInfo {
	url := fmt.Sprintf("http://127.0.0.1:%d", port)

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	client := opencode.NewClient(url, "", log)
	defer client.Close()

	// Any well-formed 200 counts as healthy; the body's version is a bonus.
	health, err := client.Health(probeCtx)
	if err != nil {
		return nil
	}

	return &ServerInfo{URL: url, Version: health.Version}
}
