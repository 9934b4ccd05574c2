package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentap/agentap/internal/common/config"
	"github.com/agentap/agentap/internal/daemon"
)

func statusCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and link state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printStatus(cmd.OutOrStdout(), resolveDir(configDir))
		},
	}
}

type healthReport struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Clients int    `json:"clients"`
}

func printStatus(out io.Writer, dir string) error {
	cfg := config.LoadFromDir(dir)

	port, err := daemon.ReadPidfile(dir)
	if err != nil {
		fmt.Fprintln(out, "Daemon:  not running")
		printLinkStatus(out, cfg)
		return nil
	}

	health, err := fetchHealth(port)
	if err != nil {
		fmt.Fprintf(out, "Daemon:  not running (stale pidfile, port %d)\n", port)
		printLinkStatus(out, cfg)
		return nil
	}

	fmt.Fprintf(out, "Daemon:  running on port %d\n", port)
	fmt.Fprintf(out, "Clients: %d\n", health.Clients)
	printLinkStatus(out, cfg)
	return nil
}

func fetchHealth(port int) (*healthReport, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check returned HTTP %d", resp.StatusCode)
	}

	var health healthReport
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}
	return &health, nil
}

func printLinkStatus(out io.Writer, cfg *config.Config) {
	if !cfg.IsLinked() {
		fmt.Fprintln(out, "Linked:  no (run 'agentap link')")
		return
	}
	fmt.Fprintf(out, "Linked:  yes (machine %s, user %s)\n", cfg.Machine.ID, cfg.Machine.UserID)
	if cfg.Machine.TunnelURL != "" {
		fmt.Fprintf(out, "Tunnel:  %s\n", cfg.Machine.TunnelURL)
	}
}
