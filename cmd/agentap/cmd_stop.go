package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentap/agentap/internal/daemon"
)

func stopCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return stopDaemon(cmd.OutOrStdout(), resolveDir(configDir))
		},
	}
}

// stopDaemon finds the daemon through the pidfile and asks it to exit over
// the loopback shutdown endpoint.
func stopDaemon(out io.Writer, dir string) error {
	port, err := daemon.ReadPidfile(dir)
	if err != nil {
		return errors.New("daemon not running")
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Post(fmt.Sprintf("http://127.0.0.1:%d/api/daemon/shutdown", port), "application/json", nil)
	if err != nil {
		return errors.New("daemon not running")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("daemon refused shutdown: HTTP %d", resp.StatusCode)
	}
	fmt.Fprintf(out, "Stopping daemon on port %d\n", port)
	return nil
}
