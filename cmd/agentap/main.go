// Command agentap is the agent-bridge daemon and its control CLI. It
// discovers coding-agent sessions on this machine, normalizes their event
// streams, and serves them to paired devices over WebSocket.
package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentap/agentap/internal/common/config"
)

const (
	exitFailure   = 1
	exitNotLinked = 2
)

// version is stamped by the release build.
var version = "dev"

// exitError carries a specific process exit code through cobra's error
// return. Anything else exits with the generic failure code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var coded *exitError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		os.Exit(exitFailure)
	}
}

func newRootCmd() *cobra.Command {
	var dir string

	root := &cobra.Command{
		Use:   "agentap",
		Short: "Bridge local coding agents to your phone",
		Long: `agentap watches the coding agents running on this machine (OpenCode,
Claude Code, ...), normalizes their session streams into one event
protocol, and serves them to paired devices over WebSocket.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dir, "config-dir", "", "configuration directory (default ~/.agentap)")

	root.AddCommand(
		startCmd(&dir),
		stopCmd(&dir),
		statusCmd(&dir),
		linkCmd(&dir),
		configCmd(&dir),
	)
	return root
}

// resolveDir prefers the --config-dir flag over the default directory.
func resolveDir(dir *string) string {
	if dir != nil && *dir != "" {
		return *dir
	}
	return config.Dir()
}
