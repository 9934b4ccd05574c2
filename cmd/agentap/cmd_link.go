package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/agentap/agentap/internal/adapter/loader"
	"github.com/agentap/agentap/internal/common/config"
	"github.com/agentap/agentap/internal/common/logger"
	"github.com/agentap/agentap/internal/daemon"
	"github.com/agentap/agentap/internal/remote"
	"github.com/agentap/agentap/pkg/acp"
)

func linkCmd(configDir *string) *cobra.Command {
	var (
		apiURL string
		check  bool
	)
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Pair this machine with your agentap account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := resolveDir(configDir)
			cfg := config.LoadFromDir(dir)
			if apiURL != "" {
				cfg.API.URL = apiURL
			}
			out := cmd.OutOrStdout()

			if check {
				if !cfg.IsLinked() {
					return &exitError{code: exitNotLinked, err: errors.New("machine is not linked")}
				}
				fmt.Fprintf(out, "Linked as machine %s (user %s)\n", cfg.Machine.ID, cfg.Machine.UserID)
				return nil
			}
			if cfg.IsLinked() {
				fmt.Fprintf(out, "Already linked as machine %s. Linking again replaces the credentials.\n\n", cfg.Machine.ID)
			}
			return runLink(cmd.Context(), out, cfg, dir)
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "", "remote API base URL (overrides config)")
	cmd.Flags().BoolVar(&check, "check", false, "exit 0 when linked, 2 when not, without pairing")
	return cmd
}

// runLink requests a pairing code, shows it alongside a scannable QR, and
// waits for the portal to claim it. Credentials land in the config file; a
// running daemon picks them up on its next start.
func runLink(ctx context.Context, out io.Writer, cfg *config.Config, dir string) error {
	// The CLI stays quiet below warn so the pairing output is readable.
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "warn", Format: "text", OutputPath: "stderr"})
	if err != nil {
		log = logger.Default()
	}

	linker := &daemon.Linker{
		Config:    cfg,
		ConfigDir: dir,
		Client:    remote.NewClient(cfg.API.URL, log),
		Logger:    log,
	}

	handle, err := linker.Begin(ctx, detectAgents(cfg, log))
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Open %s/link on your phone and enter this code:\n\n", cfg.Portal.URL)
	fmt.Fprintf(out, "    %s\n\n", handle.Code)
	fmt.Fprintln(out, "or scan:")
	fmt.Fprintln(out)
	qrterminal.GenerateHalfBlock(handle.QR, qrterminal.L, out)
	fmt.Fprintln(out)
	fmt.Fprint(out, "Waiting for link")

	status, err := linker.Wait(ctx, handle.Code, func(int) {
		fmt.Fprint(out, ".")
	})
	fmt.Fprintln(out)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Linked as machine %s (user %s)\n", status.MachineID, status.UserID)
	if status.TunnelURL != "" {
		fmt.Fprintf(out, "Tunnel:  %s\n", status.TunnelURL)
	}
	fmt.Fprintln(out, "Restart the daemon to start reporting: agentap stop && agentap start")
	return nil
}

// detectAgents reports which enabled adapters find their agent installed.
func detectAgents(cfg *config.Config, log *logger.Logger) []string {
	registry := loader.Provide(cfg, acp.NewFactory(), log)

	var detected []string
	for _, a := range registry.List() {
		if a.IsInstalled() {
			detected = append(detected, a.Name())
		}
	}
	return detected
}
