package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentap/agentap/internal/common/config"
)

func configCmd(configDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write configuration values",
	}

	get := &cobra.Command{
		Use:   "get KEY",
		Short: "Print one configuration value",
		Example: `  agentap config get daemon.port
  agentap config get adapters.enabled`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadFromDir(resolveDir(configDir))
			value, err := cfg.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set one configuration value",
		Example: `  agentap config set daemon.port 9876
  agentap config set adapters.enabled opencode,claude-code`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := resolveDir(configDir)
			cfg := config.LoadFromDir(dir)
			if err := cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := config.Save(cfg, dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
			return nil
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}
