package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/semaphore/internal/config"
)

func newCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the channel credential",
		Long:  "Calls the channel API with the configured token and reports the bot identity.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	return cmd
}

func runCheck(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.BridgeEnabled() {
		return fmt.Errorf("no telegram token configured")
	}

	client, err := buildClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	diag, err := client.TestConnection(cmd.Context())
	if err != nil {
		return fmt.Errorf("connection check failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", diag)
	return nil
}
