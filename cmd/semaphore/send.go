package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zulandar/semaphore/internal/config"
)

func newSendCmd() *cobra.Command {
	var configPath, chatID string

	cmd := &cobra.Command{
		Use:   "send <text>...",
		Short: "Send a one-off message to the configured chat",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, configPath, chatID, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	cmd.Flags().StringVar(&chatID, "chat", "", "chat id (defaults to telegram.chat_id)")
	return cmd
}

func runSend(cmd *cobra.Command, configPath, chatID, text string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.BridgeEnabled() {
		return fmt.Errorf("no telegram token configured")
	}
	if chatID == "" {
		chatID = cfg.Telegram.ChatID
	}
	if chatID == "" {
		return fmt.Errorf("no chat id (set telegram.chat_id or pass --chat)")
	}

	client, err := buildClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	msgID, err := client.Send(cmd.Context(), chatID, text, 0)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent message %d to chat %s\n", msgID, chatID)
	return nil
}
