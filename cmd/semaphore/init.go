package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const configTemplate = `telegram:
  token: %q
  chat_id: %q
  rate_limit_per_minute: 30
  rate_limit_burst: 5

bridge:
  max_chunk_size: 3800
  session_timeout_sec: 300
  max_sessions: 5

api:
  port: 8642
`

func newInitCmd() *cobra.Command {
	var configPath, token, chatID string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Long:  "Prompts for the bot token (without echo) and chat id, then writes config.yaml.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, configPath, token, chatID, force)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to write")
	cmd.Flags().StringVar(&token, "token", "", "bot token (prompted when omitted)")
	cmd.Flags().StringVar(&chatID, "chat", "", "default chat id (prompted when omitted)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func runInit(cmd *cobra.Command, configPath, token, chatID string, force bool) error {
	out := cmd.OutOrStdout()

	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	stdin := bufio.NewReader(cmd.InOrStdin())
	if token == "" {
		t, err := promptSecret(cmd, stdin, "Bot token: ")
		if err != nil {
			return err
		}
		token = t
	}
	if chatID == "" {
		c, err := promptLine(cmd, stdin, "Default chat id: ")
		if err != nil {
			return err
		}
		chatID = c
	}

	content := fmt.Sprintf(configTemplate, token, chatID)
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", configPath, err)
	}
	fmt.Fprintf(out, "wrote %s\n", configPath)
	return nil
}

// promptSecret reads a line without echo when stdin is a terminal, and
// falls back to a plain read otherwise (pipes, tests).
func promptSecret(cmd *cobra.Command, stdin *bufio.Reader, prompt string) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return readLine(stdin)
}

func promptLine(cmd *cobra.Command, stdin *bufio.Reader, prompt string) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	return readLine(stdin)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
