package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/semaphore/internal/api"
	"github.com/zulandar/semaphore/internal/bridge"
	"github.com/zulandar/semaphore/internal/channel"
	"github.com/zulandar/semaphore/internal/config"
	"github.com/zulandar/semaphore/internal/ratelimit"
	"github.com/zulandar/semaphore/internal/transcript"
)

// drainGrace bounds how long shutdown waits for in-flight sessions.
const drainGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay daemon",
		Long:  "Connects to Telegram, serves the feedback API, and relays requests until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.BridgeEnabled() {
		fmt.Fprintf(out, "semaphore: no telegram token configured; bridge disabled\n")
		return nil
	}

	client, err := buildClient(cfg)
	if err != nil {
		return err
	}

	var recorder bridge.Recorder
	if cfg.Transcript.Path != "" {
		store, err := transcript.Open(cfg.Transcript.Path)
		if err != nil {
			return fmt.Errorf("open transcript: %w", err)
		}
		defer store.Close()
		recorder = store
	}

	b, err := bridge.New(bridge.Opts{
		Client:          client,
		Recorder:        recorder,
		Out:             out,
		DefaultChatID:   cfg.Telegram.ChatID,
		DisableChunking: !cfg.ChunkingEnabled(),
		MaxChunkSize:    cfg.Bridge.MaxChunkSize,
		SessionTimeout:  time.Duration(cfg.Bridge.SessionTimeoutSec) * time.Second,
		MaxSessions:     cfg.Bridge.MaxSessions,
		SweepInterval:   time.Duration(cfg.Bridge.SweepIntervalSec) * time.Second,
		Retention:       time.Duration(cfg.Bridge.RetentionSec) * time.Second,
		DigestCron:      cfg.Bridge.DigestCron,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := api.Start(ctx, api.StartOpts{
			Bridge: b,
			Prober: client,
			Port:   cfg.API.Port,
			Out:    out,
		}); err != nil {
			fmt.Fprintf(out, "semaphore: api: %v\n", err)
		}
	}()

	err = b.Run(ctx)
	b.Shutdown(drainGrace)
	return err
}

// buildClient wires the rate limiter, breaker, and Telegram client from
// config.
func buildClient(cfg *config.Config) (*channel.Telegram, error) {
	limiter := ratelimit.PerMinute(cfg.Telegram.RateLimitPerMinute, cfg.Telegram.RateLimitBurst)
	breaker := channel.NewBreaker(channel.BreakerOpts{
		Threshold: cfg.Breaker.Threshold,
		Cooldown:  time.Duration(cfg.Breaker.CooldownSec) * time.Second,
	})
	client, err := channel.NewTelegram(channel.TelegramOpts{
		Token:   cfg.Telegram.Token,
		Limiter: limiter,
		Breaker: breaker,
	})
	if err != nil {
		return nil, fmt.Errorf("build telegram client: %w", err)
	}
	return client, nil
}
