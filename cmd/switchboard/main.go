// Package main is the CLI entry point for switchboard, a multi-channel
// gateway that serializes chat-bot agent runs per conversation and delivers
// their replies back to the originating platform.
//
// Start the server:
//
//	switchboard serve --config switchboard.yaml
//
// Tokens are usually provided through the environment and referenced from the
// config file:
//
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: LLM provider keys
//   - TELEGRAM_BOT_TOKEN: Telegram bot token
//   - DISCORD_BOT_TOKEN: Discord bot token
//   - SLACK_BOT_TOKEN / SLACK_APP_TOKEN: Slack bot and Socket Mode tokens
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "switchboard",
		Short: "Switchboard - session run scheduler and delivery pipeline",
		Long: `Switchboard connects messaging platforms to LLM agents, serializing runs
per conversation and coalescing live streaming updates.

Supported channels: Telegram, Discord, Slack
Supported providers: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildCheckCmd(),
	)
	return rootCmd
}
