package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/agent/providers"
	"github.com/haasonsaas/switchboard/internal/cache"
	"github.com/haasonsaas/switchboard/internal/channels"
	"github.com/haasonsaas/switchboard/internal/channels/discord"
	"github.com/haasonsaas/switchboard/internal/channels/slack"
	"github.com/haasonsaas/switchboard/internal/channels/telegram"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/gateway"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/sessions"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "Path to configuration file")
	return cmd
}

func buildCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("config ok: provider=%s queue=%s channels=%s\n",
				cfg.LLM.DefaultProvider, cfg.Scheduler.Queue.Mode, enabledChannels(cfg))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "Path to configuration file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	store, err := sessions.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	runner, model, err := buildRunner(cfg)
	if err != nil {
		return err
	}

	registry, err := buildRegistry(cfg, metrics, logger)
	if err != nil {
		return err
	}
	if len(registry.All()) == 0 {
		return errors.New("no channels enabled; enable at least one under channels: in the config")
	}

	server := gateway.New(gateway.Options{
		Registry: registry,
		Store:    store,
		Dedupe: cache.NewDedupeCache(cache.DedupeCacheOptions{
			TTL:             cfg.Dedupe.TTL,
			MaxSize:         cfg.Dedupe.MaxSize,
			CleanupInterval: cfg.Dedupe.CleanupInterval,
		}),
		Runner:      runner,
		Metrics:     metrics,
		Logger:      logger,
		AgentID:     cfg.Scheduler.AgentID,
		Provider:    cfg.LLM.DefaultProvider,
		Model:       model,
		RunTimeout:  cfg.Scheduler.RunTimeout,
		Workspace:   cfg.Scheduler.Workspace,
		QueuePolicy: cfg.QueuePolicy(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go serveMetrics(ctx, cfg, logger)

	logger.Info("starting switchboard",
		"version", version,
		"provider", cfg.LLM.DefaultProvider,
		"channels", enabledChannels(cfg))
	return server.Run(ctx)
}

// buildRunner constructs the provider router from the configured providers.
func buildRunner(cfg *config.Config) (agent.Runner, string, error) {
	router := agent.NewRouter(nil)
	model := ""
	registered := 0

	if pc, ok := cfg.LLM.Providers["anthropic"]; ok && pc.APIKey != "" {
		runner, err := providers.NewAnthropicRunner(providers.AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
		if err != nil {
			return nil, "", err
		}
		router.Register(runner)
		registered++
		if cfg.LLM.DefaultProvider == "anthropic" {
			model = pc.DefaultModel
		}
	}
	if pc, ok := cfg.LLM.Providers["openai"]; ok && pc.APIKey != "" {
		runner, err := providers.NewOpenAIRunner(providers.OpenAIConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
		if err != nil {
			return nil, "", err
		}
		router.Register(runner)
		registered++
		if cfg.LLM.DefaultProvider == "openai" {
			model = pc.DefaultModel
		}
	}
	if registered == 0 {
		return nil, "", errors.New("no LLM provider configured; set llm.providers.anthropic.api_key or llm.providers.openai.api_key")
	}
	return router, model, nil
}

// buildRegistry constructs and registers the enabled channel adapters.
func buildRegistry(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (*channels.Registry, error) {
	registry := channels.NewRegistry()
	policy := channels.ReconnectPolicy{
		InitialDelay: cfg.Reconnect.InitialDelay,
		MaxDelay:     cfg.Reconnect.MaxDelay,
		Factor:       cfg.Reconnect.Factor,
		JitterRatio:  cfg.Reconnect.JitterRatio,
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
	}

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(telegram.Config{
			Token:     cfg.Channels.Telegram.BotToken,
			Reconnect: policy,
			Hooks:     &reconnectMetrics{metrics: metrics, channel: "telegram"},
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		registry.Register(adapter)
	}
	if cfg.Channels.Discord.Enabled {
		adapter, err := discord.NewAdapter(discord.Config{
			Token:     cfg.Channels.Discord.BotToken,
			Reconnect: policy,
			Hooks:     &reconnectMetrics{metrics: metrics, channel: "discord"},
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		registry.Register(adapter)
	}
	if cfg.Channels.Slack.Enabled {
		adapter, err := slack.NewAdapter(slack.Config{
			BotToken:  cfg.Channels.Slack.BotToken,
			AppToken:  cfg.Channels.Slack.AppToken,
			Reconnect: policy,
			Hooks:     &reconnectMetrics{metrics: metrics, channel: "slack"},
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("slack: %w", err)
		}
		registry.Register(adapter)
	}
	return registry, nil
}

// reconnectMetrics bridges reconnect notifications into Prometheus counters.
type reconnectMetrics struct {
	metrics *observability.Metrics
	channel string
}

func (r *reconnectMetrics) OnError(err error) {}

func (r *reconnectMetrics) OnReconnect(delay time.Duration) {
	r.metrics.ReconnectAttempts.WithLabelValues(r.channel).Inc()
}

func serveMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics endpoint failed", "error", err)
	}
}

func enabledChannels(cfg *config.Config) string {
	out := ""
	add := func(name string) {
		if out != "" {
			out += ","
		}
		out += name
	}
	if cfg.Channels.Telegram.Enabled {
		add("telegram")
	}
	if cfg.Channels.Discord.Enabled {
		add("discord")
	}
	if cfg.Channels.Slack.Enabled {
		add("slack")
	}
	if out == "" {
		return "none"
	}
	return out
}
