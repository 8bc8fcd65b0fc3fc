package main

import (
	"testing"

	"github.com/haasonsaas/switchboard/internal/config"
)

func TestBuildRootCmd(t *testing.T) {
	root := buildRootCmd()
	for _, name := range []string{"serve", "check"} {
		found := false
		for _, cmd := range root.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing %q subcommand", name)
		}
	}
}

func TestEnabledChannels(t *testing.T) {
	cfg := config.Default()
	if got := enabledChannels(cfg); got != "none" {
		t.Errorf("enabledChannels = %q, want none", got)
	}

	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Slack.Enabled = true
	if got := enabledChannels(cfg); got != "telegram,slack" {
		t.Errorf("enabledChannels = %q", got)
	}
}

func TestBuildRunnerRequiresProvider(t *testing.T) {
	cfg := config.Default()
	if _, _, err := buildRunner(cfg); err == nil {
		t.Error("expected error with no providers configured")
	}

	cfg.LLM.Providers = map[string]config.LLMProviderConfig{
		"anthropic": {APIKey: "sk-ant-test", DefaultModel: "claude-sonnet-4-20250514"},
	}
	runner, model, err := buildRunner(cfg)
	if err != nil {
		t.Fatalf("buildRunner: %v", err)
	}
	if runner == nil || model != "claude-sonnet-4-20250514" {
		t.Errorf("runner/model = %v/%q", runner, model)
	}
}
