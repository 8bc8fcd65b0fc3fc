// Package providers implements LLM-backed agent runners.
//
// Each runner converts a RunDescriptor into one streaming provider request,
// emits block replies as the response text grows, and a final reply with the
// complete text at the end. Reply payloads are opaque to the scheduler and
// dispatcher; only the runners know the provider formats.
package providers

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/pkg/models"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4096
)

// AnthropicRunner executes runs against Anthropic's Messages API.
type AnthropicRunner struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int64
	system       string
}

// AnthropicConfig configures an AnthropicRunner.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies.
	BaseURL string

	// DefaultModel is used when the descriptor does not name one.
	DefaultModel string

	// MaxTokens caps the response length. Defaults to 4096.
	MaxTokens int

	// SystemPrompt is prepended to every run.
	SystemPrompt string
}

// NewAnthropicRunner creates a runner backed by the Anthropic SDK.
func NewAnthropicRunner(config AnthropicConfig) (*AnthropicRunner, error) {
	if config.APIKey == "" {
		return nil, agent.NewRunError(agent.RunErrProvider, "anthropic: api key is required", nil)
	}
	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	model := config.DefaultModel
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := int64(config.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicRunner{
		client:       anthropic.NewClient(options...),
		defaultModel: model,
		maxTokens:    maxTokens,
		system:       config.SystemPrompt,
	}, nil
}

// Name implements agent.Runner.
func (r *AnthropicRunner) Name() string {
	return "anthropic"
}

// Run implements agent.Runner. The response streams as server-sent events;
// text deltas are folded into block replies so the live message tracks the
// response, and the complete text goes out as the final reply.
func (r *AnthropicRunner) Run(ctx context.Context, desc *models.RunDescriptor, emit agent.Emitter) error {
	model := desc.Model
	if model == "" {
		model = r.defaultModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: r.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(desc.Prompt)),
		},
	}
	if r.system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: r.system}}
	}

	started := time.Now()
	stream := r.client.Messages.NewStreaming(ctx, params)

	var buf streamBuffer
	for stream.Next() {
		event := stream.Current()
		if event.Type != "content_block_delta" {
			continue
		}
		delta := event.AsContentBlockDelta().Delta
		if delta.Type != "text_delta" || delta.Text == "" {
			continue
		}
		if text, flush := buf.add(delta.Text); flush {
			emit.SendBlockReply(&models.Reply{
				RunID:     desc.RunID,
				SessionID: desc.SessionID,
				Content:   text,
			})
		}
	}
	if err := stream.Err(); err != nil {
		return agent.ClassifyRunError(err)
	}

	emit.SendFinalReply(&models.Reply{
		RunID:     desc.RunID,
		SessionID: desc.SessionID,
		Content:   buf.text(),
		Metadata: map[string]any{
			"provider":   r.Name(),
			"model":      model,
			"elapsed_ms": time.Since(started).Milliseconds(),
		},
	})
	return nil
}
