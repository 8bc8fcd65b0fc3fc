package providers

import (
	"context"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIRunner executes runs against OpenAI's chat completions API.
type OpenAIRunner struct {
	client       *openai.Client
	defaultModel string
	system       string
}

// OpenAIConfig configures an OpenAIRunner.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint, for compatible gateways.
	BaseURL string

	// DefaultModel is used when the descriptor does not name one.
	DefaultModel string

	// SystemPrompt is prepended to every run.
	SystemPrompt string
}

// NewOpenAIRunner creates a runner backed by the OpenAI SDK.
func NewOpenAIRunner(config OpenAIConfig) (*OpenAIRunner, error) {
	if config.APIKey == "" {
		return nil, agent.NewRunError(agent.RunErrProvider, "openai: api key is required", nil)
	}
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	model := config.DefaultModel
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIRunner{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: model,
		system:       config.SystemPrompt,
	}, nil
}

// Name implements agent.Runner.
func (r *OpenAIRunner) Name() string {
	return "openai"
}

// Run implements agent.Runner.
func (r *OpenAIRunner) Run(ctx context.Context, desc *models.RunDescriptor, emit agent.Emitter) error {
	model := desc.Model
	if model == "" {
		model = r.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if r.system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: r.system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: desc.Prompt,
	})

	started := time.Now()
	stream, err := r.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return agent.ClassifyRunError(err)
	}
	defer stream.Close()

	var buf streamBuffer
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return agent.ClassifyRunError(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if text, flush := buf.add(delta); flush {
			emit.SendBlockReply(&models.Reply{
				RunID:     desc.RunID,
				SessionID: desc.SessionID,
				Content:   text,
			})
		}
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
