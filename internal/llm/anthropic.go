package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	cfg    Config
}

// NewAnthropicClient creates a Messages API client.
func NewAnthropicClient(cfg Config) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
	}
}

// Complete sends messages and concatenates the text blocks of the reply.
func (c *AnthropicClient) Complete(ctx context.Context, messages []Message) (string, error) {
	system, rest := splitSystem(messages)

	maxTokens := int64(defaultAnthropicMaxTokens)
	if c.cfg.MaxTokens > 0 {
		maxTokens = int64(c.cfg.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.cfg.Model),
		MaxTokens:   maxTokens,
		Messages:    convertAnthropicMessages(rest),
		Temperature: anthropic.Float(c.cfg.Temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}

// ModelName returns the configured model.
func (c *AnthropicClient) ModelName() string {
	return c.cfg.Model
}

// The Messages API requires the conversation to open with a user turn.
func convertAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant && len(out) > 0 {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}
