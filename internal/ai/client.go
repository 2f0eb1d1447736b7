package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/flitsinc/go-llms/anthropic"
	"github.com/flitsinc/go-llms/content"
	"github.com/flitsinc/go-llms/google"
	"github.com/flitsinc/go-llms/llms"
	"github.com/flitsinc/go-llms/openai"
	llmtools "github.com/flitsinc/go-llms/tools"
)

type Config struct {
	Provider  string
	Model     string
	FastModel string
	APIKey    string
}

// Client constructs generation sessions against the configured provider.
// Long-lived chat sessions live in the Pool; Client also serves one-shot
// completions (memory policy evaluation) on the fast model.
type Client struct {
	config Config
}

func NewClient(cfg Config) (*Client, error) {
	// Fail fast on bad config instead of at first turn.
	if _, err := newLLM(cfg); err != nil {
		return nil, err
	}
	return &Client{config: cfg}, nil
}

func (c *Client) NewSession(tools ...llmtools.Tool) (*llms.LLM, error) {
	if c == nil {
		return nil, errors.New("client is nil")
	}
	return newLLM(c.config, tools...)
}

func (c *Client) NewSessionWithModel(model string, tools ...llmtools.Tool) (*llms.LLM, error) {
	if c == nil {
		return nil, errors.New("client is nil")
	}
	cfg := c.config
	if strings.TrimSpace(model) != "" {
		cfg.Model = resolveModelAlias(cfg.Provider, model)
	}
	return newLLM(cfg, tools...)
}

// Complete runs a single non-streaming turn on the fast model. Used for
// lightweight internal calls, never for agent turns.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	llm, err := c.NewSessionWithModel(c.config.FastModel)
	if err != nil {
		return "", err
	}
	if system != "" {
		llm.SystemPrompt = func() content.Content { return content.FromText(system) }
	}
	var sb strings.Builder
	for update := range llm.ChatUsingMessages(ctx, []llms.Message{
		{Role: "user", Content: content.FromText(prompt)},
	}) {
		if textUpdate, ok := update.(llms.TextUpdate); ok {
			sb.WriteString(textUpdate.Text)
		}
	}
	if err := llm.Err(); err != nil {
		return "", fmt.Errorf("complete: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(sb.String()), nil
}

func newLLM(cfg Config, tools ...llmtools.Tool) (*llms.LLM, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("llm provider is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is required")
	}

	var provider llms.Provider
	switch cfg.Provider {
	case "openai-responses":
		provider = openai.NewResponsesAPI(cfg.APIKey, cfg.Model)
	case "openai-chat":
		provider = openai.NewChatCompletionsAPI(cfg.APIKey, cfg.Model)
	case "anthropic":
		model := anthropic.New(cfg.APIKey, cfg.Model)
		model.WithMaxTokens(62976)
		model.WithThinking(1024)
		provider = model
	case "google":
		provider = google.New(cfg.Model).WithGeminiAPI(cfg.APIKey)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	if len(tools) > 0 {
		return llms.New(provider, tools...), nil
	}
	return llms.New(provider), nil
}

func resolveModelAlias(provider, model string) string {
	alias := strings.ToLower(strings.TrimSpace(model))
	if alias == "" {
		return model
	}
	if provider == "anthropic" {
		switch alias {
		case "fast":
			return "claude-3-5-haiku-latest"
		case "balanced":
			return "claude-3-5-sonnet-latest"
		case "smart":
			return "claude-3-opus-latest"
		}
	}
	return model
}
