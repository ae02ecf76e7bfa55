package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/config"
)

const (
	defaultOpenAIModel    = "gpt-4o-mini"
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultOllamaModel    = "qwen2.5:7b"
	defaultMaxTokens      = 4096
)

// LangChainModel adapts a langchaingo model.
type LangChainModel struct {
	llm         llms.Model
	temperature float64
	maxTokens   int
}

// NewLangChainModel wraps llm. maxTokens <= 0 leaves the limit to the model.
func NewLangChainModel(llm llms.Model, temperature float64, maxTokens int) *LangChainModel {
	return &LangChainModel{llm: llm, temperature: temperature, maxTokens: maxTokens}
}

// Complete implements ChatModel.
func (m *LangChainModel) Complete(ctx context.Context, system, user string) (string, error) {
	msgs := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, system),
		llms.TextParts(schema.ChatMessageTypeHuman, user),
	}
	opts := []llms.CallOption{llms.WithTemperature(m.temperature)}
	if m.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(m.maxTokens))
	}

	resp, err := m.llm.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	return resp.Choices[0].Content, nil
}

// AnthropicModel calls the Anthropic Messages API.
type AnthropicModel struct {
	client      anthropic.Client
	model       anthropic.Model
	temperature float64
	maxTokens   int64
}

// AnthropicConfig configures an AnthropicModel.
type AnthropicConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// NewAnthropicModel creates a client for cfg.
func NewAnthropicModel(cfg AnthropicConfig) (*AnthropicModel, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic API key required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &AnthropicModel{
		client:      anthropic.NewClient(opts...),
		model:       anthropic.Model(cfg.Model),
		temperature: cfg.Temperature,
		maxTokens:   int64(cfg.MaxTokens),
	}, nil
}

// Complete implements ChatModel.
func (m *AnthropicModel) Complete(ctx context.Context, system, user string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       m.model,
		MaxTokens:   m.maxTokens,
		Temperature: anthropic.Float(m.temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

// NewModel builds the ChatModel cfg selects: openai (and compatible
// endpoints), ollama or anthropic.
func NewModel(cfg config.GeneratorConfig) (ChatModel, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		model := cfg.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		opts := []openai.Option{openai.WithModel(model)}
		if key := cfg.APIKey.Value(); key != "" {
			opts = append(opts, openai.WithToken(key))
		} else {
			// Self-hosted compatible endpoints accept any token.
			opts = append(opts, openai.WithToken("placeholder"))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating openai model: %w", err)
		}
		return NewLangChainModel(llm, cfg.Temperature, cfg.MaxTokens), nil

	case "ollama":
		model := cfg.Model
		if model == "" {
			model = defaultOllamaModel
		}
		opts := []ollama.Option{ollama.WithModel(model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating ollama model: %w", err)
		}
		return NewLangChainModel(llm, cfg.Temperature, cfg.MaxTokens), nil

	case "anthropic":
		return NewAnthropicModel(AnthropicConfig{
			APIKey:      cfg.APIKey.Value(),
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     time.Duration(cfg.Timeout),
		})

	default:
		return nil, fmt.Errorf("unsupported generator provider %q", cfg.Provider)
	}
}

// New builds an LLMGenerator from configuration.
func New(cfg config.GeneratorConfig, logger *zap.Logger) (*LLMGenerator, error) {
	model, err := NewModel(cfg)
	if err != nil {
		return nil, err
	}
	return NewLLMGenerator(model, Options{
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		MaxAttempts:       cfg.MaxAttempts,
		MaxContextTokens:  cfg.MaxContextTokens,
		Timeout:           time.Duration(cfg.Timeout),
	}, logger)
}
