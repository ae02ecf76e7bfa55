// Package embeddings turns text into vectors for the context index.
//
// Three backends are supported: an OpenAI-compatible endpoint through
// langchaingo, a native Text Embeddings Inference server, and local ONNX
// models through FastEmbed (cgo builds only). Every provider is wrapped with
// request metrics.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/config"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Embedder produces vectors for documents and queries.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Provider is an Embedder that owns resources.
type Provider interface {
	Embedder
	// Dimension returns the vector width, or 0 when it is only known after
	// the first request.
	Dimension() int
	Close() error
}

// NewProvider builds the provider selected by cfg.Provider.
func NewProvider(cfg config.EmbeddingsConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "openai", "":
		p, err = NewOpenAIProvider(OpenAIConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey.Value(),
		})
	case "tei":
		p, err = NewTEIProvider(TEIConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey.Value(),
		})
	case "fastembed":
		p, err = NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("embedding provider ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Int("dimension", p.Dimension()),
	)
	provider := cfg.Provider
	if provider == "" {
		provider = "openai"
	}
	return Instrument(p, provider, cfg.Model, NewMetrics(logger)), nil
}

// Instrument wraps p so every call is recorded in m.
func Instrument(p Provider, provider, model string, m *Metrics) Provider {
	return &instrumented{Provider: p, provider: provider, model: model, metrics: m}
}

type instrumented struct {
	Provider
	provider string
	model    string
	metrics  *Metrics
}

func (i *instrumented) EmbedDocuments(ctx context.Context, texts []string) (vecs [][]float32, err error) {
	defer func(start time.Time) {
		i.metrics.Record(ctx, i.provider, i.model, OpIndex, time.Since(start), len(texts), err)
	}(time.Now())
	return i.Provider.EmbedDocuments(ctx, texts)
}

func (i *instrumented) EmbedQuery(ctx context.Context, text string) (vec []float32, err error) {
	defer func(start time.Time) {
		i.metrics.Record(ctx, i.provider, i.model, OpQuery, time.Since(start), 1, err)
	}(time.Now())
	return i.Provider.EmbedQuery(ctx, text)
}

// detectDimensionFromModel guesses the width of well-known models. Unknown
// models report 0.
func detectDimensionFromModel(model string) int {
	if dim, ok := knownDimensions[model]; ok {
		return dim
	}
	return 0
}

var knownDimensions = map[string]int{
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-large-en-v1.5":                 1024,
	"BAAI/bge-small-zh-v1.5":                 512,
	"BAAI/bge-m3":                            1024,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
}

func validateTexts(texts []string) error {
	if len(texts) == 0 {
		return fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	return nil
}
