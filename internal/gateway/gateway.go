// Package gateway is the uniform, retrying interface to the generative
// completion and embedding backends. All provider traffic flows through one
// Gateway so that timeouts, retry policy, and in-flight concurrency are
// enforced in a single place.
package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"panelsim/internal/config"
	"panelsim/internal/prompt"
)

// Completion is one model response plus the provider-reported token usage
// the credit meter reconciles against.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Model        string
}

// LLMClient is implemented by each completion provider. Segments keep
// their chat roles all the way to the wire: moderator history goes up
// as user messages, persona history as assistant messages.
type LLMClient interface {
	Complete(ctx context.Context, segments []prompt.Segment) (*Completion, error)
	Model() string
}

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// Gateway bounds and times out all provider calls. Calls for different
// simulations run concurrently up to the semaphore limit.
type Gateway struct {
	llm      LLMClient
	embedder Embedder

	sem             *semaphore.Weighted
	completeTimeout time.Duration
	embedTimeout    time.Duration
	log             *zap.Logger
}

// New builds a Gateway from configuration.
func New(cfg *config.Config, log *zap.Logger) (*Gateway, error) {
	llm, err := newLLMClient(cfg)
	if err != nil {
		return nil, err
	}
	embedder, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithClients(cfg, llm, embedder, log), nil
}

// NewWithClients wires a Gateway around explicit clients. Tests inject fakes
// through this constructor.
func NewWithClients(cfg *config.Config, llm LLMClient, embedder Embedder, log *zap.Logger) *Gateway {
	maxConc := cfg.LLM.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 8
	}
	return &Gateway{
		llm:             llm,
		embedder:        embedder,
		sem:             semaphore.NewWeighted(int64(maxConc)),
		completeTimeout: cfg.GetLLMTimeout(),
		embedTimeout:    cfg.GetEmbeddingTimeout(),
		log:             log,
	}
}

func newLLMClient(cfg *config.Config) (LLMClient, error) {
	switch cfg.LLM.Provider {
	case "openai", "":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:          cfg.LLM.APIKey,
			BaseURL:         cfg.LLM.BaseURL,
			Model:           cfg.LLM.Model,
			Timeout:         cfg.GetLLMTimeout(),
			MaxAttempts:     cfg.LLM.MaxAttempts,
			MaxOutputTokens: cfg.LLM.MaxOutputTokens,
			Temperature:     cfg.LLM.Temperature,
		}), nil
	case "gemini":
		return NewGeminiClient(GeminiConfig{
			APIKey:          cfg.LLM.APIKey,
			BaseURL:         cfg.LLM.BaseURL,
			Model:           cfg.LLM.Model,
			Timeout:         cfg.GetLLMTimeout(),
			MaxAttempts:     cfg.LLM.MaxAttempts,
			MaxOutputTokens: cfg.LLM.MaxOutputTokens,
			Temperature:     cfg.LLM.Temperature,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s (use 'openai' or 'gemini')", cfg.LLM.Provider)
	}
}

func newEmbedder(cfg *config.Config) (Embedder, error) {
	switch cfg.Embedding.Provider {
	case "openai", "":
		return NewOpenAIEmbedder(OpenAIEmbedderConfig{
			APIKey:     cfg.Embedding.APIKey,
			BaseURL:    cfg.Embedding.BaseURL,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
			Timeout:    cfg.GetEmbeddingTimeout(),
		}), nil
	case "genai":
		return NewGenAIEmbedder(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.TaskType, cfg.Embedding.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'openai' or 'genai')", cfg.Embedding.Provider)
	}
}

// Complete runs one completion under the concurrency bound and timeout.
func (g *Gateway) Complete(ctx context.Context, segments []prompt.Segment) (*Completion, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, g.completeTimeout)
	defer cancel()

	start := time.Now()
	comp, err := g.llm.Complete(ctx, segments)
	if err != nil {
		return nil, err
	}
	g.log.Debug("completion finished",
		zap.String("model", comp.Model),
		zap.Int("input_tokens", comp.InputTokens),
		zap.Int("output_tokens", comp.OutputTokens),
		zap.Duration("elapsed", time.Since(start)))
	return comp, nil
}

// Embed runs one embedding call under the concurrency bound and timeout.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, g.embedTimeout)
	defer cancel()
	return g.embedder.Embed(ctx, text)
}

// EmbedBatch embeds several texts in one provider call where supported.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, g.embedTimeout)
	defer cancel()
	return g.embedder.EmbedBatch(ctx, texts)
}

// Model returns the configured completion model identifier.
func (g *Gateway) Model() string { return g.llm.Model() }

// EmbeddingModel returns the embedding model name and dimensionality.
func (g *Gateway) EmbeddingModel() (string, int) {
	return g.embedder.Name(), g.embedder.Dimensions()
}

// WarmUp pings the embedding backend in the background to shake off provider
// cold starts. Failures are swallowed; the caller never waits on it.
func (g *Gateway) WarmUp(ctx context.Context) {
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := g.embedder.Embed(ctx, "ping"); err != nil {
			g.log.Debug("warm-up ping failed", zap.Error(err))
		}
	}()
}
