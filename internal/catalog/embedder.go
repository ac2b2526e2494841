package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const DefaultEmbeddingModel = "text-embedding-004"

// Embedder maps text to a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GenAIEmbedder embeds through the Gemini API.
type GenAIEmbedder struct {
	client   *genai.Client
	model    string
	taskType string
}

type GenAIOption func(*genai.ClientConfig)

// WithGenAIBaseURL points the client at another endpoint, e.g. a proxy.
func WithGenAIBaseURL(baseURL string) GenAIOption {
	return func(cfg *genai.ClientConfig) {
		cfg.HTTPOptions.BaseURL = strings.TrimSpace(baseURL)
	}
}

func NewGenAIEmbedder(ctx context.Context, apiKey, model string, opts ...GenAIOption) (*GenAIEmbedder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("genai api key is required")
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultEmbeddingModel
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model, taskType: "SEMANTIC_SIMILARITY"}, nil
}

func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: e.taskType,
	})
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if result == nil || len(result.Embeddings) == 0 || result.Embeddings[0] == nil {
		return nil, errors.New("genai returned no embeddings")
	}
	return result.Embeddings[0].Values, nil
}
