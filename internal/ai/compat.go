package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const compatBatchSize = 256

// CompatClient talks to any OpenAI-compatible endpoint (Ollama, vLLM, an
// OpenAI proxy) through langchaingo.
type CompatClient struct {
	config   *ClientConfig
	llm      llms.Model
	embedder embeddings.Embedder
}

func NewCompatClient(config *ClientConfig) (*CompatClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, errors.New("compat provider requires a base URL")
	}
	if config.EmbedModel == "" {
		config.EmbedModel = "nomic-embed-text"
	}
	if config.SummaryModel == "" {
		config.SummaryModel = "llama3.1"
	}

	// Local servers ignore the token but langchaingo requires one.
	token := config.APIKey
	if token == "" {
		token = "none"
	}

	llm, err := openai.New(
		openai.WithBaseURL(config.BaseURL),
		openai.WithToken(token),
		openai.WithModel(config.SummaryModel),
		openai.WithEmbeddingModel(config.EmbedModel),
	)
	if err != nil {
		return nil, fmt.Errorf("create compat client: %w", err)
	}

	emb, err := embeddings.NewEmbedder(llm,
		embeddings.WithBatchSize(compatBatchSize),
		embeddings.WithStripNewLines(false),
	)
	if err != nil {
		return nil, fmt.Errorf("create compat embedder: %w", err)
	}

	return &CompatClient{config: config, llm: llm, embedder: emb}, nil
}

func (c *CompatClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	vecs, err := c.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, embeddingErr(len(texts), err)
	}
	if len(vecs) != len(texts) {
		return nil, embeddingErr(len(texts), errMismatch(len(texts), len(vecs)))
	}
	return vecs, nil
}

func (c *CompatClient) Compose(ctx context.Context, system, prompt string) (string, error) {
	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	resp, err := c.llm.GenerateContent(ctx, msgs,
		llms.WithTemperature(0.1),
		llms.WithMaxTokens(1000),
	)
	if err != nil {
		return "", fmt.Errorf("composition failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

// Dim is whatever was configured; local models vary too much to guess.
func (c *CompatClient) Dim() int { return c.config.Dim }

func (c *CompatClient) EmbedModel() string { return c.config.EmbedModel }
