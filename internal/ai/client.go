package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/seanblong/starsearch/internal/config"
)

// Embedder turns texts into vectors. The result has one vector per input,
// in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Composer is an opaque prompt-in, text-out model call.
type Composer interface {
	Compose(ctx context.Context, system, prompt string) (string, error)
}

// Client provides both embedding and answer composition.
type Client interface {
	Embedder
	Composer
	Dim() int
	EmbedModel() string
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderCompat   Provider = "compat"
	ProviderStub     Provider = "stub"
)

// ParseProvider accepts the names used in configuration.
func ParseProvider(name string) (Provider, error) {
	switch name {
	case "openai":
		return ProviderOpenAI, nil
	case "vertexai", "google":
		return ProviderVertexAI, nil
	case "compat", "ollama":
		return ProviderCompat, nil
	case "stub":
		return ProviderStub, nil
	default:
		return "", fmt.Errorf("%w: unsupported provider: %s", config.ErrConfiguration, name)
	}
}

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	APIKey       string
	EmbedModel   string
	SummaryModel string
	Dim          int
	ProjectID    string
	Provider     Provider
	Location     string
	BaseURL      string
}

// NewClient creates a new AI client based on configuration
func NewClient(ctx context.Context, config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		c, err := NewVertexAIClient(ctx, config)
		if err != nil {
			return nil, err
		}
		return c, nil
	case ProviderCompat:
		c, err := NewCompatClient(config)
		if err != nil {
			return nil, err
		}
		return c, nil
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// EmbeddingError is returned for any failed embedding request. The caller
// decides whether to retry.
type EmbeddingError struct {
	BatchSize int
	Err       error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding batch of %d failed: %v", e.BatchSize, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

func embeddingErr(n int, err error) error {
	var ee *EmbeddingError
	if errors.As(err, &ee) {
		return err
	}
	return &EmbeddingError{BatchSize: n, Err: err}
}

// EmbedOne embeds a single string.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, embeddingErr(1, fmt.Errorf("expected 1 vector, got %d", len(vecs)))
	}
	return vecs[0], nil
}

// embedInBatches splits texts into consecutive groups of at most size
// and concatenates the results in order.
func embedInBatches(ctx context.Context, texts []string, size int, fn func(context.Context, []string) ([][]float32, error)) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		vecs, err := fn(ctx, texts[start:end])
		if err != nil {
			return nil, embeddingErr(len(texts), err)
		}
		if len(vecs) != end-start {
			return nil, embeddingErr(len(texts), errMismatch(end-start, len(vecs)))
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func errMismatch(want, got int) error {
	return fmt.Errorf("requested %d embeddings, got %d", want, got)
}

const dimensionSample = "dimension check"

// CheckDimension embeds a sample string and fails with a configuration error
// when the provider's vectors do not match dim. Mixing dimensions in one
// corpus breaks similarity search.
func CheckDimension(ctx context.Context, e Embedder, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("%w: embedding dimension must be set", config.ErrConfiguration)
	}
	vec, err := EmbedOne(ctx, e, dimensionSample)
	if err != nil {
		return fmt.Errorf("sample embedding: %w", err)
	}
	if len(vec) != dim {
		return fmt.Errorf("%w: provider returned %d-dimensional vectors, configured %d", config.ErrConfiguration, len(vec), dim)
	}
	return nil
}

// ConfigFromSpecification maps the loaded configuration onto a ClientConfig.
func ConfigFromSpecification(spec config.Specification) (*ClientConfig, error) {
	p, err := ParseProvider(strings.ToLower(strings.TrimSpace(spec.Provider)))
	if err != nil {
		return nil, err
	}
	return &ClientConfig{
		APIKey:       spec.APIKey,
		EmbedModel:   spec.EmbedModel,
		SummaryModel: spec.SummaryModel,
		Dim:          spec.Dim,
		ProjectID:    spec.ProjectID,
		Provider:     p,
		Location:     spec.Location,
		BaseURL:      spec.BaseURL,
	}, nil
}
