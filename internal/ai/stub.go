package ai

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const defaultStubDim = 256

// StubClient embeds text as a hashed bag of words. Vectors are
// deterministic and unit length, so texts sharing words score above zero
// under cosine similarity. Useful for local runs without a provider.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = defaultStubDim
	}
	return &StubClient{dim: dim}
}

func (s *StubClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, embeddingErr(len(texts), err)
		}
		out[i] = s.vector(t)
	}
	return out, nil
}

func (s *StubClient) vector(text string) []float32 {
	vec := make([]float32, s.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%uint32(s.dim)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Empty text still gets a valid direction.
		vec[0] = 1
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

// Compose echoes the prompt's first non-empty line. Good enough to exercise
// the answer path without a model.
func (s *StubClient) Compose(ctx context.Context, system, prompt string) (string, error) {
	for _, line := range strings.Split(prompt, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
	}
	return "", nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}

func (s *StubClient) EmbedModel() string { return "stub" }
