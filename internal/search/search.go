package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/starsearch/internal/ai"
	"github.com/seanblong/starsearch/pkg/models"
)

const (
	DefaultThreshold   = 0.5
	DefaultTopK        = 20
	DefaultAnswerLimit = 5

	excerptLength = 200
)

// NoRelevantInformation is the answer when nothing clears the threshold.
const NoRelevantInformation = "I couldn't find any relevant information to answer your query."

const systemPrompt = "You are a helpful assistant that provides concise, structured information about a user's starred GitHub repositories in markdown format."

// Searcher finds stored chunks similar to a query vector.
type Searcher interface {
	Search(ctx context.Context, vec []float32, threshold float64, topK int) ([]models.SearchResult, error)
}

// Reranker reorders or filters search results before an answer is composed.
type Reranker interface {
	Rerank(query string, results []models.SearchResult) []models.SearchResult
}

type Options struct {
	Threshold   float64
	TopK        int
	AnswerLimit int
	Reranker    Reranker
}

type Service struct {
	Embedder ai.Embedder
	Store    Searcher
	Composer ai.Composer

	threshold   float64
	topK        int
	answerLimit int
	reranker    Reranker
}

// NewService creates a new search service. Zero options fall back to the
// defaults.
func NewService(embedder ai.Embedder, store Searcher, composer ai.Composer, opts Options) *Service {
	s := &Service{
		Embedder:    embedder,
		Store:       store,
		Composer:    composer,
		threshold:   opts.Threshold,
		topK:        opts.TopK,
		answerLimit: opts.AnswerLimit,
		reranker:    opts.Reranker,
	}
	if s.threshold <= 0 {
		s.threshold = DefaultThreshold
	}
	if s.topK <= 0 {
		s.topK = DefaultTopK
	}
	if s.answerLimit <= 0 {
		s.answerLimit = DefaultAnswerLimit
	}
	return s
}

// Search embeds q and returns the stored chunks at least threshold similar,
// best first.
func (s *Service) Search(ctx context.Context, q string, threshold float64, topK int) ([]models.SearchResult, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return []models.SearchResult{}, nil
	}

	vec, err := ai.EmbedOne(ctx, s.Embedder, q)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	res, err := s.Store.Search(ctx, vec, threshold, topK)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("query", q).Int("results", len(res)).Msg("search complete")
	return res, nil
}

// Answer searches with the configured threshold and topK and has the
// composer summarize the best hits. With no hits the composer is not called
// and NoRelevantInformation is returned.
func (s *Service) Answer(ctx context.Context, q string) (string, error) {
	res, err := s.Search(ctx, q, s.threshold, s.topK)
	if err != nil {
		return "", err
	}
	if len(res) == 0 {
		log.Info().Str("query", q).Msg("no relevant chunks")
		return NoRelevantInformation, nil
	}

	if s.reranker != nil {
		res = s.reranker.Rerank(q, res)
	}
	if len(res) > s.answerLimit {
		res = res[:s.answerLimit]
	}

	answer, err := s.Composer.Compose(ctx, systemPrompt, BuildPrompt(strings.TrimSpace(q), res))
	if err != nil {
		return "", fmt.Errorf("compose answer: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

// BuildPrompt lists the results for the composer along with the format the
// answer should take.
func BuildPrompt(q string, results []models.SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\n", q)
	b.WriteString("Starred repositories matching the query, most relevant first:\n\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s (https://github.com/%s)\n", i+1, r.Name, r.FullName)
		fmt.Fprintf(&b, "   Relevance: %.1f%%\n", r.Similarity*100)
		fmt.Fprintf(&b, "   Excerpt: %s\n\n", excerpt(r.Content))
	}
	fmt.Fprintf(&b, `Please provide a list of the user's starred GitHub repositories that are most relevant to the query. For each repository, include:

1. The repository name (as a clickable link)
2. A very brief description (1-2 sentences max)
3. The similarity score (as a percentage, rounded to one decimal place)

Use the following markdown format:

## Your Starred Repositories Related to "%s"

1. **[Repository Name](link)** - Brief description.
   *Relevance: XX.X%%*

Include up to %d of the repositories above. If none are relevant, state that clearly.
At the end, add a note about the relevance scores.`, q, len(results))
	return b.String()
}

func excerpt(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	r := []rune(content)
	if len(r) <= excerptLength {
		return content
	}
	return string(r[:excerptLength]) + "..."
}

// DistinctRepositories keeps the first (best) result of each repository.
type DistinctRepositories struct{}

func (DistinctRepositories) Rerank(_ string, results []models.SearchResult) []models.SearchResult {
	seen := make(map[string]bool, len(results))
	out := make([]models.SearchResult, 0, len(results))
	for _, r := range results {
		if seen[r.FullName] {
			continue
		}
		seen[r.FullName] = true
		out = append(out, r)
	}
	return out
}
