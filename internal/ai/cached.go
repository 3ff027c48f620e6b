package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCacheSize = 1000

// CachedEmbedder remembers vectors of texts it has already embedded.
// Retrieval uses it so repeated questions skip the provider.
type CachedEmbedder struct {
	inner Embedder
	model string
	cache *lru.Cache[string, []float32]
}

func NewCachedEmbedder(inner Embedder, model string, size int) *CachedEmbedder {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, _ := lru.New[string, []float32](size)
	return &CachedEmbedder{inner: inner, model: model, cache: cache}
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(c.model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Embed only sends the texts missing from the cache, keeping input order.
// Returned vectors are copies; callers may modify them.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if v, ok := c.cache.Get(c.key(t)); ok {
			out[i] = slices.Clone(v)
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, embeddingErr(len(texts), err)
	}
	if len(vecs) != len(missTexts) {
		return nil, &EmbeddingError{BatchSize: len(texts), Err: errMismatch(len(missTexts), len(vecs))}
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.cache.Add(c.key(missTexts[j]), slices.Clone(vecs[j]))
	}
	return out, nil
}

func (c *CachedEmbedder) Len() int { return c.cache.Len() }
