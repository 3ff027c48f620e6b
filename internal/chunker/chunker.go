package chunker

import (
	"fmt"

	"github.com/seanblong/starsearch/internal/config"
)

const (
	DefaultSize    = 1000
	DefaultOverlap = 100
)

var ErrInvalidWindow = fmt.Errorf("%w: chunk size must be greater than overlap and overlap must not be negative", config.ErrConfiguration)

// Chunker splits text into fixed-size windows that overlap by a fixed
// number of characters.
type Chunker struct {
	size    int
	overlap int
}

// New validates the window once so callers never hit it mid-run.
func New(size, overlap int) (*Chunker, error) {
	if err := validate(size, overlap); err != nil {
		return nil, err
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }

// Split returns the windows of text in order.
func (c *Chunker) Split(text string) []string {
	return split([]rune(text), c.size, c.overlap)
}

// Split is the one-shot form of Chunker.Split.
func Split(text string, size, overlap int) ([]string, error) {
	if err := validate(size, overlap); err != nil {
		return nil, err
	}
	return split([]rune(text), size, overlap), nil
}

func validate(size, overlap int) error {
	if size <= 0 || overlap < 0 || size <= overlap {
		return fmt.Errorf("size=%d overlap=%d: %w", size, overlap, ErrInvalidWindow)
	}
	return nil
}

// Lengths are in runes; slicing bytes would cut multi-byte characters.
func split(text []rune, size, overlap int) []string {
	if len(text) == 0 {
		return []string{}
	}
	step := size - overlap
	out := make([]string, 0, len(text)/step+1)
	for offset := 0; offset < len(text); offset += step {
		end := min(offset+size, len(text))
		out = append(out, string(text[offset:end]))
	}
	return out
}
