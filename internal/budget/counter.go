// Package budget enforces the model context window before anything is sent
// or uploaded. Token counting is backed by tiktoken-go with a character
// heuristic fallback when the encoding cannot be initialized.
package budget

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// CountFunc counts the tokens of a text fragment.
type CountFunc func(text string) int

// Counter provides model-aware token counting. The encoding is resolved
// lazily on first use: the model's own encoding, then cl100k_base, then the
// heuristic estimate.
type Counter struct {
	model string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewCounter builds a counter for the given model id.
func NewCounter(model string) *Counter {
	return &Counter{model: model}
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(func() {
		if enc, err := tiktoken.EncodingForModel(c.model); err == nil {
			c.enc = enc
			return
		}
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			c.enc = enc
		}
	})
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// EstimateFast returns a heuristic token estimate: max(runes/4, word count),
// at least 1 for non-blank text.
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}
