// Package llm contains the provider binding, the token-aware rate limiter
// and the gateway that wraps every model call with caching, validation and
// retry handling.
package llm

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token usage for rate limiting. It uses the
// cl100k_base encoding when available and falls back to the rough
// four-characters-per-token heuristic otherwise.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter creates a token counter. Failure to load the encoding is
// not fatal; estimates degrade to the heuristic.
func NewTokenCounter() *TokenCounter {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("Failed to load cl100k_base encoding, falling back to character heuristic", "error", err)
		return &TokenCounter{}
	}
	return &TokenCounter{encoding: encoding}
}

// Count returns the estimated token count for text. The heuristic never
// estimates zero for non-empty text.
func (t *TokenCounter) Count(text string) int {
	if t.encoding != nil {
		return len(t.encoding.Encode(text, nil, nil))
	}
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
