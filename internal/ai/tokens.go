package ai

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const (
	tokenEncoding = "cl100k_base"
	// runesPerToken approximates English text when no encoder is available.
	runesPerToken = 4
)

type tokenCounter struct {
	once sync.Once
	load func() (*tiktoken.Tiktoken, error)
	enc  *tiktoken.Tiktoken
}

var defaultCounter = &tokenCounter{
	load: func() (*tiktoken.Tiktoken, error) { return tiktoken.GetEncoding(tokenEncoding) },
}

func (c *tokenCounter) count(texts ...string) int {
	total := 0
	for _, text := range texts {
		if text == "" {
			continue
		}
		c.once.Do(func() {
			if enc, err := c.load(); err == nil {
				c.enc = enc
			}
		})
		if c.enc != nil {
			total += len(c.enc.Encode(text, nil, nil))
			continue
		}
		total += (utf8.RuneCountInString(text) + runesPerToken - 1) / runesPerToken
	}
	return total
}

// EstimateTokens approximates token usage for providers that do not report it.
// The encoder is loaded on first use; without it a rune-based estimate is used.
func EstimateTokens(texts ...string) int {
	return defaultCounter.count(texts...)
}

// UsageOrEstimate returns reported when the provider filled it in, and an
// estimate over the exchanged texts otherwise.
func UsageOrEstimate(reported int, texts ...string) int {
	if reported > 0 {
		return reported
	}
	return EstimateTokens(texts...)
}
