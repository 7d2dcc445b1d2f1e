// Package tokenutil estimates prompt sizes for logging and stored message
// metadata. Counts are advisory; nothing in the turn path depends on them.
package tokenutil

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func loadCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = c
		}
	})
	return codec
}

// EstimateTokens counts cl100k_base tokens, falling back to a word heuristic
// when the encoder is unavailable.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	if c := loadCodec(); c != nil {
		if n, err := c.Count(content); err == nil {
			return n
		}
	}
	return heuristicTokens(content)
}

// heuristicTokens returns max(words*1.33, bytes/4). The byte floor keeps
// code and CJK text from being undercounted.
func heuristicTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}
