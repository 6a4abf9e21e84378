// Package tokenizer counts tokens for the count_tokens endpoint.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

const encodingName = "cl100k_base"

// Counter wraps a lazily loaded tiktoken encoder. When the encoding cannot
// be loaded (offline environments), a character heuristic stands in.
type Counter struct {
	logger *zap.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func New(logger *zap.Logger) *Counter {
	return &Counter{logger: logger}
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err != nil {
			c.logger.Warn("tiktoken encoding unavailable, falling back to heuristic",
				zap.String("encoding", encodingName), zap.Error(err))
			return
		}
		c.enc = enc
	})
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return estimate(text)
}

// estimate approximates tokens at four characters each, never below one for
// non-empty text.
func estimate(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
