// Package tokenest estimates the token cost of request payloads so the
// throttle's TPM gate can project usage before a call is issued.
package tokenest

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// fallbackDivisor approximates tokens from byte length when no encoding
// is available: roughly four bytes per token for English-like text.
const fallbackDivisor = 4

// modelEncodings maps model names to their tiktoken encoding.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// Estimator counts tokens with a tiktoken encoding, falling back to a
// length heuristic when the encoding cannot be initialized (the encoding
// data may need a download on first use).
type Estimator struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// NewEstimator creates an Estimator for the given model. Unknown models
// fall back to cl100k_base after a prefix match attempt.
func NewEstimator(model string) *Estimator {
	encoding, ok := modelEncodings[model]
	if !ok {
		// Versioned names like gpt-4o-2024-08-06 resolve by the longest
		// matching prefix.
		best := 0
		for prefix, e := range modelEncodings {
			if strings.HasPrefix(model, prefix) && len(prefix) > best {
				encoding = e
				best = len(prefix)
			}
		}
		ok = best > 0
	}
	if !ok {
		encoding = "cl100k_base"
	}
	return &Estimator{encoding: encoding}
}

// init lazily initializes the tiktoken encoding.
func (e *Estimator) init() error {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			e.initErr = fmt.Errorf("init tiktoken encoding %s: %w", e.encoding, err)
			return
		}
		e.enc = enc
	})
	return e.initErr
}

// Estimate returns the estimated token count of text. It never fails:
// when the encoding is unavailable it degrades to the length heuristic.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if err := e.init(); err != nil {
		return len(text)/fallbackDivisor + 1
	}
	return len(e.enc.Encode(text, nil, nil))
}
