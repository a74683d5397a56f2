// Package tokenizer estimates token counts for spend reservations.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/fairwaylabs/rezgate/types"
)

// messageOverhead is the per-message token overhead of the chat format.
const messageOverhead = 4

// Counter counts or estimates tokens in text and message histories.
type Counter interface {
	// CountTokens counts tokens in a text string.
	CountTokens(text string) int
	// CountMessages counts total tokens across a message history,
	// including per-message formatting overhead and tool-call arguments.
	CountMessages(msgs []types.Message) int
}

// Estimator is a tiktoken-backed counter with a character-ratio fallback.
// The encoding is initialized lazily; if the encoding data cannot be
// loaded the estimator degrades to ~4 characters per token, which
// overcounts slightly for English text. Overcounting is the safe direction
// for spend reservations.
type Estimator struct {
	encoding string

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewEstimator creates an estimator using the given tiktoken encoding.
// An empty encoding selects cl100k_base.
func NewEstimator(encoding string) *Estimator {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &Estimator{encoding: encoding}
}

func (e *Estimator) init() error {
	e.once.Do(func() {
		e.enc, e.initErr = tiktoken.GetEncoding(e.encoding)
	})
	return e.initErr
}

// CountTokens counts tokens in text.
func (e *Estimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if err := e.init(); err == nil && e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	// Fallback: ~4 chars per token, at least one token for non-empty text.
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// CountMessages counts tokens across a message history.
func (e *Estimator) CountMessages(msgs []types.Message) int {
	total := 0
	for _, msg := range msgs {
		total += messageOverhead
		total += e.CountTokens(msg.Content)
		if msg.Name != "" {
			total += e.CountTokens(msg.Name)
		}
		for _, tc := range msg.ToolCalls {
			total += e.CountTokens(tc.Name)
			total += len(tc.Arguments) / 4
		}
	}
	return total
}
