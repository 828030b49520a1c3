// Package tokenest estimates the token cost of a chat completion request
// before it reaches the backend. Admission control reserves against this
// estimate and reconciles with the backend's reported usage on commit.
package tokenest

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/gatecore-ai/gatecore/backend"
)

const (
	// perMessageOverhead covers the role/name framing tokens the chat
	// format adds around each message.
	perMessageOverhead = 4

	// replyPrime is the fixed cost of priming the assistant reply.
	replyPrime = 3

	// DefaultCompletionBudget is assumed for the completion when the
	// request does not set max_tokens.
	DefaultCompletionBudget = 256
)

// Estimator counts prompt tokens with the model's own encoding when one is
// available and falls back to a character heuristic otherwise. Codecs are
// cached per model because building one loads the BPE ranks.
type Estimator struct {
	mu     sync.RWMutex
	codecs map[string]tokenizer.Codec
}

func New() *Estimator {
	return &Estimator{codecs: make(map[string]tokenizer.Codec)}
}

// Estimate returns the projected total token cost of req: prompt tokens
// plus the completion budget (max_tokens when set). It never fails; an
// unknown model degrades to the heuristic count.
func (e *Estimator) Estimate(req backend.Request) int {
	total := replyPrime
	codec := e.codecFor(req.Model)
	for _, msg := range req.Messages {
		total += perMessageOverhead
		total += e.countText(codec, msg.Content)
		if msg.Name != "" {
			total += e.countText(codec, msg.Name)
		}
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		total += *req.MaxTokens
	} else {
		total += DefaultCompletionBudget
	}
	return total
}

// PromptTokens counts only the prompt side of req, without any completion
// budget. Used when reconciling estimates against reported usage.
func (e *Estimator) PromptTokens(req backend.Request) int {
	total := replyPrime
	codec := e.codecFor(req.Model)
	for _, msg := range req.Messages {
		total += perMessageOverhead
		total += e.countText(codec, msg.Content)
	}
	return total
}

func (e *Estimator) codecFor(model string) tokenizer.Codec {
	e.mu.RLock()
	codec, ok := e.codecs[model]
	e.mu.RUnlock()
	if ok {
		return codec
	}

	c, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		// Unknown model names still get a reasonable count out of the
		// cl100k vocabulary.
		c, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			c = nil
		}
	}

	e.mu.Lock()
	e.codecs[model] = c
	e.mu.Unlock()
	return c
}

func (e *Estimator) countText(codec tokenizer.Codec, text string) int {
	if codec != nil {
		if n, err := codec.Count(text); err == nil {
			return n
		}
	}
	return HeuristicCount(text)
}

// HeuristicCount approximates token count as one token per four characters,
// minimum one for non-empty text.
func HeuristicCount(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
