// Package backend defines the Invoker interface and the shared request and
// response types that flow through the admission and caching pipeline.
//
// The gateway core treats the backend as a black box: an Invoker receives a
// Request and returns a Result carrying the response body, status, headers,
// and the token count actually consumed. OpenAI is the reference
// implementation; any LLM backend can be plugged in.
package backend

import (
	"context"
	"errors"
	"net/http"
)

// Message role constants shared across backends.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// CachePolicy controls per-request cache participation.
type CachePolicy string

// CachePolicy values. Auto caches deterministic requests only.
const (
	CacheAuto  CachePolicy = ""
	CacheOptIn CachePolicy = "opt_in"
	CacheSkip  CachePolicy = "skip"
)

// Request is a chat completion request as seen by the admission and caching
// pipeline. Extra carries response-affecting parameters that have no
// first-class field; it participates in cache fingerprinting as an ordered
// mapping.
type Request struct {
	APIKey      string                 `json:"-"`
	Model       string                 `json:"model"`
	Messages    []Message              `json:"messages"`
	Temperature *float64               `json:"temperature,omitempty"`
	MaxTokens   *int                   `json:"max_tokens,omitempty"`
	TopP        *float64               `json:"top_p,omitempty"`
	Stream      bool                   `json:"stream,omitempty"`
	User        string                 `json:"user,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
	CachePolicy CachePolicy            `json:"cache_policy,omitempty"`
}

// Validate returns an error if the request is missing required fields or
// contains out-of-range parameter values.
func (r Request) Validate() error {
	if r.Model == "" {
		return errors.New("model is required")
	}
	if len(r.Messages) == 0 {
		return errors.New("at least one message is required")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return errors.New("temperature must be between 0 and 2")
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return errors.New("top_p must be between 0 and 1")
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return errors.New("max_tokens must be positive")
	}
	return nil
}

// Result is the outcome of a backend invocation. Body holds the full
// (buffered) response; for streaming requests Chunks holds the recorded
// byte frames in arrival order so a cache hit can replay them verbatim.
type Result struct {
	Body       []byte      `json:"body"`
	Chunks     [][]byte    `json:"chunks,omitempty"`
	Status     int         `json:"status"`
	Headers    http.Header `json:"headers"`
	TokensUsed int         `json:"tokens_used"`
}

// Streaming reports whether the result carries recorded stream frames.
func (r *Result) Streaming() bool { return len(r.Chunks) > 0 }

// Invoker is the opaque backend call. Implementations must honour ctx
// cancellation; an aborted invocation must not leave partial results.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req Request) (*Result, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}
