// Package llm abstracts the upstream chat model behind a Provider interface.
package llm

import (
	"context"
	"errors"
	"time"
)

// TimeoutModelCall bounds a single upstream generation request.
const TimeoutModelCall = 30 * time.Second

// ErrModelUnavailable signals that the upstream model could not be reached
// or returned no usable completion. Retryable from the caller's side.
var ErrModelUnavailable = errors.New("upstream model unavailable")

// Provider is the interface all chat model providers implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "groq").
	Name() string
	// Generate sends a completion request and returns the response.
	Generate(ctx context.Context, req *Request) (*Response, error)
	// EstimateCost estimates the cost in EUR for the given model and token counts.
	EstimateCost(model string, inputTokens, outputTokens int) float64
}

// Request represents a chat generation request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Message represents a chat message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Response represents a chat generation response. Sources lists reference
// documents attached by providers that ground their answers; plain chat
// completions leave it empty.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
	Sources      []string
}

// TotalTokens returns the combined input and output token count.
func (r *Response) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}
