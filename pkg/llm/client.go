// Package llm defines the vision/text LLM boundary of the grading engine.
// Implementations must be safe for concurrent use; the engine shares one
// client across all grading workers.
package llm

import (
	"context"
)

// ImageInput is one image attached to a request.
type ImageInput struct {
	MIME string
	Data []byte
}

// Request is a single completion request. Images are sent before the prompt
// text in upload order.
type Request struct {
	System      string
	Prompt      string
	Images      []ImageInput
	MaxTokens   int
	Temperature float64
}

// Usage reports token consumption of one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Response is the LLM's reply.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Client is the abstract LLM invocation boundary. The grading engine only
// needs single-shot vision completions; streaming, tool use, and connection
// pooling are implementation concerns.
type Client interface {
	// Complete sends one request and blocks until the full response or an
	// error. Errors should be classified via this package's Error type so
	// the retry layer can distinguish transient from fatal failures.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Close releases underlying connections.
	Close() error
}
