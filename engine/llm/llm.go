// Package llm defines the model inference collaborator contract consumed by
// llm_reason steps. Provider adapters live under features/model; the engine
// depends on this interface only.
package llm

import "context"

type (
	// Client invokes a text model.
	Client interface {
		Call(ctx context.Context, req Request) (Response, error)
	}

	// Request is one model invocation.
	Request struct {
		// SystemPrompt frames the task. Empty means provider default.
		SystemPrompt string
		// UserPrompt is the rendered user message.
		UserPrompt string
		// Model selects the provider model. Empty means adapter default.
		Model string
		// MaxTokens caps the completion length. Zero means adapter default.
		MaxTokens int
		// Temperature in [0, 2]. Negative means adapter default.
		Temperature float64
	}

	// Response is the model output.
	Response struct {
		Text  string
		Usage Usage
	}

	// Usage reports token consumption.
	Usage struct {
		InputTokens     int64
		OutputTokens    int64
		TotalTokens     int64
		ReasoningTokens int64
	}

	// ClientFunc adapts a function to the Client contract, used by tests.
	ClientFunc func(ctx context.Context, req Request) (Response, error)
)

// Call invokes f.
func (f ClientFunc) Call(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
