// Package openai provides an llm.Client implementation backed by the OpenAI
// Chat Completions API. It translates engine requests into completion calls
// using github.com/openai/openai-go and maps responses and token usage back
// to the generic structures.
package openai

import (
	"context"
	"errors"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/meterflow/meterflow/engine/llm"
)

// ChatService captures the subset of the openai-go client used by the
// adapter.
type ChatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Chat         ChatService
	DefaultModel string
}

// Client implements llm.Client via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatService
	model string
}

// Compile-time check that Client implements llm.Client.
var _ llm.Client = (*Client)(nil)

// New builds an OpenAI-backed client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Chat == nil {
		return nil, errors.New("chat service is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Chat, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Chat: &client.Chat.Completions, DefaultModel: defaultModel})
}

// Call renders a chat completion using the configured client.
func (c *Client) Call(ctx context.Context, req llm.Request) (llm.Response, error) {
	if req.UserPrompt == "" {
		return llm.Response{}, errors.New("user prompt is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.UserPrompt))
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature >= 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	completion, err := c.chat.New(ctx, params)
	if err != nil {
		return llm.Response{}, err
	}
	if len(completion.Choices) == 0 {
		return llm.Response{}, errors.New("openai: completion returned no choices")
	}
	return llm.Response{
		Text: completion.Choices[0].Message.Content,
		Usage: llm.Usage{
			InputTokens:     completion.Usage.PromptTokens,
			OutputTokens:    completion.Usage.CompletionTokens,
			TotalTokens:     completion.Usage.TotalTokens,
			ReasoningTokens: completion.Usage.CompletionTokensDetails.ReasoningTokens,
		},
	}, nil
}
