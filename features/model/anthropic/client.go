// Package anthropic provides an llm.Client implementation backed by the
// Anthropic Messages API via github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/meterflow/meterflow/engine/llm"
)

// defaultMaxTokens is used when the request does not cap the completion; the
// Messages API requires an explicit value.
const defaultMaxTokens = 4096

// MessageService captures the subset of the Anthropic client used by the
// adapter.
type MessageService interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Options configures the Anthropic adapter.
type Options struct {
	Messages     MessageService
	DefaultModel string
}

// Client implements llm.Client via the Anthropic Messages API.
type Client struct {
	messages MessageService
	model    string
}

// Compile-time check that Client implements llm.Client.
var _ llm.Client = (*Client)(nil)

// New builds an Anthropic-backed client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Messages == nil {
		return nil, errors.New("message service is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{messages: opts.Messages, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default SDK HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Messages: &client.Messages, DefaultModel: defaultModel})
}

// Call renders one message exchange using the configured client.
func (c *Client) Call(ctx context.Context, req llm.Request) (llm.Response, error) {
	if req.UserPrompt == "" {
		return llm.Response{}, errors.New("user prompt is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature >= 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	msg, err := c.messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, err
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	usage := llm.Usage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return llm.Response{Text: text.String(), Usage: usage}, nil
}
