// Package bedrock provides an llm.Client implementation backed by the AWS
// Bedrock Converse API via the aws-sdk-go-v2 bedrockruntime client.
package bedrock

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/meterflow/meterflow/engine/llm"
)

// ConverseAPI captures the subset of the bedrockruntime client used by the
// adapter.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	API          ConverseAPI
	DefaultModel string
}

// Client implements llm.Client via the Bedrock Converse API.
type Client struct {
	api   ConverseAPI
	model string
}

// Compile-time check that Client implements llm.Client.
var _ llm.Client = (*Client)(nil)

// New builds a Bedrock-backed client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.API == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{api: opts.API, model: opts.DefaultModel}, nil
}

// Call renders one converse exchange using the configured client.
func (c *Client) Call(ctx context.Context, req llm.Request) (llm.Response, error) {
	if req.UserPrompt == "" {
		return llm.Response{}, errors.New("user prompt is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		Messages: []types.Message{{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: req.UserPrompt},
			},
		}},
	}
	if req.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.SystemPrompt},
		}
	}
	inference := &types.InferenceConfiguration{}
	configured := false
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
		configured = true
	}
	if req.Temperature >= 0 {
		inference.Temperature = aws.Float32(float32(req.Temperature))
		configured = true
	}
	if configured {
		input.InferenceConfig = inference
	}
	out, err := c.api.Converse(ctx, input)
	if err != nil {
		return llm.Response{}, err
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return llm.Response{}, errors.New("bedrock: converse returned no message")
	}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		if tb, ok := block.(*types.ContentBlockMemberText); ok {
			text.WriteString(tb.Value)
		}
	}
	var usage llm.Usage
	if out.Usage != nil {
		usage.InputTokens = int64(aws.ToInt32(out.Usage.InputTokens))
		usage.OutputTokens = int64(aws.ToInt32(out.Usage.OutputTokens))
		usage.TotalTokens = int64(aws.ToInt32(out.Usage.TotalTokens))
	}
	return llm.Response{Text: text.String(), Usage: usage}, nil
}
