package anthropic_test

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterflow/meterflow/engine/llm"
	"github.com/meterflow/meterflow/features/model/anthropic"
)

type fakeMessages struct {
	params sdk.MessageNewParams
	reply  *sdk.Message
	err    error
}

func (f *fakeMessages) New(_ context.Context, params sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := anthropic.New(anthropic.Options{DefaultModel: "claude-sonnet-4-5"})
	assert.ErrorContains(t, err, "message service")
	_, err = anthropic.New(anthropic.Options{Messages: &fakeMessages{}})
	assert.ErrorContains(t, err, "default model")
	_, err = anthropic.NewFromAPIKey("", "claude-sonnet-4-5")
	assert.ErrorContains(t, err, "api key")
}

func TestCallConcatenatesTextBlocks(t *testing.T) {
	t.Parallel()

	messages := &fakeMessages{reply: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "hel"},
			{Type: "tool_use"},
			{Type: "text", Text: "lo"},
		},
		Usage: sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}}
	client, err := anthropic.New(anthropic.Options{Messages: messages, DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	resp, err := client.Call(context.Background(), llm.Request{
		SystemPrompt: "be brief",
		UserPrompt:   "say hello",
		MaxTokens:    256,
		Temperature:  0.7,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, llm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, resp.Usage)

	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), messages.params.Model)
	assert.Equal(t, int64(256), messages.params.MaxTokens)
	require.Len(t, messages.params.System, 1)
	assert.Equal(t, "be brief", messages.params.System[0].Text)
	assert.InDelta(t, 0.7, messages.params.Temperature.Value, 1e-9)
	require.Len(t, messages.params.Messages, 1)
}

func TestCallDefaults(t *testing.T) {
	t.Parallel()

	messages := &fakeMessages{reply: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "ok"}},
	}}
	client, err := anthropic.New(anthropic.Options{Messages: messages, DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = client.Call(context.Background(), llm.Request{UserPrompt: "hi", Model: "claude-haiku-4-5", Temperature: -1})
	require.NoError(t, err)
	assert.Equal(t, sdk.Model("claude-haiku-4-5"), messages.params.Model)
	// The Messages API requires an explicit cap even when the caller does not
	// set one.
	assert.Equal(t, int64(4096), messages.params.MaxTokens)
	assert.Empty(t, messages.params.System)
	assert.False(t, messages.params.Temperature.Valid())
}

func TestCallErrors(t *testing.T) {
	t.Parallel()

	client, err := anthropic.New(anthropic.Options{Messages: &fakeMessages{err: assert.AnError}, DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = client.Call(context.Background(), llm.Request{})
	assert.ErrorContains(t, err, "user prompt")

	_, err = client.Call(context.Background(), llm.Request{UserPrompt: "hi"})
	assert.ErrorIs(t, err, assert.AnError)
}
