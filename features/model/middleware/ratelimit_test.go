package middleware_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterflow/meterflow/engine/llm"
	"github.com/meterflow/meterflow/features/model/middleware"
)

func TestNewRateLimitedValidates(t *testing.T) {
	t.Parallel()

	next := llm.ClientFunc(func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{}, nil
	})
	_, err := middleware.NewRateLimited(middleware.RateLimitOptions{RequestsPerSecond: 1})
	assert.ErrorContains(t, err, "client")
	_, err = middleware.NewRateLimited(middleware.RateLimitOptions{Client: next})
	assert.ErrorContains(t, err, "requests per second")
}

func TestRateLimitedDelegates(t *testing.T) {
	t.Parallel()

	var calls int
	next := llm.ClientFunc(func(_ context.Context, req llm.Request) (llm.Response, error) {
		calls++
		return llm.Response{Text: "echo: " + req.UserPrompt}, nil
	})
	limited, err := middleware.NewRateLimited(middleware.RateLimitOptions{
		Client:            next,
		RequestsPerSecond: 1000,
		Burst:             10,
	})
	require.NoError(t, err)

	resp, err := limited.Call(context.Background(), llm.Request{UserPrompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", resp.Text)
	assert.Equal(t, 1, calls)
}

func TestRateLimitedHonorsContext(t *testing.T) {
	t.Parallel()

	var calls int
	next := llm.ClientFunc(func(context.Context, llm.Request) (llm.Response, error) {
		calls++
		return llm.Response{}, nil
	})
	// Burst of one: the first call drains the bucket and the second cannot
	// refill before the deadline.
	limited, err := middleware.NewRateLimited(middleware.RateLimitOptions{
		Client:            next,
		RequestsPerSecond: 0.001,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = limited.Call(ctx, llm.Request{UserPrompt: "first"})
	require.NoError(t, err)
	_, err = limited.Call(ctx, llm.Request{UserPrompt: "second"})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
