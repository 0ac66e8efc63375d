// Package middleware provides llm.Client decorators shared by the provider
// adapters.
package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/meterflow/meterflow/engine/llm"
)

type (
	// RateLimited wraps an llm.Client behind a token-bucket limiter so bursty
	// schedulers cannot exhaust a provider quota. Waiting honors the request
	// context.
	RateLimited struct {
		next    llm.Client
		limiter *rate.Limiter
	}

	// RateLimitOptions configures NewRateLimited.
	RateLimitOptions struct {
		// Client is the wrapped client. Required.
		Client llm.Client
		// RequestsPerSecond is the sustained call rate. Required.
		RequestsPerSecond float64
		// Burst is the bucket size. Defaults to 1.
		Burst int
	}
)

// Compile-time check that RateLimited implements llm.Client.
var _ llm.Client = (*RateLimited)(nil)

// NewRateLimited constructs the rate-limiting decorator.
func NewRateLimited(opts RateLimitOptions) (*RateLimited, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	if opts.RequestsPerSecond <= 0 {
		return nil, errors.New("requests per second must be > 0")
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{
		next:    opts.Client,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst),
	}, nil
}

// Call waits for a limiter token, then delegates.
func (r *RateLimited) Call(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return llm.Response{}, err
	}
	return r.next.Call(ctx, req)
}
