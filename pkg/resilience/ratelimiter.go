package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/WessleyAI/chaingraph/pkg/fn"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by non-blocking limiter stages when no token is
// available.
var ErrRateLimited = errors.New("rate limited")

// NewLimiter returns a token bucket refilled at perSecond with room for
// burst tokens. perSecond <= 0 disables limiting.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// LimiterStage fails fast with ErrRateLimited when l has no token.
func LimiterStage[In, Out any](l *rate.Limiter, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if !l.Allow() {
			return fn.Err[Out](ErrRateLimited)
		}
		return stage(ctx, in)
	}
}

// LimiterStageWait blocks for a token, giving up when ctx ends.
func LimiterStageWait[In, Out any](l *rate.Limiter, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if err := l.Wait(ctx); err != nil {
			return fn.Err[Out](fmt.Errorf("%w: %v", ErrRateLimited, err))
		}
		return stage(ctx, in)
	}
}
