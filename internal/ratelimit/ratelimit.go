package ratelimit

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// Limiter blocks callers until an outbound request may proceed.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Local is an in-process token bucket.
type Local struct {
	limiter *rate.Limiter
}

// New creates a token bucket with the specified rate (requests per second)
func New(rps float64) *Local {
	if rps <= 0 {
		rps = 1.0
	}
	burst := int(math.Max(1, math.Floor(rps)))
	return &Local{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a token is available or context is cancelled
func (l *Local) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}
