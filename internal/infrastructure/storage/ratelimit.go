package storage

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// RateLimitReader throttles reads to the limiter's byte rate.
type RateLimitReader struct {
	io.Reader
	Limiter *rate.Limiter
	Ctx     context.Context
}

func (r *RateLimitReader) Read(p []byte) (int, error) {
	if r.Ctx != nil && r.Ctx.Err() != nil {
		return 0, r.Ctx.Err()
	}
	if r.Limiter != nil && len(p) > r.Limiter.Burst() {
		p = p[:r.Limiter.Burst()]
	}

	n, err := r.Reader.Read(p)
	if n > 0 && r.Limiter != nil {
		ctx := r.Ctx
		if ctx == nil {
			ctx = context.Background()
		}
		if waitErr := r.Limiter.WaitN(ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

// NewLimiter returns nil when bytesPerSecond is not positive.
func NewLimiter(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
}
