package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"photo-processor/internal/queue"
)

// NewLimiter allows limit job starts per window.
func NewLimiter(limit int, window time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
}

// Throttle waits for the limiter before each job starts.
func Throttle(h queue.Handler, limiter *rate.Limiter) queue.Handler {
	return func(ctx context.Context, msg queue.Message) error {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		return h(ctx, msg)
	}
}

// WithTimeout bounds each job run.
func WithTimeout(h queue.Handler, timeout time.Duration) queue.Handler {
	return func(ctx context.Context, msg queue.Message) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return h(ctx, msg)
	}
}
