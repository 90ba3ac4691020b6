package api

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// WithSingleRetry runs op and retries it exactly once when it fails with an
// error marked Retryable. Which failures count as retryable (transport
// hiccups, malformed bodies) versus immediately fatal (4xx) is decided by
// the operation itself.
func WithSingleRetry(ctx context.Context, op func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(1, retry.NewConstant(time.Second))
	return retry.Do(ctx, b, op)
}

// Retryable marks err as worth one more attempt under WithSingleRetry.
func Retryable(err error) error {
	return retry.RetryableError(err)
}
