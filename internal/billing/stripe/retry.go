package stripe

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	stripe "github.com/stripe/stripe-go/v82"
)

const (
	retryBase        = 200 * time.Millisecond
	retryMaxAttempts = 3
)

// withRetry runs op with bounded exponential backoff. Only idempotent gateway
// operations may use it; callers decide what is safe to repeat.
func withRetry(ctx context.Context, op func() error) error {
	b := retry.WithMaxRetries(retryMaxAttempts, retry.NewExponential(retryBase))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := op()
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// isTransient reports whether the error is worth repeating: rate limits,
// Stripe-side 5xx, or a transport failure before any HTTP status arrived.
func isTransient(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
			return true
		}
		return stripeErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	// Non-Stripe errors from the HTTP client are transport-level.
	return true
}
