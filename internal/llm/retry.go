package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

const defaultBackoffBase = 250 * time.Millisecond

// statusError carries the HTTP status of a failed backend call.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func (e *statusError) retryable() bool {
	return e.code == 429 || e.code >= 500
}

// withRetry runs fn with exponential backoff. Context errors and 4xx responses
// other than 429 are returned immediately.
func withRetry(ctx context.Context, maxRetries uint64, fn func(context.Context) (string, error)) (string, error) {
	var out string
	backoff := retry.WithMaxRetries(maxRetries, retry.NewExponential(defaultBackoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err == nil {
			out = res
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return err
		}
		return retry.RetryableError(err)
	})
	return out, err
}
