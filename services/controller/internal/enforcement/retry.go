package enforcement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	FailureDrop    = "drop"
	FailureBackoff = "backoff"
)

// RetryPolicy decides what happens when an enforcement call fails. With
// FailureDrop the call is attempted once. With FailureBackoff it is retried
// with exponential backoff up to MaxAttempts; client errors (4xx) are not
// retried.
type RetryPolicy struct {
	Mode            string
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) Do(ctx context.Context, call func(ctx context.Context) error) error {
	if p.Mode != FailureBackoff || p.MaxAttempts <= 1 {
		return call(ctx)
	}
	policy := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		policy.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		policy.MaxInterval = p.MaxInterval
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := call(ctx)
		var status *StatusError
		if errors.As(err, &status) && status.Status >= http.StatusBadRequest && status.Status < http.StatusInternalServerError {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(p.MaxAttempts))
	if err != nil {
		return fmt.Errorf("after retries: %w", err)
	}
	return nil
}
