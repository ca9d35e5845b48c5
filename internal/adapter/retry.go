package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"merchlink/internal/model"
	"merchlink/internal/tokens"
)

const (
	defaultMaxRetries   = 2
	defaultInitialDelay = 200 * time.Millisecond
)

// UpstreamError is a non-2xx response from a provider API. Only 5xx responses
// are considered transient.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, truncate(e.Body, 200))
}

func (e *UpstreamError) Retryable() bool { return e.Status >= 500 }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// withRetry runs fn up to 1+MaxRetries times with doubling backoff. Network
// errors and retryable upstream errors retry; auth failures and other
// upstream errors return immediately — retrying a dead token would just
// trigger another refresh.
func withRetry(ctx context.Context, policy model.RetryPolicy, fn func() error) error {
	maxRetries := policy.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	delay := time.Duration(policy.InitialDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = defaultInitialDelay
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var ue *UpstreamError
		if errors.As(err, &ue) && !ue.Retryable() {
			return err
		}
		var ae *tokens.AuthError
		if errors.As(err, &ae) {
			return err
		}
		if attempt >= maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
