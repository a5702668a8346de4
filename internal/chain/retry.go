package chain

import (
	"context"
	"errors"
	"time"
)

// retry config per §4.7: exponential backoff starting at 1s, capped at
// 30s between attempts, at most 5 attempts total. Retries only apply to
// transient RPC errors (dial/timeout/nonce races); a reverted transaction
// is permanent and is never retried.
const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
	retryMaxAttempts = 5
)

// permanentError wraps an error the caller has identified as non-transient
// (e.g. a contract revert); withRetry stops immediately on it.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// permanent marks err as non-retriable.
func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// withRetry runs fn up to retryMaxAttempts times with exponential backoff,
// stopping early on ctx cancellation or a permanentError.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == retryMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return lastErr
}
