package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// maxAttempts is the retry cap for every upstream call.
	maxAttempts = 5
	// Retry waits are uniform in [0.1s, 0.5s]: base interval 0.3s with a
	// randomization factor of 2/3 and no growth between attempts.
	retryInterval = 300 * time.Millisecond
	retryJitter   = 2.0 / 3.0
)

// statusError marks an upstream HTTP response that is itself the failure.
type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned %d for %s", e.code, e.url)
}

// malformedError marks a response body that could not be decoded. Upstream
// indexes intermittently serve truncated or error payloads with a 200, so
// these are retried like transport failures.
type malformedError struct {
	err error
}

func (e *malformedError) Error() string { return "malformed response: " + e.err.Error() }
func (e *malformedError) Unwrap() error { return e.err }

// retryable classifies an error as transient. Timeouts, connection resets,
// rate-limit and server-side status codes, and malformed bodies are retried;
// everything else fails the operation immediately.
func retryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == 429 || se.code >= 500
	}
	var me *malformedError
	return errors.As(err, &me)
}

// withRetry runs op up to maxAttempts times, waiting a uniformly jittered
// interval between attempts. Non-retryable errors abort immediately; op can
// also abort by returning backoff.Permanent itself.
func withRetry(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInterval
	policy.RandomizationFactor = retryJitter
	policy.Multiplier = 1
	policy.MaxElapsedTime = 0

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(policy, maxAttempts-1), ctx))
}
