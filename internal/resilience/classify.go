// Package resilience wraps every network-bound pipeline operation with error
// classification, full-jitter exponential backoff, and a per-operation
// circuit breaker.
package resilience

import (
	"context"
	"errors"
	"net"
	"time"
)

// Kind is the classified failure category attached to retry log records.
type Kind string

const (
	KindTransient Kind = "transient" // timeouts, 5xx, rate limits
	KindTerminal  Kind = "terminal"  // auth failures, malformed requests
	KindCanceled  Kind = "canceled"  // caller cancellation, never retried
)

// StatusError is implemented by errors carrying an HTTP status code.
type StatusError interface {
	HTTPStatus() int
}

// RetryAfterError is implemented by errors carrying a server-provided
// Retry-After delay.
type RetryAfterError interface {
	RetryAfterDelay() (time.Duration, bool)
}

// Classification is the retry decision for one error.
type Classification struct {
	Kind      Kind
	Retryable bool
}

// Classify maps an error to its retry classification. ctx is the caller's
// context: a cancellation sentinel only means "stop retrying" when the
// caller itself gave up. An http.Client with a bounded per-call Timeout
// surfaces exceeded deadlines as errors satisfying
// errors.Is(err, context.DeadlineExceeded) even though the caller's context
// is still live; those are ordinary transient timeouts and must be retried.
// Unknown errors are treated as transient so that flaky infrastructure does
// not fail runs on the first hiccup; permanent conditions must be surfaced
// as StatusError.
func Classify(ctx context.Context, err error) Classification {
	if err == nil {
		return Classification{}
	}

	if ctx != nil && ctx.Err() != nil {
		return Classification{Kind: KindCanceled, Retryable: false}
	}

	var statusErr StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.HTTPStatus())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Classification{Kind: KindTransient, Retryable: true}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		// A per-call deadline expired while the caller is still waiting:
		// the next attempt runs under the caller's remaining budget.
		return Classification{Kind: KindTransient, Retryable: true}
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Kind: KindCanceled, Retryable: false}
	}

	return Classification{Kind: KindTransient, Retryable: true}
}

func classifyStatus(status int) Classification {
	switch {
	case status == 408 || status == 429:
		return Classification{Kind: KindTransient, Retryable: true}
	case status >= 500:
		return Classification{Kind: KindTransient, Retryable: true}
	case status >= 400:
		// Auth failures and malformed requests do not heal on retry.
		return Classification{Kind: KindTerminal, Retryable: false}
	default:
		return Classification{Kind: KindTransient, Retryable: true}
	}
}

// RetryAfter extracts a server-provided retry delay from an error chain.
func RetryAfter(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfterDelay()
	}
	return 0, false
}
