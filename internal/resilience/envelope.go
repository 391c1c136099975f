package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sony/gobreaker/v2"
)

// EnvelopeConfig configures the retry envelope.
type EnvelopeConfig struct {
	MaxAttempts uint          // total attempts including the first (default: 5)
	BackoffBase time.Duration // exponential base delay (default: 500ms)
	BackoffCap  time.Duration // maximum single delay (default: 30s)
	Logger      *slog.Logger

	// Circuit breaker settings (per operation name).
	BreakerEnabled      bool
	BreakerMinRequests  uint32
	BreakerFailureRatio float64
	BreakerOpenTimeout  time.Duration
}

// Envelope executes operations with classification-driven retries. One
// envelope is shared by all external calls of a pipeline instance; breakers
// are keyed by operation name.
type Envelope struct {
	cfg EnvelopeConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

// ExhaustedError wraps the final error after all retry attempts failed on a
// retryable condition. Callers use it to decide whether to hand the work
// item to the durable requeue.
type ExhaustedError struct {
	Operation string
	Attempts  uint
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d attempts exhausted: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// NewEnvelope creates a retry envelope with defaults applied.
func NewEnvelope(cfg EnvelopeConfig) *Envelope {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BreakerMinRequests == 0 {
		cfg.BreakerMinRequests = 10
	}
	if cfg.BreakerFailureRatio <= 0 || cfg.BreakerFailureRatio > 1 {
		cfg.BreakerFailureRatio = 0.6
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 30 * time.Second
	}

	return &Envelope{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

// Do runs fn with retries. Retryable failures back off with full jitter
// unless the error carries a server Retry-After, which takes precedence.
// Terminal failures return immediately. Exhausted retryable failures are
// wrapped in *ExhaustedError.
func (e *Envelope) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	run := func() error {
		return e.doRetry(ctx, operation, fn)
	}

	if !e.cfg.BreakerEnabled {
		return run()
	}

	breaker := e.breaker(operation)
	_, err := breaker.Execute(func() (any, error) {
		return nil, run()
	})
	return err
}

func (e *Envelope) doRetry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var attempts uint

	err := retry.Do(
		func() error {
			attempts++
			return fn(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(e.cfg.MaxAttempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return Classify(ctx, err).Retryable
		}),
		retry.DelayType(func(n uint, err error, _ *retry.Config) time.Duration {
			return e.nextDelay(n, err)
		}),
		retry.OnRetry(func(n uint, err error) {
			class := Classify(ctx, err)
			e.cfg.Logger.Warn("retrying operation",
				"operation", operation,
				"attempt", n+1,
				"max_attempts", e.cfg.MaxAttempts,
				"delay", e.describeDelay(n, err),
				"error_kind", string(class.Kind),
				"error", err)
		}),
	)
	if err == nil {
		return nil
	}

	class := Classify(ctx, err)
	if class.Retryable && attempts >= e.cfg.MaxAttempts {
		return &ExhaustedError{Operation: operation, Attempts: attempts, Err: err}
	}
	return err
}

// nextDelay computes the wait before attempt n+1. A server Retry-After
// overrides the computed full-jitter delay.
func (e *Envelope) nextDelay(n uint, err error) time.Duration {
	if after, ok := RetryAfter(err); ok && after > 0 {
		return after
	}

	ceiling := e.cfg.BackoffBase << n
	if ceiling > e.cfg.BackoffCap || ceiling <= 0 {
		ceiling = e.cfg.BackoffCap
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

func (e *Envelope) describeDelay(n uint, err error) string {
	if after, ok := RetryAfter(err); ok && after > 0 {
		return fmt.Sprintf("%s (retry-after)", after)
	}
	ceiling := e.cfg.BackoffBase << n
	if ceiling > e.cfg.BackoffCap || ceiling <= 0 {
		ceiling = e.cfg.BackoffCap
	}
	return fmt.Sprintf("<=%s (jitter)", ceiling)
}

func (e *Envelope) breaker(operation string) *gobreaker.CircuitBreaker[any] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if b, ok := e.breakers[operation]; ok {
		return b
	}

	settings := gobreaker.Settings{
		Name:    operation,
		Timeout: e.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < e.cfg.BreakerMinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= e.cfg.BreakerFailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Terminal errors are the caller's problem, not the
			// service's, and a caller cancellation says nothing about
			// service health. No live caller context is available here.
			kind := Classify(context.Background(), err).Kind
			return kind == KindTerminal || kind == KindCanceled
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.cfg.Logger.Warn("circuit breaker state change",
				"operation", name, "from", from.String(), "to", to.String())
		},
	}

	b := gobreaker.NewCircuitBreaker[any](settings)
	e.breakers[operation] = b
	return b
}
