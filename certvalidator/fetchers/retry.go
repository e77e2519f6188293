package fetchers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// RetryConfig configures retry behavior for external requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first try).
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which delay increases after each retry.
	Multiplier float64

	// Jitter in [0,1]; 0.1 means +-10%.
	Jitter float64

	// RetryableErrors restricts retries to matching errors. When empty every
	// error except context cancellation is retried.
	RetryableErrors []error

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Clock drives the waits between attempts. Defaults to the real clock.
	Clock clockwork.Clock
}

// DefaultRetryConfig returns a default retry configuration with exponential backoff.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// orDefault treats a nil config as a single attempt.
func (c *RetryConfig) orDefault() *RetryConfig {
	if c == nil {
		return &RetryConfig{MaxAttempts: 1}
	}
	return c
}

func (c *RetryConfig) clock() clockwork.Clock {
	if c.Clock == nil {
		return clockwork.NewRealClock()
	}
	return c.Clock
}

func (c *RetryConfig) calculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	mult := c.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(c.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.Jitter > 0 {
		jitterRange := delay * c.Jitter
		delay = delay - jitterRange + (rand.Float64() * 2 * jitterRange)
	}
	return time.Duration(delay)
}

func (c *RetryConfig) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if len(c.RetryableErrors) == 0 {
		return true
	}
	for _, retryableErr := range c.RetryableErrors {
		if errors.Is(err, retryableErr) {
			return true
		}
	}
	return false
}

// RetryResult contains the result of a retry operation.
type RetryResult struct {
	Attempts int
	Errors   []error
	Success  bool
}

// LastError returns the last error encountered, or nil if successful.
func (r *RetryResult) LastError() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[len(r.Errors)-1]
}

// Retry executes fn until it succeeds, the attempts are exhausted, or the
// error is not retryable.
func Retry[T any](ctx context.Context, config *RetryConfig, fn func(ctx context.Context) (T, error)) (T, *RetryResult) {
	config = config.orDefault()
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	result := &RetryResult{}
	var zero T
	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt

		value, err := fn(ctx)
		if err == nil {
			result.Success = true
			return value, result
		}
		result.Errors = append(result.Errors, err)

		if attempt >= attempts || !config.isRetryable(err) {
			break
		}

		delay := config.calculateDelay(attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, ctx.Err())
			return zero, result
		case <-config.clock().After(delay):
		}
	}
	return zero, result
}

// MultiURLResult contains the result of attempting multiple URLs.
type MultiURLResult struct {
	SuccessfulURL string
	AttemptedURLs []string
	URLErrors     map[string][]error
	TotalAttempts int
	Success       bool
}

// AllErrors returns a combined error with all URL errors. The first recorded
// error stays reachable through errors.Is.
func (r *MultiURLResult) AllErrors() error {
	if r.Success {
		return nil
	}
	var (
		msgs  []string
		first error
	)
	for _, u := range r.AttemptedURLs {
		errs := r.URLErrors[u]
		if len(errs) == 0 {
			continue
		}
		if first == nil {
			first = errs[0]
		}
		strs := make([]string, len(errs))
		for i, err := range errs {
			strs[i] = err.Error()
		}
		msgs = append(msgs, fmt.Sprintf("%s: [%s]", u, strings.Join(strs, ", ")))
	}
	if first == nil {
		return fmt.Errorf("%w: all URLs failed", ErrFetchFailed)
	}
	return fmt.Errorf("all URLs failed: %s: %w", strings.Join(msgs, "; "), first)
}

// RetryMultiURL tries each URL in order, with retries per URL, and returns on
// the first success.
func RetryMultiURL[T any](
	ctx context.Context,
	config *RetryConfig,
	urls []string,
	fn func(ctx context.Context, url string) (T, error),
) (T, *MultiURLResult) {
	result := &MultiURLResult{
		AttemptedURLs: make([]string, 0, len(urls)),
		URLErrors:     make(map[string][]error),
	}

	var zero T
	for _, u := range urls {
		result.AttemptedURLs = append(result.AttemptedURLs, u)

		value, rr := Retry(ctx, config, func(ctx context.Context) (T, error) {
			return fn(ctx, u)
		})
		result.TotalAttempts += rr.Attempts
		result.URLErrors[u] = rr.Errors

		if rr.Success {
			result.SuccessfulURL = u
			result.Success = true
			return value, result
		}
		if ctx.Err() != nil {
			break
		}
	}
	return zero, result
}
