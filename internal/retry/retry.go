// Package retry provides exponential backoff for operations against
// eventually consistent or intermittently unreachable endpoints.
//
// Callers supply a Classifier that decides whether a failure is worth
// retrying. Transient failures are retried with exponentially increasing
// delays plus a small random jitter; fatal failures are returned
// immediately and unchanged so the caller can surface remediation hints.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Class is the retry-relevant classification of an error.
type Class int

const (
	// Transient errors are expected to clear on their own and are retried.
	Transient Class = iota
	// Fatal errors will not clear without operator intervention and are
	// returned immediately.
	Fatal
)

// Classifier maps an operation error to a Class. A nil Classifier treats
// every error as Transient unless it carries the Fatal marker.
type Classifier func(error) Class

// ErrNotReady is recorded as the last error when Poll exhausts its
// attempts without the condition ever holding.
var ErrNotReady = errors.New("condition not yet met")

// Config holds backoff configuration.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// Jitter returns the random component added to a computed delay.
	// It is injectable so tests can pin delays exactly.
	Jitter func(delay time.Duration) time.Duration

	// OnAttempt is invoked after every failed attempt with the 1-based
	// attempt number and the error it produced.
	OnAttempt func(attempt int, err error)
}

// Option is a functional option for backoff configuration.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
		Jitter:      quarterJitter,
	}
}

// quarterJitter draws from [0, delay/4]. Keeping the jitter strictly
// below the doubling step preserves a strictly increasing delay sequence.
func quarterJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(delay)/4 + 1))
}

// Do executes operation until it succeeds, fails fatally, or exhausts
// MaxAttempts. The delay before attempt n+1 is min(MaxDelay, BaseDelay*2^(n-1))
// plus jitter. Context cancellation is respected between attempts; the
// attempt in flight is expected to honor ctx itself.
//
// Fatal errors (by classification or the Fatal marker) are returned
// unchanged. Exhaustion returns an *ExhaustedError wrapping the last error.
func Do(ctx context.Context, operation func(context.Context) error, classify Classifier, opts ...Option) error {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	delay := cfg.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := operation(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.OnAttempt != nil {
			cfg.OnAttempt(attempt, err)
		}

		if IsFatal(err) {
			return err
		}
		if classify != nil && classify(err) == Fatal {
			return err
		}

		if attempt < cfg.MaxAttempts {
			wait := delay
			if cfg.Jitter != nil {
				wait += cfg.Jitter(delay)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("cancelled after %d attempts: %w", attempt, ctx.Err())
			case <-time.After(wait):
				delay *= 2
				if delay > cfg.MaxDelay {
					delay = cfg.MaxDelay
				}
			}
		}
	}

	return &ExhaustedError{Attempts: cfg.MaxAttempts, Err: lastErr}
}

// Poll repeatedly evaluates check until it reports done. Errors from
// check are treated as "not yet" unless they carry the Fatal marker;
// this is the shape wanted when waiting out propagation delays, where a
// denial right now says nothing about a denial in a minute.
func Poll(ctx context.Context, check func(context.Context) (bool, error), opts ...Option) error {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	delay := cfg.BaseDelay
	lastErr := error(ErrNotReady)

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		done, err := check(ctx)
		if err == nil && done {
			return nil
		}
		if err != nil {
			lastErr = err
			if IsFatal(err) {
				return err
			}
		} else {
			lastErr = ErrNotReady
		}

		if cfg.OnAttempt != nil {
			cfg.OnAttempt(attempt, lastErr)
		}

		if attempt < cfg.MaxAttempts {
			wait := delay
			if cfg.Jitter != nil {
				wait += cfg.Jitter(delay)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("cancelled after %d attempts: %w", attempt, ctx.Err())
			case <-time.After(wait):
				delay *= 2
				if delay > cfg.MaxDelay {
					delay = cfg.MaxDelay
				}
			}
		}
	}

	return &ExhaustedError{Attempts: cfg.MaxAttempts, Err: lastErr}
}

// WithBaseDelay sets the delay before the first retry.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Config) {
		c.BaseDelay = d
	}
}

// WithMaxDelay caps the delay between attempts.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Config) {
		c.MaxDelay = d
	}
}

// WithMaxAttempts sets the total number of attempts, including the first.
func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxAttempts = n
		}
	}
}

// WithJitter replaces the jitter source. Passing a function that
// returns 0 makes delays deterministic.
func WithJitter(fn func(time.Duration) time.Duration) Option {
	return func(c *Config) {
		c.Jitter = fn
	}
}

// WithOnAttempt registers a callback invoked after each failed attempt.
func WithOnAttempt(fn func(attempt int, err error)) Option {
	return func(c *Config) {
		c.OnAttempt = fn
	}
}

// ExhaustedError reports that every attempt failed. It wraps the last
// error so sentinel checks keep working through it.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err is (or wraps) an ExhaustedError.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// FatalError wraps an error to mark it as fatal (non-retryable).
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// MarkFatal marks an error as fatal. Operations that return fatal errors
// are not retried regardless of the classifier.
func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal checks whether an error carries the fatal marker.
func IsFatal(err error) bool {
	var fatalErr *FatalError
	return errors.As(err, &fatalErr)
}
