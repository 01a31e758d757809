// Package retry executes operations under the backoff policies produced by
// error classification.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config is one backoff policy: attempt count and delay shape.
type Config struct {
	// MaxAttempts includes the first attempt. Values <= 0 mean one attempt.
	MaxAttempts int
	// Initial is the delay after the first failure.
	Initial time.Duration
	// Max caps the delay between attempts.
	Max time.Duration
	// Factor multiplies the delay each attempt.
	Factor float64
	// Jitter randomizes each delay into [0.5, 1.5] of its base value.
	Jitter bool
}

func (c Config) sanitized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.Initial <= 0 {
		c.Initial = 500 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 10 * time.Second
	}
	if c.Factor <= 0 {
		c.Factor = 2.0
	}
	return c
}

// Result reports the outcome of a retried operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error, nil on success.
	Err error
	// TotalDelay is the accumulated sleep time across retries.
	TotalDelay time.Duration
}

// PermanentError marks an error that must not be retried even under a
// retryable policy.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to stop further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries the no-retry marker.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Do runs op under the policy, sleeping between failures. The context is
// checked before each attempt and during every sleep; cancellation is
// returned as the context error. The attempt number passed to op is
// 1-based.
func Do(ctx context.Context, cfg Config, op func(attempt int) error) Result {
	cfg = cfg.sanitized()
	var res Result
	delay := cfg.Initial

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		err := op(attempt)
		if err == nil {
			res.Err = nil
			return res
		}
		res.Err = err
		if IsPermanent(err) || attempt >= cfg.MaxAttempts {
			return res
		}

		sleep := delay
		if cfg.Jitter {
			sleep = time.Duration(float64(delay) * (0.5 + rand.Float64())) // #nosec G404 -- jitter needs no crypto randomness
		}
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			return res
		case <-time.After(sleep):
			res.TotalDelay += sleep
		}

		delay = time.Duration(float64(delay) * cfg.Factor)
		if delay > cfg.Max {
			delay = cfg.Max
		}
	}
	return res
}
