// Package retry re-executes fallible operations with a bounded number of
// attempts and a growing delay between them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is matched (with errors.Is) by errors returned after the last allowed attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// DelayFunc returns the wait before the next attempt, given the number of the attempt that just failed.
type DelayFunc func(attempt int) time.Duration

// Linear returns a DelayFunc waiting attempt * base.
func Linear(base time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * base
	}
}

// Policy ...
type Policy struct {
	MaxAttempts int
	Delay       DelayFunc
}

// Error is the terminal failure of a retried operation.
type Error struct {
	Op        string
	Attempts  int
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	if e.Permanent {
		return fmt.Sprintf("%s: permanent failure on attempt %d: %s", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: failed after %d attempts: %s", e.Op, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports exhaustion for non-permanent failures.
func (e *Error) Is(target error) bool {
	return target == ErrExhausted && !e.Permanent
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return true
	}
	var retryErr *Error
	return errors.As(err, &retryErr) && retryErr.Permanent
}

// Operation is a single attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Engine runs operations under a Policy.
type Engine struct {
	policy Policy
	logger log.Logger
	timer  backoff.Timer
}

// New creates an Engine. A MaxAttempts below 1 is treated as 1 and a nil Delay as no wait.
func New(policy Policy, logger log.Logger) *Engine {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Delay == nil {
		policy.Delay = Linear(0)
	}
	return &Engine{
		policy: policy,
		logger: logger,
	}
}

// MaxAttempts ...
func (e *Engine) MaxAttempts() int {
	return e.policy.MaxAttempts
}

// Do runs fn until it succeeds, returns a permanent error, the context is
// done, or MaxAttempts attempts have failed.
// Terminal failures are returned as *Error; a done context returns the context error.
func (e *Engine) Do(ctx context.Context, op string, fn Operation) error {
	attempt := 0
	permanent := false

	operation := func() error {
		attempt++
		err := fn(ctx, attempt)
		if err != nil && IsPermanent(err) {
			permanent = true
			var permErr *backoff.PermanentError
			if errors.As(err, &permErr) {
				return permErr
			}
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		e.logger.Warnf("%s: attempt %d/%d failed: %s (retrying in %s)", op, attempt, e.policy.MaxAttempts, err, wait)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{delay: e.policy.Delay}, uint64(e.policy.MaxAttempts-1)),
		ctx,
	)

	err := backoff.RetryNotifyWithTimer(operation, b, notify, e.timer)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !permanent {
		return ctxErr
	}

	return &Error{
		Op:        op,
		Attempts:  attempt,
		Permanent: permanent,
		Err:       err,
	}
}

// linearBackOff adapts a DelayFunc to backoff.BackOff.
type linearBackOff struct {
	delay   DelayFunc
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.delay(b.attempt)
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
