// Package retry provides the bounded retry combinator used for flaky UI and
// network waits. Every failure comes back as a *Failure carrying a typed reason,
// so callers never need catch-and-sleep loops of their own.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// Reason classifies why a retried operation gave up
type Reason string

const (
	ReasonExhausted Reason = "exhausted" // every attempt failed
	ReasonPermanent Reason = "permanent" // the operation reported a non-retryable error
	ReasonCancelled Reason = "cancelled" // the context ended first
)

// Policy bounds a retry loop
type Policy struct {
	Attempts int           // total attempts, including the first one
	Interval time.Duration // constant pause between attempts
}

// DefaultPolicy mirrors the UI wait defaults: three tries, 300ms apart.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Interval: 300 * time.Millisecond}
}

// Failure is returned when an operation did not succeed within its policy
type Failure struct {
	Reason   Reason
	Attempts int
	Err      error // last error seen
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", f.Reason, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Notify is called after a failed attempt that will be retried.
type Notify func(attempt int, err error, next time.Duration)

// Do runs op until it succeeds or the policy is exhausted.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	return DoNotify(ctx, p, op, nil)
}

// DoNotify is Do with a callback before each retry.
func DoNotify(ctx context.Context, p Policy, op func(ctx context.Context) error, notify Notify) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	var (
		attempts  int
		permanent bool
	)

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		var pe *backoff.PermanentError
		if errors.As(err, &pe) {
			permanent = true
			return pe
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(p.Attempts-1)),
		ctx,
	)

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, next time.Duration) {
			notify(attempts, err, next)
		}
	}

	err := backoff.RetryNotify(operation, b, onRetry)
	if err == nil {
		return nil
	}

	switch {
	case ctx.Err() != nil:
		return &Failure{Reason: ReasonCancelled, Attempts: attempts, Err: err}
	case permanent:
		return &Failure{Reason: ReasonPermanent, Attempts: attempts, Err: err}
	default:
		return &Failure{Reason: ReasonExhausted, Attempts: attempts, Err: err}
	}
}

// ReasonOf extracts the failure reason, or "" when err is not a *Failure.
func ReasonOf(err error) Reason {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ""
}
