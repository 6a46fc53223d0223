// Package retry runs an operation under a bounded exponential backoff
// policy. Failures are classified as transient (retried) or permanent
// (returned immediately).
package retry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"time"
)

// Class is the retry classification of an error.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// PermanentError marks an error that must not be retried, such as an
// authentication failure or a configuration the server rejects.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Classify reports it as permanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return err
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return Classify(err) == ClassPermanent
}

// ExhaustedError is returned when every attempt failed transiently.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Classify reports whether err is worth retrying. Errors explicitly marked
// with Permanent, certificate failures and malformed addresses are
// permanent; everything else (timeouts, refused or reset connections,
// deadlocks) is transient and bounded by the policy.
func Classify(err error) Class {
	var (
		pe   *PermanentError
		cert *tls.CertificateVerificationError
		addr *net.AddrError
	)
	switch {
	case errors.As(err, &pe), errors.As(err, &cert), errors.As(err, &addr):
		return ClassPermanent
	}
	return ClassTransient
}

// Policy bounds the retries of one operation.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff returns the un-jittered delay before attempt+1, i.e. after the
// given failed attempt: BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// jitter spreads d uniformly over [d/2, d].
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half+1)
}

// Execute calls op until it succeeds, fails permanently, the context is done
// or MaxAttempts is reached. It returns the number of attempts made.
//
// Permanent failures are returned as *PermanentError, exhausted transient
// failures as *ExhaustedError.
func Execute[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, int, error) {
	var zero T
	maxAttempts := max(p.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, attempt, fmt.Errorf("%w: %w", ctxErr, err)
		}
		if Classify(err) == ClassPermanent {
			return zero, attempt, Permanent(err)
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}

		t := time.NewTimer(jitter(p.Backoff(attempt)))
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, attempt, fmt.Errorf("%w: %w", ctx.Err(), err)
		case <-t.C:
		}
	}
	return zero, maxAttempts, &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}
