package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// TimeoutError reports a blocking operation that did not finish in time.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match.
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// Kind returns the error class used in result records.
func (e *TimeoutError) Kind() string { return "TimeoutError" }

// Bounded runs fn and waits at most d for it to return. When d expires first,
// abort is called (if non-nil) to unblock fn and a *TimeoutError is returned.
// A zero or negative d only honours ctx.
func Bounded(ctx context.Context, d time.Duration, op string, fn func() error, abort func()) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	var expired <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-expired:
		if abort != nil {
			abort()
		}
		return &TimeoutError{Op: op, After: d}
	case <-ctx.Done():
		if abort != nil {
			abort()
		}
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

// IsTimeout reports whether err was caused by an expired deadline, either a
// context deadline or an I/O deadline on a network connection.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
