package fault

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the platform core. Callers branch with errors.Is;
// wrapping adds context without losing the classification.
var (
	// ErrConnectionNotFound means the registry has no config under that name.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrPoolUnhealthy means the pool and any eligible backup are out of
	// service per the health monitor.
	ErrPoolUnhealthy = errors.New("pool unhealthy")

	// ErrPoolExhausted means an acquire waited the full timeout at max size.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrTenantNotFound means the tenant directory has no such tenant.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrTenantSuspended means the tenant exists but may not serve traffic.
	ErrTenantSuspended = errors.New("tenant suspended")

	// ErrUserNotFound means no identity matched any lookup identifier.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidSchema means a schema name failed validation and must never
	// reach SQL construction.
	ErrInvalidSchema = errors.New("invalid schema name")

	// ErrUndetermined marks an operation whose outcome is unknown because
	// the backing store or cache failed after retry. Distinct from a
	// negative answer: a denied permission check is (false, nil), never this.
	ErrUndetermined = errors.New("undetermined")
)

// Undetermined wraps a backing-store failure so callers can distinguish
// "the answer is no" from "no answer was obtainable".
func Undetermined(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrUndetermined, err))
}

// IsPermanent reports whether retrying cannot change the outcome. Sentinel
// classifications and cancellations are permanent; everything else is
// presumed transient.
func IsPermanent(err error) bool {
	switch {
	case errors.Is(err, ErrConnectionNotFound),
		errors.Is(err, ErrTenantNotFound),
		errors.Is(err, ErrTenantSuspended),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrInvalidSchema),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// RetryOnce runs fn, and on a transient failure runs it one more time after
// the backoff. Permanent failures and context cancellation short-circuit.
func RetryOnce(ctx context.Context, backoff time.Duration, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil || IsPermanent(err) {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
	}

	if retryErr := fn(ctx); retryErr != nil {
		return errors.Join(err, retryErr)
	}
	return nil
}
