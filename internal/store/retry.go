package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrStoreBusy is returned after a busy-class database error survives all
// retry attempts. Callers treat it as transient and try again next cycle.
var ErrStoreBusy = errors.New("store is busy")

const (
	retryMaxTries        = 5
	retryInitialInterval = 100 * time.Millisecond
)

// Busy-class PostgreSQL error codes: lock not available, serialization
// failure, deadlock detected.
var busyPgCodes = map[string]bool{
	"55P03": true,
	"40001": true,
	"40P01": true,
}

// IsBusy reports whether err is a contention error worth retrying.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return busyPgCodes[pgErr.Code]
	}
	if errors.Is(err, ErrStoreBusy) {
		return true
	}
	// pgx reports concurrent use of a single connection as "conn busy"
	// without a SQLSTATE code.
	return strings.Contains(err.Error(), "conn busy")
}

// RetryOnBusy runs op, retrying with exponential backoff while it fails with
// a busy-class error. Non-busy errors propagate immediately. After exhausting
// the attempts the error is wrapped in ErrStoreBusy so callers can
// distinguish contention from hard failures.
func RetryOnBusy[T any](ctx context.Context, logger *zap.Logger, op func() (T, error)) (T, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	attempt := 0
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = retryInitialInterval

	result, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, opErr := op()
		if opErr == nil {
			return v, nil
		}
		if !IsBusy(opErr) {
			return v, backoff.Permanent(opErr)
		}
		logger.Warn("store busy, will retry",
			zap.Int("attempt", attempt),
			zap.Error(opErr))
		return v, opErr
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(retryMaxTries))

	if err != nil && IsBusy(err) && !errors.Is(err, ErrStoreBusy) {
		return result, fmt.Errorf("%w: %s", ErrStoreBusy, err)
	}
	return result, err
}
