// Package storeerr classifies database driver errors for the SQL store adapters.
package storeerr

import (
	"context"
	"database/sql/driver"
	"errors"
	"slices"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolationCode = "23505"

// IsUniqueViolation reports whether err is a postgres unique violation on one of constraints.
// With no constraints any unique violation matches.
func IsUniqueViolation(err error, constraints ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolationCode {
		return false
	}
	return len(constraints) == 0 || slices.Contains(constraints, pgErr.ConstraintName)
}

// IsTransient reports failures a caller may retry: timeouts, cancellations and dropped connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	return pgconn.Timeout(err) || pgconn.SafeToRetry(err)
}

// Classify marks transient failures with wallet.ErrStoreUnavailable and returns others unchanged.
func Classify(err error) error {
	if IsTransient(err) {
		return wallet.Unavailable(err)
	}
	return err
}
