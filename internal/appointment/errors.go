package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrIllegalTransition   = errors.New("illegal status transition")
	ErrConflict            = errors.New("lost a concurrent booking race, re-fetch and retry")
	ErrPersistence         = errors.New("persistence failure")
	ErrNotTerminal         = errors.New("appointment is still in progress")
	ErrInvalidRequest      = errors.New("invalid appointment request")
)

// Postgres error codes that mean a concurrent writer won.
var conflictCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement_timeout while waiting for the lock)
	"23P01": true, // exclusion_violation on booked ranges
}

// storageErr classifies a database error. Lost races become ErrConflict so
// the caller re-reads; everything else is surfaced as ErrPersistence and is
// never retried here.
func storageErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if conflictCodes[pgErr.Code] {
			return fmt.Errorf("%s: %w", op, ErrConflict)
		}
		if pgErr.Code == "23503" { // foreign_key_violation
			return fmt.Errorf("%s: %w: unknown %s", op, ErrInvalidRequest, pgErr.ConstraintName)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
