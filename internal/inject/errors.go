package inject

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrInvalidInput is returned when an injector is executed with no
	// valid message or with inconsistent delivery information.
	ErrInvalidInput = errors.New("injector given invalid input")

	// ErrNoHandles is returned when no database connection could be
	// acquired for the injection transaction.
	ErrNoHandles = errors.New("no database handles available")
)

const uniqueViolationCode = "23505"

// uniqueViolation reports whether err is a unique-constraint violation on
// the named constraint. The injector treats those as benign races: another
// transaction inserted the same row first, and a re-select will find it.
func uniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == uniqueViolationCode &&
		pgErr.ConstraintName == constraint
}

func dbError(op string, err error) error {
	return fmt.Errorf("failed to %s: %w", op, err)
}
