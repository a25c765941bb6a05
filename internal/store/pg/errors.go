package pg

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"edunexus.org/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrQueryCanceled       = "57014"
	pgErrTooManyConnections  = "53300"
)

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// classify maps driver errors onto the auth taxonomy. Anything that is not a known
// data condition is an infrastructure failure and fails closed.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if pgErr, ok := maybePgError(err); ok {
		switch {
		case pgErr.Code == pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", auth.ErrConflict, pgErr.ConstraintName)
		case pgErr.Code == pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s", auth.ErrNotFound, pgErr.ConstraintName)
		case pgErr.Code == pgErrQueryCanceled, pgErr.Code == pgErrTooManyConnections,
			strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return auth.Unavailable(op, err)
		}
		return fmt.Errorf("pg: %s: %w", op, err)
	}
	// connection failures, timeouts, cancellation and anything the driver reports
	// without a SQLSTATE
	return auth.Unavailable(op, err)
}
