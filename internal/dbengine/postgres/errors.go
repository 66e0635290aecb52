package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/500Foods/Philement-sub001/internal/errs"
)

// PostgreSQL SQLSTATE classes and codes relevant to this engine.
// Full list: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgClassConnection     = "08"    // connection exception
	pgErrQueryCanceled    = "57014" // statement timeout or cancel
	pgErrSyntaxError      = "42601"
	pgErrUndefinedTable   = "42P01"
	pgErrUndefinedColumn  = "42703"
	pgErrSerializeFailure = "40001"
	pgErrDeadlockDetected = "40P01"
)

// mapError converts a pgx error into an errs error with a kind the upper
// layers can act on.
func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return errs.Wrap(err, errs.ErrKindNotFound, "record not found")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, pgClassConnection):
			return errs.Wrap(err, errs.ErrKindConnectionFailed, "database connection failed")
		case pgErr.Code == pgErrQueryCanceled:
			return errs.Wrap(err, errs.ErrKindTimeout, "query canceled")
		case pgErr.Code == pgErrSerializeFailure, pgErr.Code == pgErrDeadlockDetected:
			return errs.Wrap(err, errs.ErrKindConflict, fmt.Sprintf("transaction conflict: %s", pgErr.Message))
		case pgErr.Code == pgErrSyntaxError, pgErr.Code == pgErrUndefinedTable, pgErr.Code == pgErrUndefinedColumn:
			return errs.Wrap(err, errs.ErrKindQueryFailed, fmt.Sprintf("query error: %s", pgErr.Message))
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(err, errs.ErrKindTimeout, msg)
	}
	return errs.Wrap(err, errs.ErrKindUnknown, msg)
}
