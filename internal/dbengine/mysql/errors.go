package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/500Foods/Philement-sub001/internal/errs"
)

// MySQL server error numbers relevant to this engine.
// https://dev.mysql.com/doc/mysql-errors/8.0/en/server-error-reference.html
const (
	myErrParseError       = 1064
	myErrNoSuchTable      = 1146
	myErrBadFieldError    = 1054
	myErrLockDeadlock     = 1213
	myErrLockWaitTimeout  = 1205
	myErrQueryInterrupted = 1317
)

func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return errs.Wrap(err, errs.ErrKindNotFound, "record not found")
	}
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return errs.Wrap(err, errs.ErrKindConnectionFailed, "database connection failed")
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(err, errs.ErrKindTimeout, msg)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case myErrParseError, myErrNoSuchTable, myErrBadFieldError:
			return errs.Wrap(err, errs.ErrKindQueryFailed, fmt.Sprintf("query error: %s", myErr.Message))
		case myErrLockDeadlock:
			return errs.Wrap(err, errs.ErrKindConflict, "deadlock detected")
		case myErrLockWaitTimeout, myErrQueryInterrupted:
			return errs.Wrap(err, errs.ErrKindTimeout, myErr.Message)
		}
	}

	return errs.Wrap(err, errs.ErrKindUnknown, msg)
}
