package db2

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/500Foods/Philement-sub001/internal/errs"
)

// The CLI driver surfaces server errors as strings carrying SQLSTATE
// markers, so classification is by substring on the state class.
func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return errs.Wrap(err, errs.ErrKindNotFound, "record not found")
	}
	if errors.Is(err, sql.ErrConnDone) {
		return errs.Wrap(err, errs.ErrKindConnectionFailed, "database connection failed")
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(err, errs.ErrKindTimeout, msg)
	}

	text := err.Error()
	switch {
	case strings.Contains(text, "SQLSTATE=08"):
		return errs.Wrap(err, errs.ErrKindConnectionFailed, "database connection failed")
	case strings.Contains(text, "SQLSTATE=57014"):
		return errs.Wrap(err, errs.ErrKindTimeout, "query canceled")
	case strings.Contains(text, "SQLSTATE=40"):
		return errs.Wrap(err, errs.ErrKindConflict, "transaction conflict")
	case strings.Contains(text, "SQLSTATE=42"):
		return errs.Wrap(err, errs.ErrKindQueryFailed, text)
	}

	return errs.Wrap(err, errs.ErrKindUnknown, msg)
}
