package errx

import (
	"context"
	"errors"
	"net/http"
)

// WrapSQLite maps database/sql errors from the SQLite stores to AppError.
func WrapSQLite(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return New(err, http.StatusServiceUnavailable, SQLiteErrorMessage)
	}
	return New(err, http.StatusInternalServerError, SQLiteErrorMessage)
}
