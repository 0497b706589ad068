package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ariefcatur/go-tenant-orders/internal/apperr"
)

const (
	pgDeadlock          = "40P01"
	pgSerialization     = "40001"
	pgLockNotAvailable  = "55P03"
	pgQueryCanceled     = "57014"
	pgCheckViolation    = "23514"
	pgForeignKeyViolate = "23503"
)

// classify turns driver errors into coded errors. Errors that already carry a code pass through.
// notFound is used for pgx.ErrNoRows; pass "" where no rows is unexpected.
func classify(err error, notFound apperr.Code, msg string) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) && notFound != "" {
		return apperr.Wrap(notFound, msg+": not found", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.CodeTransient, msg+": timed out", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgDeadlock, pgSerialization, pgLockNotAvailable, pgQueryCanceled:
			return apperr.Wrap(apperr.CodeTransient, msg+": concurrent update, retry", err)
		case pgCheckViolation:
			// the products reserved <= stock check is the last line of defence against oversell
			return apperr.Wrap(apperr.CodeTransient, msg+": constraint changed underneath, retry", err)
		case pgForeignKeyViolate:
			return apperr.Wrap(apperr.CodeValidation, msg+": referenced row does not exist", err)
		}
	}
	return apperr.Wrap(apperr.CodeInternal, msg, err)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
