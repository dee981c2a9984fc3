package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/apperror"
)

const openSessionIndex = "cash_register_single_open_idx"

// translate maps driver failures onto apperror kinds. Errors that already
// carry a kind pass through untouched.
func translate(err error, op string) error {
	if err == nil {
		return nil
	}
	if apperror.As(err) != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return apperror.Wrap(apperror.KindPersistenceTimeout, err, op)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return apperror.Wrap(apperror.KindPersistenceConflict, err, op)
	case "23505":
		if pgErr.ConstraintName == openSessionIndex {
			return apperror.Wrap(apperror.KindSessionAlreadyOpen, err, "a cash register session is already open")
		}
		return apperror.Wrap(apperror.KindAlreadyExists, err, op)
	case "57014":
		return apperror.Wrap(apperror.KindPersistenceTimeout, err, op)
	}
	return apperror.Wrap(apperror.KindInternal, err, op)
}
