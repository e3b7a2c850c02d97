package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/Ramsey-B/clover/pkg/linkerr"
)

// postgres error classes we react to
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Classify maps a driver error onto the linking error taxonomy. sql.ErrNoRows
// becomes NotFound, serialization failures and unique violations become
// conflicts, constraint violations become validation errors and everything
// else is treated as transient.
func Classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return linkerr.NotFound("%s", msg)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
			return linkerr.Conflict(err, "%s", msg)
		case codeForeignKeyViolation, codeCheckViolation:
			return linkerr.Validation("%s: %s", msg, pqErr.Message)
		}
	}
	return linkerr.Transient(err, "%s", msg)
}
