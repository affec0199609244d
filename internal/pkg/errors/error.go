package xerrors

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Common reusable application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict: resource already exists")
)

// Idempotency and reconciliation outcomes
var (
	ErrValidation              = errors.New("missing required correlation fields")
	ErrDuplicateDetected       = errors.New("duplicate subscription detected")
	ErrLockContention          = errors.New("lock held by another operation")
	ErrOperationFailed         = errors.New("guarded operation failed")
	ErrReconciliationAmbiguous = errors.New("no confident subscription match")
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// IsUniqueViolation reports whether err is a Postgres unique constraint failure.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
