package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// IsUniqueViolation reports whether err is a unique-constraint violation
// from Postgres or SQLite. Callers treat it as "another writer won" and
// re-read the existing row.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	// modernc.org/sqlite reports "constraint failed: UNIQUE constraint failed: ..."
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
