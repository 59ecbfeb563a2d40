package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// IsConflict reports whether err is a storage-level write conflict: a unique
// constraint violation, a serialization failure or a locked SQLite database.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgSerializationFailure, pgDeadlockDetected:
			return true
		}
		return false
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint"),
		strings.Contains(msg, "duplicate key"),
		strings.Contains(msg, "SQLITE_BUSY"),
		strings.Contains(msg, "SQLITE_LOCKED"),
		strings.Contains(msg, "database is locked"):
		return true
	}
	return false
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}
