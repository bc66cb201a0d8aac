package db

import (
	"strings"

	pkgerrors "github.com/angelmondragon/stayledger/pkg/errors"
)

const (
	pgUniqueViolation      = "23505"
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// IsUniqueViolation reports whether the provided error is a unique constraint
// violation. When constraintName is provided and the driver exposes it, the
// constraint must match.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if failure, ok := pkgerrors.SQLFailureOf(err); ok {
		if failure.State != pgUniqueViolation {
			return false
		}
		return constraintName == "" || failure.Constraint == "" || failure.Constraint == constraintName
	}
	msg := err.Error()
	if constraintName != "" && strings.Contains(msg, constraintName) {
		return true
	}
	return strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "UNIQUE constraint failed")
}

// IsLockNotAvailable reports whether the error means another transaction owns
// the row (NOWAIT refusal, serialization or deadlock abort, sqlite busy).
func IsLockNotAvailable(err error) bool {
	if err == nil {
		return false
	}
	if failure, ok := pkgerrors.SQLFailureOf(err); ok {
		switch failure.State {
		case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
