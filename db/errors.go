package db

import (
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/teranos/fleet/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database.
// This typically occurs during graceful shutdown when the database connection
// is closed before all goroutines have finished their work.
var ErrDatabaseClosed = errors.New("database is closed")

// Postgres SQLSTATEs that mean "another transaction got there first"
const (
	pgSerializationFailure = "40001"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
)

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// The string fallback covers database/sql's own unexported error.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "sql: database is closed")
}

// IsContention reports whether err is lock contention that a later retry can succeed past:
// SQLITE_BUSY / SQLITE_LOCKED, or Postgres serialization failure / lock not available.
func IsContention(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgLockNotAvailable
	}
	return false
}

// IsUniqueViolation reports whether err is a primary key or unique constraint conflict.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}
