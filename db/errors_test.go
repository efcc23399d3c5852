package db

import (
	"database/sql"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"

	"github.com/teranos/fleet/errors"
)

func TestIsContention(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"sqlite locked wrapped", errors.Wrap(sqlite3.Error{Code: sqlite3.ErrLocked}, "claim"), true},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, true},
		{"pg lock not available", errors.Wrap(&pgconn.PgError{Code: "55P03"}, "claim"), true},
		{"pg syntax", &pgconn.PgError{Code: "42601"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsContention(tt.err))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}))
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
}

func TestIsDatabaseClosed(t *testing.T) {
	assert.False(t, IsDatabaseClosed(nil))
	assert.True(t, IsDatabaseClosed(errors.Wrap(ErrDatabaseClosed, "shutdown")))
	assert.True(t, IsDatabaseClosed(errors.Wrap(sql.ErrConnDone, "sql: database is closed")))
	assert.False(t, IsDatabaseClosed(sql.ErrNoRows))
}
