package db

import (
	"strconv"
	"strings"
)

// Dialect identifies the SQL flavour of a store connection.
// Its value is the database/sql driver name.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "pgx"
)

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(driver string) (Dialect, bool) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return SQLite, true
	case "pgx", "postgres", "postgresql":
		return Postgres, true
	}
	return "", false
}

// Rebind rewrites ? placeholders into the dialect's form.
// Queries are written once with ? and rebound for Postgres ($1, $2, ...).
// Question marks inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Placeholders returns n comma separated ? placeholders for IN lists.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (d Dialect) migrationsDir() string {
	if d == Postgres {
		return "postgres/migrations"
	}
	return "sqlite/migrations"
}
