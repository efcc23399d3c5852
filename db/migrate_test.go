package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	t.Run("creates every table", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, SQLite, nil))

		for _, table := range []string{"schema_migrations", "jobs", "resources", "idempotency_records", "watermarks"} {
			var exists int
			err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&exists)
			require.NoError(t, err)
			assert.Equal(t, 1, exists, "table %s should exist", table)
		}

		var versions int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
		assert.Equal(t, 4, versions)
	})

	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, SQLite, nil))
		require.NoError(t, Migrate(db, SQLite, nil), "running migrations multiple times should be safe")
	})

	t.Run("closed database", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		err = Migrate(db, SQLite, nil)
		require.Error(t, err)
		assert.True(t, IsDatabaseClosed(err))
	})

	t.Run("postgres migrations are embedded", func(t *testing.T) {
		entries, err := migrations.ReadDir(Postgres.migrationsDir())
		require.NoError(t, err)
		assert.Len(t, entries, 4)
	})
}
