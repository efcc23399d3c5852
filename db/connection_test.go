package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/fleet/am"
	"github.com/teranos/fleet/errors"
)

func TestOpen(t *testing.T) {
	t.Run("opens database successfully", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		var journalMode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)

		var foreignKeys int
		require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 1, foreignKeys)

		var busyTimeout int
		require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/db.sqlite", nil)
		require.Error(t, err)
		assert.Nil(t, db)
		assert.NotNil(t, errors.GetReportableStackTrace(err), "error should have stack trace from errors.Wrap")
	})

	t.Run("creates database file if it doesn't exist", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "new.db")
		_, err := os.Stat(dbPath)
		assert.True(t, os.IsNotExist(err))

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
	})
}

func TestConnect(t *testing.T) {
	t.Run("sqlite from config", func(t *testing.T) {
		cfg := am.DatabaseConfig{Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "fleet.db")}
		conn, dialect, err := Connect(context.Background(), cfg, nil)
		require.NoError(t, err)
		defer conn.Close()

		assert.Equal(t, SQLite, dialect)
		var n int
		require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM jobs").Scan(&n))
		assert.Zero(t, n)
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, _, err := Connect(context.Background(), am.DatabaseConfig{Driver: "oracle"}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "oracle")
	})
}
