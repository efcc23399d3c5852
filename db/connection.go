package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/fleet/am"
	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/sym"
)

// SQLiteBusyTimeoutMS is how long a SQLite writer waits on a locked database
const SQLiteBusyTimeoutMS = 5000

// sqliteDSN applies connection settings through the DSN so that every pooled
// connection gets them, not only the one that happened to run a PRAGMA.
// _txlock=immediate takes the write lock at BEGIN, so read-modify-write
// transactions cannot deadlock on lock upgrade.
func sqliteDSN(path string) string {
	return fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d&_txlock=immediate",
		path, SQLiteBusyTimeoutMS)
}

// Open opens a SQLite database at the specified path with WAL, foreign keys,
// busy timeout and immediate transactions.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "symbol", sym.DB)
	}
	db, err := sql.Open(string(SQLite), sqliteDSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.WithDetail(errors.Wrap(err, "failed to open database"), "Path: "+path)
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"symbol", sym.DB,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}
	return db, nil
}

// OpenPostgres opens a Postgres pool through pgx's database/sql driver.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := sql.Open(string(Postgres), dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.WithHint(errors.Wrap(err, "failed to reach postgres"),
			"check database.dsn or FLEET_DATABASE_DSN")
	}

	if logger != nil {
		logger.Infow("Database opened successfully", "driver", string(Postgres), "symbol", sym.DB)
	}
	return db, nil
}

// OpenWithMigrations opens a SQLite database and runs all pending migrations
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, SQLite, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}
	return db, nil
}

// Connect opens the configured store and migrates it.
func Connect(ctx context.Context, cfg am.DatabaseConfig, logger *zap.SugaredLogger) (*sql.DB, Dialect, error) {
	dialect, ok := ParseDialect(cfg.Driver)
	if !ok {
		return nil, "", errors.Newf("unsupported database driver %q", cfg.Driver)
	}

	var (
		conn *sql.DB
		err  error
	)
	if dialect == Postgres {
		conn, err = OpenPostgres(ctx, cfg.DSN, logger)
	} else {
		conn, err = Open(cfg.Path, logger)
	}
	if err != nil {
		return nil, "", err
	}

	if err := Migrate(conn, dialect, logger); err != nil {
		conn.Close()
		return nil, "", errors.Wrap(err, "failed to run migrations")
	}
	return conn, dialect, nil
}
