package commands

import (
	"context"
	"database/sql"

	"github.com/teranos/fleet/am"
	"github.com/teranos/fleet/db"
	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/logger"
	"github.com/teranos/fleet/pulse/async"
	"github.com/teranos/fleet/pulse/resource"
)

// store bundles an open, migrated connection with the components the
// one-shot commands need
type store struct {
	conn     *sql.DB
	dialect  db.Dialect
	queue    *async.Queue
	registry *resource.Registry
}

// openStore loads config, then opens and migrates the configured database
func openStore(ctx context.Context) (*am.Config, *store, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load config")
	}
	conn, dialect, err := db.Connect(ctx, cfg.Database, logger.Logger)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %s database", cfg.Database.Driver)
	}
	return cfg, &store{
		conn:     conn,
		dialect:  dialect,
		queue:    async.NewQueue(async.NewStore(conn, dialect)),
		registry: resource.NewRegistry(conn, dialect, logger.Logger),
	}, nil
}

func (s *store) Close() error {
	return s.conn.Close()
}
