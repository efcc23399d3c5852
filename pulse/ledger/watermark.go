package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/fleet/db"
	"github.com/teranos/fleet/errors"
)

// Watermark is the last fully handled position of one channel for one resource
type Watermark struct {
	WatchID    int64     `json:"watch_id"`
	ResourceID int64     `json:"resource_id"`
	Channel    string    `json:"channel"`
	Position   int64     `json:"position"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Watermarks stores positions that never move backwards
type Watermarks struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// NewWatermarks creates a watermark store over the jobs database
func NewWatermarks(conn *sql.DB, dialect db.Dialect) *Watermarks {
	return &Watermarks{
		db:      conn,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the position for (watch, resource, channel); 0 when never advanced
func (w *Watermarks) Get(ctx context.Context, watchID, resourceID int64, channel string) (int64, error) {
	var pos int64
	err := w.db.QueryRowContext(ctx, w.dialect.Rebind(`
		SELECT position FROM watermarks
		WHERE watch_id = ? AND resource_id = ? AND channel_key = ?`),
		watchID, resourceID, channel).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, watermarkErr(err, "failed to read watermark", watchID)
	}
	return pos, nil
}

// Advance raises the watermark to position and returns the stored value.
// A lower position leaves the stored one unchanged.
func (w *Watermarks) Advance(ctx context.Context, watchID, resourceID int64, channel string, position int64) (int64, error) {
	var stored int64
	err := w.db.QueryRowContext(ctx, w.dialect.Rebind(`
		INSERT INTO watermarks (watch_id, resource_id, channel_key, position, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (watch_id, resource_id, channel_key) DO UPDATE SET
			position = CASE WHEN excluded.position > watermarks.position
				THEN excluded.position ELSE watermarks.position END,
			updated_at = excluded.updated_at
		RETURNING position`),
		watchID, resourceID, channel, position, w.now()).Scan(&stored)
	if err != nil {
		err = watermarkErr(err, "failed to advance watermark", watchID)
		return 0, errors.WithDetail(err, fmt.Sprintf("Channel: %s, Position: %d", channel, position))
	}
	return stored, nil
}

// List returns every watermark of a watch ordered by resource and channel
func (w *Watermarks) List(ctx context.Context, watchID int64) ([]Watermark, error) {
	rows, err := w.db.QueryContext(ctx, w.dialect.Rebind(`
		SELECT watch_id, resource_id, channel_key, position, updated_at
		FROM watermarks WHERE watch_id = ?
		ORDER BY resource_id, channel_key`), watchID)
	if err != nil {
		return nil, watermarkErr(err, "failed to list watermarks", watchID)
	}
	defer rows.Close()

	var out []Watermark
	for rows.Next() {
		var wm Watermark
		if err := rows.Scan(&wm.WatchID, &wm.ResourceID, &wm.Channel, &wm.Position, &wm.UpdatedAt); err != nil {
			return nil, watermarkErr(err, "failed to scan watermark", watchID)
		}
		wm.UpdatedAt = wm.UpdatedAt.UTC()
		out = append(out, wm)
	}
	if err := rows.Err(); err != nil {
		return nil, watermarkErr(err, "failed to iterate watermarks", watchID)
	}
	return out, nil
}

func watermarkErr(err error, msg string, watchID int64) error {
	err = errors.Mark(errors.Wrap(err, msg), errors.ErrServiceUnavailable)
	return errors.WithDetail(err, fmt.Sprintf("Watch ID: %d", watchID))
}
