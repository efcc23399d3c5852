// Package ledger records which visible side effects were already applied,
// and keeps the per-channel watermarks of recurring watches.
//
// Order of use for a side effect: Exists, then the remote call, then RecordIfNew.
// A crash between the call and the record repeats at most that one call.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/teranos/fleet/db"
	"github.com/teranos/fleet/errors"
)

// Key identifies one applied effect
type Key struct {
	Scope  string
	Target string
	Sub    string
}

func (k Key) String() string {
	if k.Sub == "" {
		return k.Scope + "/" + k.Target
	}
	return k.Scope + "/" + k.Target + "/" + k.Sub
}

// JobKey scopes an effect to a job: applying target once per job
func JobKey(jobID int64, target string) Key {
	return Key{Scope: "job:" + strconv.FormatInt(jobID, 10), Target: target}
}

// WatchKey scopes an effect to one item seen by one resource on a watched channel
func WatchKey(watchID, resourceID int64, channel, item string) Key {
	return Key{
		Scope:  "watch:" + strconv.FormatInt(watchID, 10),
		Target: channel + "#" + item,
		Sub:    "resource:" + strconv.FormatInt(resourceID, 10),
	}
}

// Ledger is the idempotency record store
type Ledger struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// New creates a ledger over the jobs database
func New(conn *sql.DB, dialect db.Dialect) *Ledger {
	return &Ledger{
		db:      conn,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RecordIfNew stores key and reports whether this call created it.
// Concurrent callers with the same key: exactly one sees true.
func (l *Ledger) RecordIfNew(ctx context.Context, k Key) (bool, error) {
	res, err := l.db.ExecContext(ctx, l.dialect.Rebind(`
		INSERT INTO idempotency_records (scope_key, target_key, sub_key, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (scope_key, target_key, sub_key) DO NOTHING`),
		k.Scope, k.Target, k.Sub, l.now())
	if err != nil {
		return false, ledgerErr(err, "failed to record effect", k)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ledgerErr(err, "failed to read affected rows", k)
	}
	return n == 1, nil
}

// Exists reports whether key was already recorded
func (l *Ledger) Exists(ctx context.Context, k Key) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, l.dialect.Rebind(`
		SELECT 1 FROM idempotency_records
		WHERE scope_key = ? AND target_key = ? AND sub_key = ?`),
		k.Scope, k.Target, k.Sub).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, ledgerErr(err, "failed to look up effect", k)
	}
	return true, nil
}

// Forget removes every record of a scope (operator cleanup after a job is deleted)
func (l *Ledger) Forget(ctx context.Context, scope string) (int64, error) {
	res, err := l.db.ExecContext(ctx, l.dialect.Rebind(`DELETE FROM idempotency_records WHERE scope_key = ?`), scope)
	if err != nil {
		return 0, ledgerErr(err, "failed to forget scope", Key{Scope: scope})
	}
	return res.RowsAffected()
}

func ledgerErr(err error, msg string, k Key) error {
	err = errors.Mark(errors.Wrap(err, msg), errors.ErrServiceUnavailable)
	return errors.WithDetail(err, fmt.Sprintf("Key: %s", k))
}
