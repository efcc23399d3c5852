// Package lock provides non-blocking per-resource mutual exclusion.
//
// At most one holder owns the lock of a (scope, resource) pair. TryLock never
// waits: a busy resource is skipped by the caller, not queued.
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/fleet/db"
	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/sym"
)

// Scope partitions lock space. Every built-in kind locks ScopeDefault, so one
// resource runs one operation at a time whichever job drives it. A job may opt
// into its own scope only when its calls cannot share a session with others.
type Scope int32

// ScopeDefault is the one global scope per resource
const ScopeDefault Scope = 1000

func (s Scope) String() string {
	return strconv.Itoa(int(s))
}

// ErrNotHeld is returned when unlocking a lock this process does not hold
var ErrNotHeld = errors.New("lock not held")

// Locker is the resource lock manager
type Locker interface {
	TryLock(ctx context.Context, resourceID int64, scope Scope) (bool, error)
	Unlock(ctx context.Context, resourceID int64, scope Scope) error
}

// Key returns the two-part advisory lock key. Postgres takes (int4, int4), so
// resource ids beyond int32 cannot be locked without colliding.
func Key(scope Scope, resourceID int64) (int32, int32, error) {
	if resourceID <= 0 || resourceID > math.MaxInt32 {
		return 0, 0, errors.NewInvalidRequestError("resource id %d is outside the lockable range", resourceID)
	}
	return int32(scope), int32(resourceID), nil
}

// New picks the backend for a dialect: advisory locks on Postgres, an
// in-process map otherwise.
func New(conn *sql.DB, dialect db.Dialect, logger *zap.SugaredLogger) Locker {
	if dialect == db.Postgres {
		return NewAdvisoryLocker(conn, logger)
	}
	return NewMemoryLocker()
}

type lockKey struct {
	scope Scope
	id    int64
}

// MemoryLocker holds locks in process memory
type MemoryLocker struct {
	mu   sync.Mutex
	held map[lockKey]struct{}
}

// NewMemoryLocker creates an empty in-process locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[lockKey]struct{})}
}

func (l *MemoryLocker) TryLock(_ context.Context, resourceID int64, scope Scope) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := lockKey{scope, resourceID}
	if _, busy := l.held[k]; busy {
		return false, nil
	}
	l.held[k] = struct{}{}
	return true, nil
}

func (l *MemoryLocker) Unlock(_ context.Context, resourceID int64, scope Scope) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := lockKey{scope, resourceID}
	if _, ok := l.held[k]; !ok {
		return errors.Wrapf(ErrNotHeld, "resource %d scope %d", resourceID, scope)
	}
	delete(l.held, k)
	return nil
}

// AdvisoryLocker uses Postgres session advisory locks. Each held lock pins
// its own connection, since the lock belongs to the session that took it.
type AdvisoryLocker struct {
	db     *sql.DB
	logger *zap.SugaredLogger

	mu   sync.Mutex
	held map[lockKey]*sql.Conn
}

// NewAdvisoryLocker creates a locker over a Postgres pool
func NewAdvisoryLocker(conn *sql.DB, logger *zap.SugaredLogger) *AdvisoryLocker {
	return &AdvisoryLocker{
		db:     conn,
		logger: logger.Named("lock"),
		held:   make(map[lockKey]*sql.Conn),
	}
}

func (l *AdvisoryLocker) TryLock(ctx context.Context, resourceID int64, scope Scope) (bool, error) {
	k := lockKey{scope, resourceID}
	hi, lo, err := Key(scope, resourceID)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	if _, busy := l.held[k]; busy {
		l.mu.Unlock()
		return false, nil
	}
	l.mu.Unlock()

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, errors.Mark(errors.Wrap(err, "failed to pin connection for lock"), errors.ErrServiceUnavailable)
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1, $2)`, hi, lo).Scan(&ok); err != nil {
		conn.Close()
		err = errors.Wrap(err, "pg_try_advisory_lock failed")
		return false, errors.WithDetail(err, fmt.Sprintf("Resource ID: %d", resourceID))
	}
	if !ok {
		conn.Close()
		return false, nil
	}

	l.mu.Lock()
	if _, busy := l.held[k]; busy {
		// Another goroutine of this process won meanwhile; give ours back.
		l.mu.Unlock()
		l.release(ctx, conn, k)
		return false, nil
	}
	l.held[k] = conn
	l.mu.Unlock()

	l.logger.Debugw(sym.Lock+" lock acquired", "resource_id", resourceID, "scope", scope)
	return true, nil
}

func (l *AdvisoryLocker) Unlock(ctx context.Context, resourceID int64, scope Scope) error {
	k := lockKey{scope, resourceID}

	l.mu.Lock()
	conn, ok := l.held[k]
	delete(l.held, k)
	l.mu.Unlock()

	if !ok {
		return errors.Wrapf(ErrNotHeld, "resource %d scope %d", resourceID, scope)
	}
	return l.release(ctx, conn, k)
}

func (l *AdvisoryLocker) release(ctx context.Context, conn *sql.Conn, k lockKey) error {
	defer conn.Close()

	// k was accepted by TryLock, so its key is in range
	hi, lo, _ := Key(k.scope, k.id)
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1, $2)`, hi, lo).Scan(&ok); err != nil {
		err = errors.Wrap(err, "pg_advisory_unlock failed")
		return errors.WithDetail(err, fmt.Sprintf("Resource ID: %d", k.id))
	}
	if !ok {
		l.logger.Warnw("Advisory lock was not held by its session", "resource_id", k.id, "scope", k.scope)
		return errors.Wrapf(ErrNotHeld, "resource %d scope %d", k.id, k.scope)
	}
	l.logger.Debugw(sym.Lock+" lock released", "resource_id", k.id, "scope", k.scope)
	return nil
}
