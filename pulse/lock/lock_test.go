package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/fleet/db"
	"github.com/teranos/fleet/errors"
)

// isolated is an opt-in scope for kinds that never share a session
const isolated Scope = 2000

func TestKey(t *testing.T) {
	hi, lo, err := Key(ScopeDefault, 7)
	require.NoError(t, err)
	assert.Equal(t, int32(1000), hi)
	assert.Equal(t, int32(7), lo)

	t.Run("ids beyond int32 are refused instead of folded", func(t *testing.T) {
		_, _, err := Key(ScopeDefault, 1<<32+1)
		require.Error(t, err)
		assert.True(t, errors.IsInvalidRequestError(err))

		_, _, err = Key(ScopeDefault, 0)
		assert.Error(t, err)
	})
}

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	ok, err := l.TryLock(ctx, 1, ScopeDefault)
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("busy resource is refused without waiting", func(t *testing.T) {
		ok, err := l.TryLock(ctx, 1, ScopeDefault)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("other scope is independent", func(t *testing.T) {
		ok, err := l.TryLock(ctx, 1, isolated)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, l.Unlock(ctx, 1, isolated))
	})

	t.Run("unlock frees the resource", func(t *testing.T) {
		require.NoError(t, l.Unlock(ctx, 1, ScopeDefault))
		ok, err := l.TryLock(ctx, 1, ScopeDefault)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, l.Unlock(ctx, 1, ScopeDefault))
	})

	t.Run("unlock of a free lock", func(t *testing.T) {
		assert.True(t, errors.Is(l.Unlock(ctx, 2, ScopeDefault), ErrNotHeld))
	})
}

func TestMemoryLocker_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	var holders, maxHolders, acquired atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				ok, err := l.TryLock(ctx, 42, ScopeDefault)
				assert.NoError(t, err)
				if !ok {
					continue
				}
				acquired.Add(1)
				n := holders.Add(1)
				for {
					m := maxHolders.Load()
					if n <= m || maxHolders.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Microsecond)
				holders.Add(-1)
				assert.NoError(t, l.Unlock(ctx, 42, ScopeDefault))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxHolders.Load())
	assert.Greater(t, acquired.Load(), int32(0))
}

func TestAdvisoryLocker(t *testing.T) {
	ctx := context.Background()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	l := New(conn, db.Postgres, zaptest.NewLogger(t).Sugar())
	require.IsType(t, &AdvisoryLocker{}, l)
	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1, \$2\)`).
		WithArgs(int64(1000), int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))

	ok, err := l.TryLock(ctx, 5, ScopeDefault)
	require.NoError(t, err)
	assert.True(t, ok)

	// Held in this process: refused without a round trip.
	ok, err = l.TryLock(ctx, 5, ScopeDefault)
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery(`SELECT pg_advisory_unlock\(\$1, \$2\)`).
		WithArgs(int64(1000), int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))
	require.NoError(t, l.Unlock(ctx, 5, ScopeDefault))

	t.Run("held by another session", func(t *testing.T) {
		mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1, \$2\)`).
			WithArgs(int64(2000), int64(6)).
			WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

		ok, err := l.TryLock(ctx, 6, isolated)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("resources 1 and 1<<32+1 do not share a lock", func(t *testing.T) {
		ok, err := l.TryLock(ctx, 1<<32+1, ScopeDefault)
		require.Error(t, err)
		assert.False(t, ok)
	})

	t.Run("unlock without lock", func(t *testing.T) {
		assert.True(t, errors.Is(l.Unlock(ctx, 9, ScopeDefault), ErrNotHeld))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPicksMemoryForSQLite(t *testing.T) {
	l := New(nil, db.SQLite, zaptest.NewLogger(t).Sugar())
	assert.IsType(t, &MemoryLocker{}, l)
}
