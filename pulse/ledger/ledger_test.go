package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/fleet/db"
	fleettest "github.com/teranos/fleet/internal/testing"
	"github.com/teranos/fleet/remote"
	"github.com/teranos/fleet/remote/remotetest"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, Key{Scope: "job:5", Target: "42"}, JobKey(5, "42"))
	assert.Equal(t, "job:5/42", JobKey(5, "42").String())

	k := WatchKey(9, 3, "news", "117")
	assert.Equal(t, "watch:9", k.Scope)
	assert.Equal(t, "news#117", k.Target)
	assert.Equal(t, "resource:3", k.Sub)
	assert.NotEqual(t, k, WatchKey(9, 4, "news", "117"))
}

// One side effect, two attempts: the second sees the record and never calls out.
func TestLedger_JobTargetAppliedOnce(t *testing.T) {
	ctx := context.Background()
	l := New(fleettest.CreateTestDB(t), db.SQLite)
	client := remotetest.New()
	h, err := client.Connect(ctx, remote.Resource{ID: 1})
	require.NoError(t, err)

	key := JobKey(5, "42")
	apply := func() bool {
		done, err := l.Exists(ctx, key)
		require.NoError(t, err)
		if done {
			return false
		}
		_, err = client.Invoke(ctx, h, remote.Action{Name: "join"}, "42")
		require.NoError(t, err)
		created, err := l.RecordIfNew(ctx, key)
		require.NoError(t, err)
		return created
	}

	assert.True(t, apply())
	assert.False(t, apply())
	assert.Equal(t, 1, client.CallsFor("42"))

	created, err := l.RecordIfNew(ctx, key)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestLedger_ConcurrentRecord(t *testing.T) {
	ctx := context.Background()
	l := New(fleettest.CreateFileTestDB(t), db.SQLite)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.RecordIfNew(ctx, JobKey(1, "same"))
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestLedger_Forget(t *testing.T) {
	ctx := context.Background()
	l := New(fleettest.CreateTestDB(t), db.SQLite)

	for _, target := range []string{"a", "b"} {
		_, err := l.RecordIfNew(ctx, JobKey(7, target))
		require.NoError(t, err)
	}
	_, err := l.RecordIfNew(ctx, JobKey(8, "a"))
	require.NoError(t, err)

	n, err := l.Forget(ctx, "job:7")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ok, err := l.Exists(ctx, JobKey(7, "a"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = l.Exists(ctx, JobKey(8, "a"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWatermarks_Monotonic(t *testing.T) {
	ctx := context.Background()
	w := NewWatermarks(fleettest.CreateTestDB(t), db.SQLite)

	pos, err := w.Get(ctx, 1, 2, "news")
	require.NoError(t, err)
	assert.Zero(t, pos)

	steps := []struct {
		advance int64
		want    int64
	}{
		{10, 10},
		{7, 10},
		{10, 10},
		{25, 25},
		{0, 25},
	}
	for _, s := range steps {
		got, err := w.Advance(ctx, 1, 2, "news", s.advance)
		require.NoError(t, err)
		assert.Equal(t, s.want, got, "advance to %d", s.advance)
	}

	pos, err = w.Get(ctx, 1, 2, "news")
	require.NoError(t, err)
	assert.Equal(t, int64(25), pos)

	_, err = w.Advance(ctx, 1, 3, "news", 4)
	require.NoError(t, err)
	_, err = w.Advance(ctx, 2, 2, "news", 99)
	require.NoError(t, err)

	list, err := w.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(2), list[0].ResourceID)
	assert.Equal(t, int64(25), list[0].Position)
	assert.Equal(t, int64(3), list[1].ResourceID)
	assert.Equal(t, int64(4), list[1].Position)
}
