package remotetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/fleet/remote"
)

func TestClient_Scripts(t *testing.T) {
	ctx := context.Background()
	c := New()
	c.Script(1, "t1", &remote.RateLimitedError{RetryAfter: time.Second}, nil)
	c.FailTarget("gone", &remote.TargetError{Reason: "private"})
	c.SkipTarget("dup")

	h, err := c.Connect(ctx, remote.Resource{ID: 1})
	require.NoError(t, err)

	_, err = c.Invoke(ctx, h, remote.Action{Name: "join"}, "t1")
	var rl *remote.RateLimitedError
	require.ErrorAs(t, err, &rl)

	_, err = c.Invoke(ctx, h, remote.Action{Name: "join"}, "t1")
	require.NoError(t, err)

	_, err = c.Invoke(ctx, h, remote.Action{Name: "join"}, "gone")
	var te *remote.TargetError
	require.ErrorAs(t, err, &te)

	res, err := c.Invoke(ctx, h, remote.Action{Name: "join"}, "dup")
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	assert.Equal(t, 2, c.CallsFor("t1"))
	assert.Len(t, c.Calls(), 4)
}

func TestClient_FailResourceAfter(t *testing.T) {
	ctx := context.Background()
	c := New()
	c.FailResourceAfter(7, 2, &remote.InvalidResourceError{Status: remote.StatusBanned, Reason: "banned"})
	h, err := c.Connect(ctx, remote.Resource{ID: 7})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.Invoke(ctx, h, remote.Action{Name: "react"}, "x")
		require.NoError(t, err)
	}
	_, err = c.Invoke(ctx, h, remote.Action{Name: "react"}, "y")
	var ir *remote.InvalidResourceError
	require.ErrorAs(t, err, &ir)
	assert.Equal(t, remote.StatusBanned, ir.Status)
}

func TestClient_LatencyHonoursContext(t *testing.T) {
	c := New()
	c.SetLatency(time.Hour)
	h, err := c.Connect(context.Background(), remote.Resource{ID: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Invoke(ctx, h, remote.Action{Name: "join"}, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_FetchSince(t *testing.T) {
	c := New()
	c.AddItems("news", remote.Item{Position: 3, Key: "c"}, remote.Item{Position: 1, Key: "a"}, remote.Item{Position: 2, Key: "b"})
	h, err := c.Connect(context.Background(), remote.Resource{ID: 1})
	require.NoError(t, err)

	items, err := c.FetchSince(context.Background(), h, "news", 1, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, int64(2), items[0].Position)
	assert.Equal(t, int64(3), items[1].Position)

	items, err = c.FetchSince(context.Background(), h, "news", 0, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].Key)
}
