package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/fleet/am"
	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/pulse/resource"
	"github.com/teranos/fleet/remote"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"rate limited", &remote.RateLimitedError{RetryAfter: time.Second}, Transient},
		{"deadline", context.DeadlineExceeded, Transient},
		{"wrapped deadline", fmt.Errorf("invoke: %w", context.DeadlineExceeded), Transient},
		{"invalid resource", &remote.InvalidResourceError{Status: remote.StatusBanned}, ResourceDead},
		{"connect", &remote.ConnectError{Err: errors.New("dial tcp: refused")}, ResourceDead},
		{"target", &remote.TargetError{Reason: "private"}, TargetPermanent},
		{"wrapped target", errors.Wrap(&remote.TargetError{Reason: "gone"}, "join"), TargetPermanent},
		{"unknown", &remote.UnknownError{Reason: "?"}, Unknown},
		{"untyped mentioning flood", errors.New("FLOOD_WAIT_30"), Unknown},
		{"store outage", errors.Mark(errors.New("database is closed"), errors.ErrServiceUnavailable), Transient},
		{"nil", nil, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

type recorder struct {
	waits []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func newEngine(t *testing.T, cfg am.RetryConfig) (*Engine, *recorder) {
	e := NewEngine(cfg, zaptest.NewLogger(t).Sugar())
	rec := &recorder{}
	e.sleep = rec.sleep
	return e, rec
}

func baseConfig() am.RetryConfig {
	return am.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		MaxRetryWait:   10 * time.Minute,
	}
}

func TestEngine_RetryBound(t *testing.T) {
	e, rec := newEngine(t, baseConfig())

	calls := 0
	res := e.Do(context.Background(), func(ctx context.Context) (remote.Result, error) {
		calls++
		return remote.Result{}, context.DeadlineExceeded
	})

	assert.Equal(t, OutcomePermanentFail, res.Outcome)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.waits)
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded))
}

func TestEngine_BackoffCap(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxBackoff = 5 * time.Second
	e, _ := newEngine(t, cfg)

	assert.Equal(t, time.Second, e.backoff(1))
	assert.Equal(t, 2*time.Second, e.backoff(2))
	assert.Equal(t, 4*time.Second, e.backoff(3))
	assert.Equal(t, 5*time.Second, e.backoff(4))
	assert.Equal(t, 5*time.Second, e.backoff(20))
}

func TestEngine_RateLimited(t *testing.T) {
	t.Run("waits retry_after then succeeds", func(t *testing.T) {
		e, rec := newEngine(t, baseConfig())
		calls := 0
		res := e.Do(context.Background(), func(ctx context.Context) (remote.Result, error) {
			calls++
			if calls == 1 {
				return remote.Result{}, &remote.RateLimitedError{RetryAfter: 7 * time.Second}
			}
			return remote.Result{Detail: "joined"}, nil
		})
		assert.Equal(t, OutcomeOK, res.Outcome)
		assert.Equal(t, 2, res.Attempts)
		assert.Equal(t, "joined", res.Value.Detail)
		assert.Equal(t, []time.Duration{7 * time.Second}, rec.waits)
	})

	t.Run("jitter stays within bound", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Jitter = time.Second
		e, rec := newEngine(t, cfg)
		calls := 0
		e.Do(context.Background(), func(ctx context.Context) (remote.Result, error) {
			calls++
			if calls == 1 {
				return remote.Result{}, &remote.RateLimitedError{RetryAfter: 3 * time.Second}
			}
			return remote.Result{}, nil
		})
		require.Len(t, rec.waits, 1)
		assert.GreaterOrEqual(t, rec.waits[0], 3*time.Second)
		assert.Less(t, rec.waits[0], 4*time.Second)
	})

	t.Run("over the cap rests the resource, not the target", func(t *testing.T) {
		e, rec := newEngine(t, baseConfig())
		calls := 0
		res := e.Do(context.Background(), func(ctx context.Context) (remote.Result, error) {
			calls++
			return remote.Result{}, &remote.RateLimitedError{RetryAfter: time.Hour}
		})
		assert.Equal(t, 1, calls)
		assert.Empty(t, rec.waits)
		assert.Equal(t, OutcomeResourceDead, res.Outcome)
		assert.False(t, res.Outcome.Completed())
		assert.Equal(t, resource.StatusRateLimited, res.ResourceStatus)
		assert.Equal(t, time.Hour, res.Cooldown)
	})
}

func TestEngine_NotRetried(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome Outcome
		status  resource.Status
	}{
		{"target permanent", &remote.TargetError{Reason: "private"}, OutcomePermanentFail, ""},
		{"unknown", errors.New("boom"), OutcomePermanentFail, ""},
		{"banned", &remote.InvalidResourceError{Status: remote.StatusBanned}, OutcomeResourceDead, resource.StatusBanned},
		{"frozen", &remote.InvalidResourceError{Status: remote.StatusFrozen}, OutcomeResourceDead, resource.StatusFrozen},
		{"session revoked", &remote.InvalidResourceError{Status: "revoked"}, OutcomeResourceDead, resource.StatusNeedsReauth},
		{"connect", &remote.ConnectError{Err: errors.New("refused")}, OutcomeResourceDead, resource.StatusNeedsReauth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, rec := newEngine(t, baseConfig())
			calls := 0
			res := e.Do(context.Background(), func(ctx context.Context) (remote.Result, error) {
				calls++
				return remote.Result{}, tt.err
			})
			assert.Equal(t, 1, calls)
			assert.Empty(t, rec.waits)
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.status, res.ResourceStatus)
			assert.NotEmpty(t, res.Reason())
		})
	}
}

func TestEngine_StoreOutage(t *testing.T) {
	outage := errors.Mark(errors.New("sql: database is closed"), errors.ErrServiceUnavailable)

	t.Run("recovers on a later attempt", func(t *testing.T) {
		e, rec := newEngine(t, baseConfig())
		calls := 0
		res := e.Do(context.Background(), func(ctx context.Context) (remote.Result, error) {
			calls++
			if calls == 1 {
				return remote.Result{}, outage
			}
			return remote.Result{}, nil
		})
		assert.Equal(t, OutcomeOK, res.Outcome)
		assert.Equal(t, []time.Duration{time.Second}, rec.waits)
	})

	t.Run("persistent outage leaves the target unfinished", func(t *testing.T) {
		e, _ := newEngine(t, baseConfig())
		calls := 0
		res := e.Do(context.Background(), func(ctx context.Context) (remote.Result, error) {
			calls++
			return remote.Result{}, outage
		})
		assert.Equal(t, 3, calls)
		assert.Equal(t, OutcomeAborted, res.Outcome)
		assert.False(t, res.Outcome.Completed())
		assert.True(t, IsStoreOutage(res.Err))
	})
}

func TestEngine_Skipped(t *testing.T) {
	e, _ := newEngine(t, baseConfig())
	res := e.Do(context.Background(), func(ctx context.Context) (remote.Result, error) {
		return remote.Result{Skipped: true}, nil
	})
	assert.Equal(t, OutcomeSkip, res.Outcome)
	assert.True(t, res.Outcome.Completed())
}

func TestEngine_CanceledContext(t *testing.T) {
	e, _ := newEngine(t, baseConfig())
	ctx, cancel := context.WithCancel(context.Background())

	res := e.Do(ctx, func(ctx context.Context) (remote.Result, error) {
		cancel()
		return remote.Result{}, ctx.Err()
	})
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.False(t, res.Outcome.Completed())

	res = e.Do(ctx, func(ctx context.Context) (remote.Result, error) {
		t.Fatal("must not be called")
		return remote.Result{}, nil
	})
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Equal(t, 0, res.Attempts)
}

func TestJitter(t *testing.T) {
	assert.Zero(t, Jitter(0))
	for i := 0; i < 100; i++ {
		j := Jitter(10 * time.Millisecond)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, 10*time.Millisecond)
	}
}
