package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/fleet/am"
	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/pulse/resource"
	"github.com/teranos/fleet/remote"
)

// Outcome of one target after retries
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeSkip          Outcome = "skip"
	OutcomePermanentFail Outcome = "permanent_fail"
	OutcomeResourceDead  Outcome = "resource_dead"
	// OutcomeAborted means the target was not finished: the caller's context
	// ended first, or the store stayed unreachable through every attempt.
	OutcomeAborted Outcome = "aborted"
)

// Completed reports whether the target is done for good, failed or not
func (o Outcome) Completed() bool {
	return o == OutcomeOK || o == OutcomeSkip || o == OutcomePermanentFail
}

// Result is the verdict for one target. Failures are data, not errors.
type Result struct {
	Outcome  Outcome
	Attempts int
	Value    remote.Result
	Err      error

	// ResourceStatus is set with resource_dead: a failure status, or
	// rate_limited with Cooldown when the server asked for an over-long wait.
	ResourceStatus resource.Status
	Cooldown       time.Duration
}

// Reason is the text recorded for a failed target
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Call is one remote invocation attempt
type Call func(ctx context.Context) (remote.Result, error)

// Engine retries calls according to am.RetryConfig
type Engine struct {
	cfg    am.RetryConfig
	logger *zap.SugaredLogger

	// sleep is swapped in tests to observe waits
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an engine; non-positive limits fall back to one attempt and no cap
func NewEngine(cfg am.RetryConfig, logger *zap.SugaredLogger) *Engine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.Named("retry"),
		sleep:  sleepCtx,
	}
}

// Config returns the engine's retry settings
func (e *Engine) Config() am.RetryConfig {
	return e.cfg
}

// Do runs fn until it succeeds, fails permanently, or max_attempts transient
// failures have been seen. A store outage outlasting the attempts aborts the
// target instead of failing it.
func (e *Engine) Do(ctx context.Context, fn Call) Result {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Outcome: OutcomeAborted, Attempts: attempt - 1, Err: err}
		}

		value, err := fn(ctx)
		if err == nil {
			out := OutcomeOK
			if value.Skipped {
				out = OutcomeSkip
			}
			return Result{Outcome: out, Attempts: attempt, Value: value}
		}
		lastErr = err

		// A canceled parent is not the target's fault
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeAborted, Attempts: attempt, Err: ctx.Err()}
		}

		switch Classify(err) {
		case ResourceDead:
			return Result{Outcome: OutcomeResourceDead, Attempts: attempt, Err: err, ResourceStatus: DeadStatus(err)}

		case TargetPermanent, Unknown:
			return Result{Outcome: OutcomePermanentFail, Attempts: attempt, Err: err}
		}

		wait := e.backoff(attempt)
		var rateLimited *remote.RateLimitedError
		if errors.As(err, &rateLimited) {
			if e.cfg.MaxRetryWait > 0 && rateLimited.RetryAfter > e.cfg.MaxRetryWait {
				e.logger.Warnw("Rate limit wait exceeds cap, resting resource",
					"retry_after", rateLimited.RetryAfter,
					"max_retry_wait", e.cfg.MaxRetryWait)
				return Result{
					Outcome:        OutcomeResourceDead,
					Attempts:       attempt,
					Err:            err,
					ResourceStatus: resource.StatusRateLimited,
					Cooldown:       rateLimited.RetryAfter,
				}
			}
			wait = rateLimited.RetryAfter + e.jitter()
		}

		if attempt == e.cfg.MaxAttempts {
			break
		}

		e.logger.Debugw("Retrying transient failure", "attempt", attempt, "wait", wait, "error", err)
		if err := e.sleep(ctx, wait); err != nil {
			return Result{Outcome: OutcomeAborted, Attempts: attempt, Err: err}
		}
	}

	err := errors.Wrapf(lastErr, "gave up after %d attempts", e.cfg.MaxAttempts)
	if IsStoreOutage(lastErr) {
		return Result{Outcome: OutcomeAborted, Attempts: e.cfg.MaxAttempts, Err: err}
	}
	return Result{Outcome: OutcomePermanentFail, Attempts: e.cfg.MaxAttempts, Err: err}
}

// backoff returns initial * 2^(attempt-1), capped at max_backoff
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if e.cfg.MaxBackoff > 0 && d >= e.cfg.MaxBackoff {
			return e.cfg.MaxBackoff
		}
	}
	if e.cfg.MaxBackoff > 0 && d > e.cfg.MaxBackoff {
		return e.cfg.MaxBackoff
	}
	return d
}

func (e *Engine) jitter() time.Duration {
	return Jitter(e.cfg.Jitter)
}

// Jitter returns a uniform duration in [0, limit)
func Jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}

// DeadStatus is the registry status a resource-dead error calls for
func DeadStatus(err error) resource.Status {
	var invalid *remote.InvalidResourceError
	if errors.As(err, &invalid) {
		return resource.FromRemote(invalid.Status)
	}
	return resource.StatusNeedsReauth
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
