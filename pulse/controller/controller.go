// Package controller runs a job's targets across its resources: one ordered
// slice per resource, resources in parallel, each guarded by its lock.
package controller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/fleet/am"
	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/pulse/assign"
	"github.com/teranos/fleet/pulse/async"
	"github.com/teranos/fleet/pulse/lock"
	"github.com/teranos/fleet/pulse/metrics"
	"github.com/teranos/fleet/pulse/progress"
	"github.com/teranos/fleet/pulse/resource"
	"github.com/teranos/fleet/pulse/retry"
	"github.com/teranos/fleet/remote"
)

// Deps are the collaborators a Controller drives
type Deps struct {
	Client   remote.Client
	Registry *resource.Registry
	Locker   lock.Locker
	Plans    *assign.Manager
	Progress *progress.Tracker
	Queue    *async.Queue
	Retry    *retry.Engine
	Metrics  *metrics.Metrics
	Logger   *zap.SugaredLogger
}

// Call is one target handed to a Func
type Call struct {
	JobID      int64
	Kind       string
	ResourceID int64
	Handle     remote.Handle
	Target     string
}

// Func performs one target on an open session. The controller adds the call
// timeout, retries and classification around it.
type Func func(ctx context.Context, call Call) (remote.Result, error)

// Pacing overrides the configured inter-call pacing for one run
type Pacing struct {
	Delay        time.Duration
	Jitter       time.Duration
	StartStagger time.Duration
}

// Controller is safe for concurrent runs of different jobs
type Controller struct {
	registry *resource.Registry
	locker   lock.Locker
	plans    *assign.Manager
	tracker  *progress.Tracker
	queue    *async.Queue
	retry    *retry.Engine
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
	conns    *connCache

	mu       sync.RWMutex
	cfg      am.ControllerConfig
	limiters map[int64]*rate.Limiter

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a controller
func New(deps Deps, cfg am.ControllerConfig) *Controller {
	logger := deps.Logger.Named("controller")
	return &Controller{
		registry: deps.Registry,
		locker:   deps.Locker,
		plans:    deps.Plans,
		tracker:  deps.Progress,
		queue:    deps.Queue,
		retry:    deps.Retry,
		metrics:  deps.Metrics,
		logger:   logger,
		conns:    newConnCache(deps.Client, logger),
		cfg:      cfg,
		limiters: make(map[int64]*rate.Limiter),
		sleep:    sleepCtx,
	}
}

// Config returns the current pacing and concurrency settings
func (c *Controller) Config() am.ControllerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// SetConfig swaps settings for runs and calls that start afterwards
func (c *Controller) SetConfig(cfg am.ControllerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.CallsPerMinute != c.cfg.CallsPerMinute {
		c.limiters = make(map[int64]*rate.Limiter)
	}
	c.cfg = cfg
	c.logger.Infow("Controller settings applied",
		"max_concurrent", cfg.MaxConcurrent,
		"delay", cfg.Delay,
		"jitter", cfg.Jitter,
		"calls_per_minute", cfg.CallsPerMinute)
}

// Close disconnects every cached session
func (c *Controller) Close(ctx context.Context) error {
	return c.conns.closeAll(ctx)
}

func (c *Controller) pacing(override *Pacing) Pacing {
	if override != nil {
		return *override
	}
	cfg := c.Config()
	return Pacing{Delay: cfg.Delay, Jitter: cfg.Jitter, StartStagger: cfg.StartStagger}
}

// limiter returns the per-resource limiter, nil when calls are not rate capped
func (c *Controller) limiter(resourceID int64) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.CallsPerMinute <= 0 {
		return nil
	}
	l, ok := c.limiters[resourceID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.CallsPerMinute/60.0), 1)
		c.limiters[resourceID] = l
	}
	return l
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

// Session returns the cached session of a resource, connecting when needed
func (c *Controller) Session(ctx context.Context, resourceID int64) (remote.Handle, error) {
	res, err := c.registry.Get(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.NewNotFoundError("resource %d not found", resourceID)
	}
	return c.conns.get(ctx, res.Remote())
}

// Drop disconnects a resource's cached session
func (c *Controller) Drop(ctx context.Context, resourceID int64) {
	c.conns.evict(ctx, resourceID)
}
