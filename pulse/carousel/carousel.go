// Package carousel runs recurring watch jobs: each adopted job loops through
// passes that read new channel items and act on them once per resource.
package carousel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/fleet/am"
	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/pulse/async"
	"github.com/teranos/fleet/pulse/controller"
	"github.com/teranos/fleet/pulse/ledger"
	"github.com/teranos/fleet/pulse/metrics"
	"github.com/teranos/fleet/pulse/progress"
	"github.com/teranos/fleet/pulse/resource"
	"github.com/teranos/fleet/pulse/retry"
	"github.com/teranos/fleet/remote"
	"github.com/teranos/fleet/sym"
)

// DefaultHeartbeat keeps adopted jobs clear of the lease reaper between passes
const DefaultHeartbeat = 30 * time.Second

// Deps are the collaborators a Carousel drives
type Deps struct {
	Queue      *async.Queue
	Controller *controller.Controller
	Client     remote.Client
	Watcher    remote.Watcher
	Registry   *resource.Registry
	Ledger     *ledger.Ledger
	Watermarks *ledger.Watermarks
	Progress   *progress.Tracker
	Metrics    *metrics.Metrics
	Logger     *zap.SugaredLogger
}

type exitReason int

const (
	exitShutdown exitReason = iota
	exitStopped
	exitCanceled
	exitGone
)

type watch struct {
	job      *async.Job
	id       int64 // watermark key
	spec     Spec
	schedule cron.Schedule
	pacing   *controller.Pacing

	passes   int64
	passing  atomic.Bool
	trigger  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	exit     exitReason
}

// Carousel owns the loops of adopted watch jobs
type Carousel struct {
	queue    *async.Queue
	ctrl     *controller.Controller
	client   remote.Client
	watcher  remote.Watcher
	registry *resource.Registry
	ledger   *ledger.Ledger
	marks    *ledger.Watermarks
	tracker  *progress.Tracker
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
	cfg      am.CarouselConfig

	heartbeat time.Duration
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	watches map[int64]*watch
}

// New creates a carousel; its loops live until Close
func New(ctx context.Context, deps Deps, cfg am.CarouselConfig) *Carousel {
	ctx, cancel := context.WithCancel(ctx)
	return &Carousel{
		queue:     deps.Queue,
		ctrl:      deps.Controller,
		client:    deps.Client,
		watcher:   deps.Watcher,
		registry:  deps.Registry,
		ledger:    deps.Ledger,
		marks:     deps.Watermarks,
		tracker:   deps.Progress,
		metrics:   deps.Metrics,
		logger:    deps.Logger.Named("carousel"),
		cfg:       cfg,
		heartbeat: DefaultHeartbeat,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		watches:   make(map[int64]*watch),
	}
}

// Adopt starts the loop of a running watch job. The first pass runs at once.
func (c *Carousel) Adopt(job *async.Job) error {
	var spec Spec
	if err := job.DecodePayload(&spec); err != nil {
		return errors.Mark(err, errors.ErrInvalidRequest)
	}
	schedule, err := spec.ScheduleFor(c.cfg)
	if err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %d", job.ID))
	}
	pacing, err := spec.Pacing()
	if err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %d", job.ID))
	}
	w := &watch{
		job:      job,
		id:       spec.WatchID(job.ID),
		spec:     spec,
		schedule: schedule,
		pacing:   pacing,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if p, err := progress.Read(job.Payload); err == nil {
		p.Gauge("passes", &w.passes)
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return errors.Mark(errors.New("carousel is closed"), errors.ErrServiceUnavailable)
	}
	if _, exists := c.watches[job.ID]; exists {
		c.mu.Unlock()
		return errors.Mark(errors.Newf("job %d is already adopted", job.ID), errors.ErrConflict)
	}
	c.watches[job.ID] = w
	c.wg.Add(1)
	c.mu.Unlock()

	go c.loop(w)

	c.logger.Infow(sym.Carousel+" Watch adopted",
		"job_id", job.ID,
		"watch_id", w.id,
		"resources", len(spec.Resources),
		"channels", spec.Channels,
		"schedule", spec.Schedule,
		"interval", spec.Interval)
	return nil
}

// Watching reports whether jobID runs in this carousel
func (c *Carousel) Watching(jobID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watches[jobID]
	return ok
}

// Count returns the number of adopted watches
func (c *Carousel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watches)
}

// Stop asks a watch to finish. The flag is stored so another process owning
// the job sees it before arming; a local loop lets its in-flight pass
// complete, then marks the job completed.
func (c *Carousel) Stop(ctx context.Context, jobID int64) error {
	if err := c.queue.Stop(ctx, jobID); err != nil {
		return err
	}

	c.mu.Lock()
	w, ok := c.watches[jobID]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	w.stopOnce.Do(func() { close(w.stop) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger runs a pass now. It reports false when a pass is already in flight.
func (c *Carousel) Trigger(jobID int64) (bool, error) {
	c.mu.Lock()
	w, ok := c.watches[jobID]
	c.mu.Unlock()
	if !ok {
		return false, errors.NewNotFoundError("job %d is not watched here", jobID)
	}
	if w.passing.Load() {
		return false, nil
	}
	select {
	case w.trigger <- struct{}{}:
	default:
	}
	return true, nil
}

// Close stops every loop and hands each watch off to a continuation job
// that keeps its watermarks.
func (c *Carousel) Close(ctx context.Context) error {
	c.mu.Lock()
	watches := make([]*watch, 0, len(c.watches))
	for _, w := range c.watches {
		watches = append(watches, w)
	}
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()

	var errs error
	for _, w := range watches {
		if w.exit != exitShutdown {
			continue
		}
		if err := c.handOff(ctx, w); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	c.logger.Infow(sym.Carousel+" Carousel closed", "handed_off", len(watches))
	return errs
}

func (c *Carousel) handOff(ctx context.Context, w *watch) error {
	job, err := c.queue.GetJob(ctx, w.job.ID)
	if err != nil {
		return err
	}
	if job == nil || job.Status.Terminal() {
		return nil
	}
	payload, err := async.SetPayloadSection(job.Payload, "origin_job_id", w.id)
	if err != nil {
		return err
	}
	nextID, err := c.queue.Continue(ctx, job.ID, payload, 0, async.ResultHandedOff)
	if err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Watch ID: %d", w.id))
	}
	c.logger.Infow(sym.Carousel+" Watch handed off", "job_id", job.ID, "continuation_id", nextID, "watch_id", w.id)
	return nil
}

func (c *Carousel) loop(w *watch) {
	defer c.wg.Done()
	defer close(w.done)
	defer func() {
		c.mu.Lock()
		delete(c.watches, w.job.ID)
		c.mu.Unlock()
	}()

	hb := time.NewTicker(c.heartbeat)
	defer hb.Stop()

	for {
		if c.ctx.Err() != nil {
			w.exit = exitShutdown
			return
		}
		if c.settle(w) {
			return
		}

		c.runPass(w)
		if c.ctx.Err() != nil {
			w.exit = exitShutdown
			return
		}

		timer := time.NewTimer(c.nextWait(w))
	armed:
		for {
			select {
			case <-c.ctx.Done():
				timer.Stop()
				w.exit = exitShutdown
				return
			case <-w.stop:
				timer.Stop()
				break armed
			case <-w.trigger:
				timer.Stop()
				break armed
			case <-timer.C:
				break armed
			case <-hb.C:
				if err := c.queue.Store().Heartbeat(c.ctx, w.job.ID); err != nil {
					c.logger.Debugw("Heartbeat failed", "job_id", w.job.ID, "error", err)
				}
			}
		}
	}
}

// settle reads the job's flags; true means the loop must end
func (c *Carousel) settle(w *watch) bool {
	job, err := c.queue.GetJob(c.ctx, w.job.ID)
	if err != nil {
		c.logger.Warnw("Cannot read watch job, keeping loop", "job_id", w.job.ID, "error", err)
		return false
	}

	switch {
	case job == nil || job.Status.Terminal():
		w.exit = exitGone
		return true

	case job.StopRequested:
		w.exit = exitStopped
		if err := c.queue.Complete(c.ctx, job.ID, async.ResultStopped); err != nil {
			c.logger.Warnw("Failed to complete stopped watch", "job_id", job.ID, "error", err)
		}
		c.logger.Infow(sym.Carousel+" Watch stopped", "job_id", job.ID, "passes", w.passes)
		return true

	case job.CancelRequested:
		w.exit = exitCanceled
		if err := c.queue.Fail(c.ctx, job.ID, async.ResultCanceled); err != nil {
			c.logger.Warnw("Failed to fail canceled watch", "job_id", job.ID, "error", err)
		}
		return true
	}
	return false
}

// nextWait is the time to the next scheduled pass plus up to 10% jitter
func (c *Carousel) nextWait(w *watch) time.Duration {
	now := c.now()
	d := w.schedule.Next(now).Sub(now)
	if d < 0 {
		d = 0
	}
	return d + retry.Jitter(d/10)
}

func (c *Carousel) runPass(w *watch) {
	if !w.passing.CompareAndSwap(false, true) {
		return
	}
	defer w.passing.Store(false)

	start := c.now()
	err := c.pass(c.ctx, w)
	result := "ok"
	if err != nil {
		result = "error"
		c.logger.Warnw(sym.Carousel+" Pass failed", "job_id", w.job.ID, "error", err)
	}
	c.metrics.CarouselPass(result)
	c.logger.Debugw(sym.Carousel+" Pass finished", "job_id", w.job.ID, "passes", w.passes, "took", c.now().Sub(start))
}
