package controller

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/pulse/assign"
	"github.com/teranos/fleet/pulse/async"
	"github.com/teranos/fleet/pulse/lock"
	"github.com/teranos/fleet/pulse/progress"
	"github.com/teranos/fleet/pulse/resource"
	"github.com/teranos/fleet/pulse/retry"
	"github.com/teranos/fleet/remote"
	"github.com/teranos/fleet/sym"
)

// Work describes a planned run
type Work struct {
	// Resources to partition across when the job has no plan yet
	Resources []int64
	// Targets to partition when the job has no plan yet
	Targets []string
	Scope   lock.Scope
	Pacing  *Pacing
}

// source feeds targets to a resource and absorbs their outcomes
type source interface {
	// next returns the resource's remaining targets; empty means its work is done
	next(ctx context.Context, resourceID int64) ([]string, error)
	done(ctx context.Context, resourceID int64, target string, res retry.Result) error
	// dead hands the resource's remaining work elsewhere (or reports it)
	dead(ctx context.Context, resourceID int64) error
}

// Run executes the job's plan, creating it from work when the payload has none.
// It returns ErrCanceled when the operator canceled the job, and
// ErrNoEligibleResources when no resource can take the remaining targets.
func (c *Controller) Run(ctx context.Context, job *async.Job, work Work, fn Func) (*Report, error) {
	report := newReport()
	scope := work.Scope
	if scope == 0 {
		scope = lock.ScopeDefault
	}

	existing, _, err := assign.Load(job.Payload)
	if err != nil {
		return report, errors.WithDetail(err, fmt.Sprintf("Job ID: %d", job.ID))
	}
	eligible, err := c.registry.Eligible(ctx, work.Resources)
	if err != nil {
		return report, err
	}
	plan, err := c.plans.Ensure(ctx, job.ID, work.Targets, eligible)
	if err != nil {
		return report, err
	}
	if existing == nil {
		c.merge(ctx, job.ID, progress.Delta{Total: int64(plan.Remaining())})
	}

	// Resources that went bad since the plan was written
	live, err := c.registry.Eligible(ctx, plan.Resources())
	if err != nil {
		return report, err
	}
	alive := make(map[int64]bool, len(live))
	for _, id := range live {
		alive[id] = true
	}
	for _, id := range plan.Resources() {
		if alive[id] {
			continue
		}
		report.dead(id)
		if _, err := c.plans.Reassign(ctx, job.ID, id); err != nil {
			return c.finish(ctx, job.ID, report), err
		}
	}

	if plan.Remaining() > 0 && len(plan.Resources()) == 0 {
		return c.finish(ctx, job.ID, report), errors.WithDetail(async.ErrNoEligibleResources, fmt.Sprintf("Job ID: %d", job.ID))
	}

	src := &planSource{c: c, jobID: job.ID}
	pace := c.pacing(work.Pacing)
	cfg := c.Config()
	maxRounds := cfg.MaxRounds
	if maxRounds < 1 {
		maxRounds = 1
	}

	for round := 1; round <= maxRounds; round++ {
		plan, err := c.plans.Load(ctx, job.ID)
		if err != nil {
			return c.finish(ctx, job.ID, report), err
		}
		pending := withWork(plan)
		if len(pending) == 0 {
			break
		}
		if round > 1 {
			if err := c.sleep(ctx, cfg.RoundPause); err != nil {
				return c.finish(ctx, job.ID, report), err
			}
		}

		before := report.Completed()
		report.Rounds = round
		if err := c.round(ctx, job.ID, job.Kind, pending, scope, pace, report, src, fn); err != nil {
			return c.finish(ctx, job.ID, report), err
		}
		if report.Completed() == before {
			c.logger.Debugw("Round made no progress", "job_id", job.ID, "round", round, "busy", report.Busy)
			break
		}
	}
	return c.finish(ctx, job.ID, report), nil
}

// finish fills leftovers from the persisted plan
func (c *Controller) finish(ctx context.Context, jobID int64, report *Report) *Report {
	plan, err := c.plans.Load(context.WithoutCancel(ctx), jobID)
	if err != nil || plan == nil {
		return report
	}
	for id, targets := range plan.Leftover() {
		report.leftover(id, targets)
	}
	report.Unassigned = append([]string(nil), plan.Pool...)
	return report
}

func withWork(plan *assign.Plan) []int64 {
	if plan == nil {
		return nil
	}
	var out []int64
	for _, id := range plan.Resources() {
		if len(plan.Assignments[id]) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// round runs each resource's slice once, in parallel up to max_concurrent
func (c *Controller) round(ctx context.Context, jobID int64, kind string, resourceIDs []int64, scope lock.Scope,
	pace Pacing, report *Report, src source, fn Func) error {

	limit := c.Config().MaxConcurrent
	if limit <= 0 || limit > len(resourceIDs) {
		limit = len(resourceIDs)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, id := range resourceIDs {
		g.Go(func() error {
			return c.runResource(gctx, jobID, kind, i, id, scope, pace, report, src, fn)
		})
	}
	return g.Wait()
}

func (c *Controller) runResource(ctx context.Context, jobID int64, kind string, index int, resourceID int64,
	scope lock.Scope, pace Pacing, report *Report, src source, fn Func) error {

	if err := c.sleep(ctx, time.Duration(index)*pace.StartStagger); err != nil {
		return err
	}

	ok, err := c.locker.TryLock(ctx, resourceID, scope)
	if err != nil {
		return err
	}
	if !ok {
		c.logger.Debugw(sym.Lock+" Resource busy, skipping this round", "job_id", jobID, "resource_id", resourceID)
		c.metrics.LockBusy(scope.String())
		report.busy(resourceID)
		return nil
	}
	held := true
	unlock := func() {
		if !held {
			return
		}
		held = false
		if err := c.locker.Unlock(context.WithoutCancel(ctx), resourceID, scope); err != nil {
			c.logger.Warnw("Failed to release resource lock", "resource_id", resourceID, "error", err)
		}
	}
	defer unlock()

	res, err := c.registry.Get(ctx, resourceID)
	if err != nil {
		return err
	}
	if res == nil {
		report.dead(resourceID)
		unlock()
		return src.dead(ctx, resourceID)
	}

	h, err := c.conns.get(ctx, res.Remote())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.resourceDied(ctx, jobID, resourceID, retry.DeadStatus(err), 0, err, unlock, report, src)
	}

	first := true
	for {
		targets, err := src.next(ctx, resourceID)
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return nil
		}

		for _, target := range targets {
			if err := c.checkCancel(ctx, jobID); err != nil {
				return err
			}
			if !first {
				if err := c.sleep(ctx, pace.Delay+retry.Jitter(pace.Jitter)); err != nil {
					return err
				}
			}
			first = false
			if l := c.limiter(resourceID); l != nil {
				if err := l.Wait(ctx); err != nil {
					return ctx.Err()
				}
			}

			result := c.call(ctx, Call{JobID: jobID, Kind: kind, ResourceID: resourceID, Handle: h, Target: target}, fn)
			if result.Outcome == retry.OutcomeAborted {
				// Unfinished: the target stays in its slice for the next run
				if err := ctx.Err(); err != nil {
					return err
				}
				return result.Err
			}

			report.add(TargetResult{
				ResourceID: resourceID,
				Target:     target,
				Outcome:    result.Outcome,
				Attempts:   result.Attempts,
				Reason:     result.Reason(),
			})
			c.metrics.Target(kind, string(result.Outcome))

			// The target is not done; it moves on with the rest of the slice
			if result.Outcome == retry.OutcomeResourceDead {
				return c.resourceDied(ctx, jobID, resourceID, result.ResourceStatus, result.Cooldown, result.Err, unlock, report, src)
			}

			if err := src.done(ctx, resourceID, target, result); err != nil {
				return err
			}
			c.merge(ctx, jobID, deltaFor(result.Outcome))
		}
	}
}

// call wraps fn with the per-call timeout and the retry engine
func (c *Controller) call(ctx context.Context, call Call, fn Func) retry.Result {
	timeout := c.Config().CallTimeout
	return c.retry.Do(ctx, func(ctx context.Context) (remote.Result, error) {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()

		start := time.Now()
		res, err := fn(callCtx, call)
		c.metrics.RemoteCall(call.Kind, time.Since(start))
		return res, err
	})
}

// resourceDied takes a resource out of this job: drop its session, record its
// status, free its lock, then hand its remaining targets on.
func (c *Controller) resourceDied(ctx context.Context, jobID, resourceID int64, status resource.Status,
	cooldown time.Duration, cause error, unlock func(), report *Report, src source) error {

	c.metrics.ResourceDead()
	report.dead(resourceID)
	c.conns.evict(ctx, resourceID)

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if status != "" {
		if err := c.registry.MarkStatus(ctx, resourceID, status, reason, cooldown); err != nil {
			if !errors.Is(err, errors.ErrConflict) {
				return err
			}
			c.logger.Warnw("Resource status not updated", "resource_id", resourceID, "to", status, "error", err)
		}
	}
	c.logger.Warnw(sym.Fleet+" Resource dropped from job",
		"job_id", jobID,
		"resource_id", resourceID,
		"status", status,
		"reason", reason)

	unlock()
	return src.dead(ctx, resourceID)
}

// checkCancel observes the operator's cooperative cancel flag
func (c *Controller) checkCancel(ctx context.Context, jobID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if jobID == 0 {
		return nil
	}
	job, err := c.queue.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job != nil && job.CancelRequested {
		return errors.WithDetail(async.ErrCanceled, fmt.Sprintf("Job ID: %d", jobID))
	}
	return nil
}

func (c *Controller) merge(ctx context.Context, jobID int64, d progress.Delta) {
	if jobID == 0 || c.tracker == nil {
		return
	}
	if _, err := c.tracker.Merge(ctx, jobID, d); err != nil {
		c.logger.Warnw("Failed to merge progress", "job_id", jobID, "error", err)
	}
}

func deltaFor(o retry.Outcome) progress.Delta {
	d := progress.Delta{Processed: 1}
	switch o {
	case retry.OutcomeOK:
		d.Succeeded = 1
	case retry.OutcomeSkip:
		d.Skipped = 1
	default:
		d.Failed = 1
	}
	return d
}

// planSource reads slices from the persisted plan. Reloading after each pass
// picks up targets reassigned from resources that died meanwhile.
type planSource struct {
	c     *Controller
	jobID int64
}

func (s *planSource) next(ctx context.Context, resourceID int64) ([]string, error) {
	plan, err := s.c.plans.Load(ctx, s.jobID)
	if err != nil || plan == nil || plan.IsDead(resourceID) {
		return nil, err
	}
	return plan.Assignments[resourceID], nil
}

func (s *planSource) done(ctx context.Context, resourceID int64, target string, res retry.Result) error {
	reason := ""
	if res.Outcome == retry.OutcomePermanentFail {
		reason = res.Reason()
	}
	return s.c.plans.Done(ctx, s.jobID, resourceID, target, reason)
}

func (s *planSource) dead(ctx context.Context, resourceID int64) error {
	_, err := s.c.plans.Reassign(ctx, s.jobID, resourceID)
	return err
}
