package async

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/fleet/am"
	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/pulse/metrics"
	"github.com/teranos/fleet/sym"
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

const (
	// stopTimeout bounds how long Stop waits for pollers to hand off
	stopTimeout = 30 * time.Second
	// handoffTimeout bounds the store writes made after the pool context is gone
	handoffTimeout = 10 * time.Second

	// outageDelay holds back a job handed off after a store outage
	outageDelay = 30 * time.Second

	initialErrorBackoff = time.Second
	maxErrorBackoff     = 30 * time.Second
)

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`       // Number of concurrent pollers
	PollInterval time.Duration `json:"poll_interval"` // How often each poller tries to claim
	ClaimLease   time.Duration `json:"claim_lease"`   // 0 disables the lease reaper and heartbeats
	Kinds        []string      `json:"kinds"`         // Claim only these kinds (empty = registered kinds)
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      2,
		PollInterval: time.Second,
	}
}

// WorkerPoolConfigFrom maps the pulse config section onto the pool
func WorkerPoolConfigFrom(cfg am.PulseConfig) WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		ClaimLease:   cfg.ClaimLease,
		Kinds:        cfg.Kinds,
	}
}

// WorkerPool runs the scheduler pollers: each claims a job, marks it running,
// dispatches it to the handler registered for its kind and records the outcome.
type WorkerPool struct {
	queue    *Queue
	registry *HandlerRegistry
	config   WorkerPoolConfig
	claimant string
	metrics  *metrics.Metrics
	logger   pulseLogger

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu            sync.Mutex
	activeWorkers int
	jobsProcessed int
	startTime     time.Time
}

// PoolOption customizes a WorkerPool
type PoolOption func(*WorkerPool)

// WithMetrics records claims and outcomes on m
func WithMetrics(m *metrics.Metrics) PoolOption {
	return func(wp *WorkerPool) { wp.metrics = m }
}

// WithClaimant overrides the generated hostname/uuid poller identity
func WithClaimant(claimant string) PoolOption {
	return func(wp *WorkerPool) { wp.claimant = claimant }
}

// NewWorkerPool creates a worker pool bound to ctx.
// IMPORTANT: Callers must register handlers before calling Start().
// Cancelling ctx stops the pollers the same way Stop does.
func NewWorkerPool(ctx context.Context, queue *Queue, registry *HandlerRegistry, cfg WorkerPoolConfig, logger *zap.SugaredLogger, opts ...PoolOption) *WorkerPool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWorkerPoolConfig().PollInterval
	}
	workerCtx, cancel := context.WithCancel(ctx)

	wp := &WorkerPool{
		queue:     queue,
		registry:  registry,
		config:    cfg,
		claimant:  newClaimant(),
		logger:    pulseLogger{logger.Named("pulse")},
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(wp)
	}
	return wp
}

func newClaimant() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "/" + uuid.NewString()
}

// Start launches the pollers, plus the lease reaper when a claim lease is set
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	wp.mu.Unlock()

	wp.logger.Starting("Starting pollers",
		"workers", wp.config.Workers,
		"poll_interval", wp.config.PollInterval,
		"claimant", wp.claimant,
		"kinds", wp.claimKinds())

	if wp.config.ClaimLease > 0 {
		wp.wg.Add(1)
		go wp.reaper()
	}
	for i := 0; i < wp.config.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop gracefully stops the worker pool.
// In-flight jobs observe cancellation and are handed off as continuations.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Pulse(sym.PulseClose + " WorkerPool.Stop() complete - all pollers exited cleanly")
	case <-time.After(stopTimeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - pollers may still be handing off", "timeout", stopTimeout)
	}
}

// Queue returns the job queue
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Registry returns the handler registry
func (wp *WorkerPool) Registry() *HandlerRegistry {
	return wp.registry
}

// Workers returns the number of configured pollers
func (wp *WorkerPool) Workers() int {
	return wp.config.Workers
}

// Claimant returns the identity written to claimed_by
func (wp *WorkerPool) Claimant() string {
	return wp.claimant
}

// JobsProcessed returns how many jobs this pool dispatched since Start
func (wp *WorkerPool) JobsProcessed() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.jobsProcessed
}

func (wp *WorkerPool) claimKinds() []string {
	if len(wp.config.Kinds) > 0 {
		return wp.config.Kinds
	}
	return wp.registry.Names()
}

// worker processes jobs from the queue
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.config.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	backoff := initialErrorBackoff

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			err := wp.processNextJob()
			if err == nil {
				if errorCount > 0 {
					wp.logger.Infow("Poller recovered from errors",
						"worker_id", id,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoff = initialErrorBackoff
				continue
			}

			if wp.ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) {
				return
			}
			if errors.Is(err, ErrClaimConflict) {
				wp.metrics.ClaimConflict()
				wp.logger.Debugw("Claim contended, retrying next tick", "worker_id", id)
				continue
			}

			errorCount++
			wp.logger.Errorw("Poller error processing job",
				"worker_id", id,
				"error", err,
				"consecutive_errors", errorCount)
			if errorCount > 1 {
				wp.logger.Warnw("Poller backing off due to consecutive errors",
					"worker_id", id,
					"backoff", backoff,
					"consecutive_errors", errorCount)
				if !sleepCtx(wp.ctx, backoff) {
					return
				}
				backoff = min(backoff*2, maxErrorBackoff)
			}
		}
	}
}

// processNextJob claims one job and runs it to an outcome
func (wp *WorkerPool) processNextJob() error {
	if wp.ctx.Err() != nil {
		return nil
	}

	kinds := wp.claimKinds()
	if len(kinds) == 0 {
		return nil
	}

	job, err := wp.queue.Claim(wp.ctx, wp.claimant, kinds...)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	wp.metrics.JobClaimed(job.Kind)

	wp.mu.Lock()
	wp.jobsProcessed++
	wp.mu.Unlock()

	handler := wp.registry.Get(job.Kind)
	if handler == nil {
		wp.logger.Warnw("No handler registered for claimed job", "job_id", job.ID, "kind", job.Kind)
		return wp.finish(wp.ctx, job, JobStatusError, ResultNoHandler)
	}

	job, err = wp.queue.Start(wp.ctx, job.ID)
	if err != nil {
		return errors.Wrap(err, "failed to mark job running")
	}
	if job == nil {
		return nil
	}

	return wp.execute(handler, job)
}

func (wp *WorkerPool) execute(handler JobHandler, job *Job) error {
	wp.mu.Lock()
	wp.activeWorkers++
	wp.mu.Unlock()
	wp.metrics.WorkerActive(1)
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
		wp.metrics.WorkerActive(-1)
	}()

	stopHeartbeat := wp.heartbeat(job.ID)
	result, execErr := handler.Execute(wp.ctx, job)
	stopHeartbeat()

	if errors.Is(execErr, ErrDetached) {
		wp.logger.Pulse("Job detached from poller", "job_id", job.ID, "kind", job.Kind)
		return nil
	}

	// The pool context is gone: write the outcome on a detached context.
	ctx := wp.ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(wp.ctx), handoffTimeout)
		defer cancel()

		if execErr != nil && !errors.Is(execErr, ErrCanceled) {
			return wp.handOff(ctx, job, 0, ResultHandedOff)
		}
	}

	if IsStoreOutage(execErr) {
		wp.logger.Warnw("Store unavailable during job, handing off", "job_id", job.ID, "kind", job.Kind, "error", execErr)
		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handoffTimeout)
		defer cancel()
		return wp.handOff(octx, job, outageDelay, ResultStoreOutage)
	}

	if execErr != nil {
		reason := ReasonFor(execErr)
		wp.logger.Warnw("Job failed", "job_id", job.ID, "kind", job.Kind, "reason", reason)
		return wp.finish(ctx, job, JobStatusError, reason)
	}

	if result.Continuation != nil {
		nextID, err := wp.queue.Continue(ctx, job.ID, result.Continuation.Payload, result.Continuation.Delay, result.Summary)
		if err != nil {
			return errors.Wrapf(err, "failed to continue job %d", job.ID)
		}
		wp.metrics.JobFinished(job.Kind, string(JobStatusCompleted))
		wp.logger.Pulse("Job continued", "job_id", job.ID, "next_job_id", nextID, "delay", result.Continuation.Delay)
		return nil
	}

	status := result.Status
	if status == "" {
		status = JobStatusCompleted
	}
	return wp.finish(ctx, job, status, result.Summary)
}

// handOff completes a job interrupted by shutdown or a store outage and
// enqueues a continuation carrying its latest payload, so checkpointed
// progress is kept. If the store is still down the job stays running for the
// lease reaper.
func (wp *WorkerPool) handOff(ctx context.Context, job *Job, delay time.Duration, result string) error {
	current, err := wp.queue.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if current == nil || current.Status.Terminal() {
		return nil
	}
	nextID, err := wp.queue.Continue(ctx, job.ID, current.Payload, delay, result)
	if err != nil {
		wp.logger.Errorw("Failed to hand off job", "job_id", job.ID, "reason", result, "error", err)
		return err
	}
	wp.metrics.JobFinished(job.Kind, "handed_off")
	wp.logger.Closing("Job handed off", "job_id", job.ID, "next_job_id", nextID, "reason", result, "delay", delay)
	return nil
}

// finish records a terminal status; a job already finished elsewhere is left alone
func (wp *WorkerPool) finish(ctx context.Context, job *Job, status JobStatus, result string) error {
	var err error
	if status == JobStatusError {
		err = wp.queue.Fail(ctx, job.ID, result)
	} else {
		err = wp.queue.finish(ctx, job.ID, status, result)
	}
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			current, getErr := wp.queue.GetJob(ctx, job.ID)
			if getErr == nil && (current == nil || current.Status.Terminal()) {
				return nil
			}
		}
		return err
	}
	wp.metrics.JobFinished(job.Kind, string(status))
	return nil
}

// heartbeat keeps a running job's lease fresh until the returned func is called
func (wp *WorkerPool) heartbeat(id int64) func() {
	if wp.config.ClaimLease <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(wp.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(wp.config.ClaimLease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := wp.queue.Store().Heartbeat(ctx, id); err != nil && ctx.Err() == nil {
					wp.logger.Warnw("Heartbeat failed", "job_id", id, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// reaper expires claims whose lease lapsed; it sweeps once at start
func (wp *WorkerPool) reaper() {
	defer wp.wg.Done()

	interval := wp.config.ClaimLease / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		wp.reapOnce()
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (wp *WorkerPool) reapOnce() {
	reaped, err := wp.queue.ReapExpired(wp.ctx, wp.config.ClaimLease)
	if err != nil {
		if wp.ctx.Err() == nil {
			wp.logger.Warnw("Lease reaper failed", "error", err)
		}
		return
	}
	wp.metrics.Reaped(len(reaped))
	for _, r := range reaped {
		wp.logger.Pulse(fmt.Sprintf("%s Claim lease expired, job replaced", sym.Pulse),
			"job_id", r.ExpiredID,
			"replacement_id", r.ReplacementID,
			"lease", wp.config.ClaimLease)
	}
}

// sleepCtx waits for d or ctx; false when ctx ended first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
