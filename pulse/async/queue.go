package async

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/fleet/errors"
)

// SubscriberChannelBufferSize is the buffer size for subscriber channels
const SubscriberChannelBufferSize = 100

// Queue wraps the Store and fans job changes out to subscribers.
// The mutex guards only the subscriber list; atomicity of job changes
// comes from the store.
type Queue struct {
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Job
}

// NewQueue creates a queue over store
func NewQueue(store *Store) *Queue {
	return &Queue{
		store:       store,
		subscribers: make([]chan *Job, 0),
	}
}

// Store returns the underlying job store
func (q *Queue) Store() *Store {
	return q.store
}

// Enqueue persists a new pending job
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	id, err := q.store.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	return q.Refresh(ctx, id)
}

// Claim takes the next claimable job for claimant, or nil
func (q *Queue) Claim(ctx context.Context, claimant string, kinds ...string) (*Job, error) {
	job, err := q.store.ClaimNext(ctx, claimant, kinds...)
	if err != nil || job == nil {
		return job, err
	}
	q.notify(job)
	return job, nil
}

// GetJob retrieves a job by id; nil when absent
func (q *Queue) GetJob(ctx context.Context, id int64) (*Job, error) {
	return q.store.Get(ctx, id)
}

// ListJobs returns jobs matching f
func (q *Queue) ListJobs(ctx context.Context, f Filter) ([]*Job, error) {
	return q.store.List(ctx, f)
}

// Start marks a claimed job running
func (q *Queue) Start(ctx context.Context, id int64) (*Job, error) {
	if err := q.store.UpdateStatus(ctx, id, JobStatusRunning, ""); err != nil {
		return nil, err
	}
	return q.Refresh(ctx, id)
}

// Complete marks a job completed with summary
func (q *Queue) Complete(ctx context.Context, id int64, summary string) error {
	return q.finish(ctx, id, JobStatusCompleted, summary)
}

// Fail marks a job errored with reason
func (q *Queue) Fail(ctx context.Context, id int64, reason string) error {
	return q.finish(ctx, id, JobStatusError, reason)
}

func (q *Queue) finish(ctx context.Context, id int64, status JobStatus, result string) error {
	if err := q.store.UpdateStatus(ctx, id, status, result); err != nil {
		err = errors.Wrapf(err, "failed to mark job %s", status)
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %d", id))
	}
	_, err := q.Refresh(ctx, id)
	return err
}

// Continue completes id and enqueues its continuation
func (q *Queue) Continue(ctx context.Context, id int64, payload json.RawMessage, delay time.Duration, result string) (int64, error) {
	nextID, err := q.store.Continue(ctx, id, payload, delay, result)
	if err != nil {
		return 0, err
	}
	if _, err := q.Refresh(ctx, id); err != nil {
		return nextID, err
	}
	_, err = q.Refresh(ctx, nextID)
	return nextID, err
}

// UpdatePayload replaces a job's payload
func (q *Queue) UpdatePayload(ctx context.Context, id int64, payload json.RawMessage) error {
	if err := q.store.UpdatePayload(ctx, id, payload); err != nil {
		return err
	}
	_, err := q.Refresh(ctx, id)
	return err
}

// Cancel cancels a job (or flags it when running)
func (q *Queue) Cancel(ctx context.Context, id int64) error {
	if err := q.store.Cancel(ctx, id); err != nil {
		return err
	}
	_, err := q.Refresh(ctx, id)
	return err
}

// Stop asks a recurring job to finish after its current pass
func (q *Queue) Stop(ctx context.Context, id int64) error {
	if err := q.store.Stop(ctx, id); err != nil {
		return err
	}
	_, err := q.Refresh(ctx, id)
	return err
}

// Pause excludes a job from claiming
func (q *Queue) Pause(ctx context.Context, id int64) error {
	if err := q.store.Pause(ctx, id); err != nil {
		return err
	}
	_, err := q.Refresh(ctx, id)
	return err
}

// Resume makes a paused job claimable again
func (q *Queue) Resume(ctx context.Context, id int64) error {
	if err := q.store.Resume(ctx, id); err != nil {
		return err
	}
	_, err := q.Refresh(ctx, id)
	return err
}

// Delete removes a job and cancels its unfinished children
func (q *Queue) Delete(ctx context.Context, id int64) error {
	// Children lose their parent_id on delete, so collect them first.
	children, err := q.store.List(ctx, Filter{ParentID: &id, Statuses: []JobStatus{
		JobStatusPending, JobStatusClaimed, JobStatusRunning,
	}})
	if err != nil {
		return err
	}
	if _, err := q.store.Delete(ctx, id); err != nil {
		err = errors.Wrapf(err, "failed to delete job %d", id)
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %d", id))
	}
	for _, child := range children {
		if _, err := q.Refresh(ctx, child.ID); err != nil {
			return err
		}
	}
	return nil
}

// ReapExpired fails jobs whose claim lease lapsed and returns their replacements
func (q *Queue) ReapExpired(ctx context.Context, lease time.Duration) ([]Replacement, error) {
	reaped, err := q.store.ReapExpired(ctx, lease)
	if err != nil {
		return nil, err
	}
	for _, r := range reaped {
		if _, err := q.Refresh(ctx, r.ExpiredID); err != nil {
			return reaped, err
		}
	}
	return reaped, nil
}

// Stats counts jobs per status
type Stats struct {
	Pending   int `json:"pending"`
	Claimed   int `json:"claimed"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Error     int `json:"error"`
	Canceled  int `json:"canceled"`
	Total     int `json:"total"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queue stats")
	}
	stats := &Stats{
		Pending:   counts[JobStatusPending],
		Claimed:   counts[JobStatusClaimed],
		Running:   counts[JobStatusRunning],
		Completed: counts[JobStatusCompleted],
		Error:     counts[JobStatusError],
		Canceled:  counts[JobStatusCanceled],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the notifier.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method; the caller owns its lifecycle.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// Refresh re-reads a job and notifies subscribers of its current state
func (q *Queue) Refresh(ctx context.Context, id int64) (*Job, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job != nil {
		q.notify(job)
	}
	return job, nil
}

// notify sends to every subscriber without blocking; a full channel drops the update
func (q *Queue) notify(job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		select {
		case ch <- job:
		default:
		}
	}
}
