// Package progress keeps the counters and gauges stored under a job payload's
// "progress" section, and rolls children up into their master job.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/pulse/async"
)

// Section is the payload key holding progress
const Section = "progress"

// Progress is the persisted progress of one job.
// Counters only grow; gauges hold the latest value per key.
type Progress struct {
	Total     int64                      `json:"total,omitempty"`
	Processed int64                      `json:"processed"`
	Succeeded int64                      `json:"succeeded"`
	Skipped   int64                      `json:"skipped"`
	Failed    int64                      `json:"failed"`
	Gauges    map[string]json.RawMessage `json:"gauges,omitempty"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// Delta is an increment applied by Merge.
// Total, when non-zero, replaces the stored total.
type Delta struct {
	Total     int64
	Processed int64
	Succeeded int64
	Skipped   int64
	Failed    int64
	Gauges    map[string]interface{}
}

func (d Delta) validate() error {
	if d.Total < 0 || d.Processed < 0 || d.Succeeded < 0 || d.Skipped < 0 || d.Failed < 0 {
		return errors.NewInvalidRequestError("progress counters only increment")
	}
	return nil
}

// Apply folds d into p
func (p *Progress) Apply(d Delta, now time.Time) error {
	if err := d.validate(); err != nil {
		return err
	}
	if d.Total > 0 {
		p.Total = d.Total
	}
	p.Processed += d.Processed
	p.Succeeded += d.Succeeded
	p.Skipped += d.Skipped
	p.Failed += d.Failed
	for k, v := range d.Gauges {
		raw, err := json.Marshal(v)
		if err != nil {
			return errors.Wrapf(err, "failed to encode gauge %q", k)
		}
		if p.Gauges == nil {
			p.Gauges = make(map[string]json.RawMessage)
		}
		p.Gauges[k] = raw
	}
	p.UpdatedAt = now
	return nil
}

// Gauge decodes gauge key into v; false when unset
func (p Progress) Gauge(key string, v interface{}) (bool, error) {
	raw, ok := p.Gauges[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, errors.Wrapf(err, "failed to decode gauge %q", key)
	}
	return true, nil
}

// Read extracts progress from a payload; missing progress is zero
func Read(payload json.RawMessage) (Progress, error) {
	var p Progress
	if _, err := async.PayloadSection(payload, Section, &p); err != nil {
		return Progress{}, err
	}
	return p, nil
}

// Tracker merges progress into job payloads and publishes the result to
// queue subscribers.
type Tracker struct {
	queue  *async.Queue
	logger *zap.SugaredLogger
}

// NewTracker creates a tracker over queue
func NewTracker(queue *async.Queue, logger *zap.SugaredLogger) *Tracker {
	return &Tracker{queue: queue, logger: logger.Named("progress")}
}

// Merge applies d to the job's progress in one read-modify-write
func (t *Tracker) Merge(ctx context.Context, jobID int64, d Delta) (Progress, error) {
	if err := d.validate(); err != nil {
		return Progress{}, err
	}

	var merged Progress
	_, err := t.queue.Store().MutatePayload(ctx, jobID, func(payload json.RawMessage) (json.RawMessage, error) {
		p, err := Read(payload)
		if err != nil {
			return nil, err
		}
		if err := p.Apply(d, time.Now().UTC()); err != nil {
			return nil, err
		}
		merged = p
		return async.SetPayloadSection(payload, Section, p)
	})
	if err != nil {
		err = errors.Wrap(err, "failed to merge progress")
		return Progress{}, errors.WithDetail(err, fmt.Sprintf("Job ID: %d", jobID))
	}

	if _, err := t.queue.Refresh(ctx, jobID); err != nil {
		t.logger.Debugw("Progress merged but not published", "job_id", jobID, "error", err)
	}
	return merged, nil
}

// rollupLimit bounds how many children a rollup reads
const rollupLimit = 10000

// Rollup aggregates a master job's children
type Rollup struct {
	MasterID int64                   `json:"master_id"`
	Children int                     `json:"children"`
	ByStatus map[async.JobStatus]int `json:"by_status"`
	Progress Progress                `json:"progress"`
	// Done is true once every child is terminal
	Done bool `json:"done"`
}

// Rollup sums children's statuses and progress counters for a master job.
// Master jobs are never claimed; their state is derived from children.
func (t *Tracker) Rollup(ctx context.Context, masterID int64) (*Rollup, error) {
	master, err := t.queue.GetJob(ctx, masterID)
	if err != nil {
		return nil, err
	}
	if master == nil {
		return nil, errors.NewNotFoundError("job %d not found", masterID)
	}
	if !master.IsMaster {
		return nil, errors.NewInvalidRequestError("job %d is not a master job", masterID)
	}

	children, err := t.queue.ListJobs(ctx, async.Filter{ParentID: &masterID, Limit: rollupLimit})
	if err != nil {
		return nil, err
	}

	r := &Rollup{
		MasterID: masterID,
		Children: len(children),
		ByStatus: make(map[async.JobStatus]int),
		Done:     len(children) > 0,
	}
	for _, child := range children {
		r.ByStatus[child.Status]++
		if !child.Status.Terminal() {
			r.Done = false
		}
		p, err := Read(child.Payload)
		if err != nil {
			t.logger.Warnw("Skipping unreadable child progress", "job_id", child.ID, "error", err)
			continue
		}
		r.Progress.Total += p.Total
		r.Progress.Processed += p.Processed
		r.Progress.Succeeded += p.Succeeded
		r.Progress.Skipped += p.Skipped
		r.Progress.Failed += p.Failed
		if p.UpdatedAt.After(r.Progress.UpdatedAt) {
			r.Progress.UpdatedAt = p.UpdatedAt
		}
	}
	return r, nil
}
