package assign

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/pulse/async"
	"github.com/teranos/fleet/sym"
)

// Eligibility filters resource ids down to those usable now, keeping order.
// Satisfied by resource.Registry.
type Eligibility interface {
	Eligible(ctx context.Context, ids []int64) ([]int64, error)
}

// Manager persists plans in job payloads and reassigns dead resources' work
type Manager struct {
	queue    *async.Queue
	registry Eligibility
	logger   *zap.SugaredLogger
}

// NewManager creates a reassignment manager
func NewManager(queue *async.Queue, registry Eligibility, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		queue:    queue,
		registry: registry,
		logger:   logger.Named("assign"),
	}
}

// Load returns the job's plan, or nil when it has none
func (m *Manager) Load(ctx context.Context, jobID int64) (*Plan, error) {
	job, err := m.queue.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.NewNotFoundError("job %d not found", jobID)
	}
	p, _, err := Load(job.Payload)
	if err != nil {
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %d", jobID))
	}
	return p, nil
}

// Mutate applies fn to the job's plan in one read-modify-write.
// fn receives nil when the job has no plan yet and may not touch the database.
func (m *Manager) Mutate(ctx context.Context, jobID int64, fn func(*Plan) (*Plan, error)) (*Plan, error) {
	var out *Plan
	_, err := m.queue.Store().MutatePayload(ctx, jobID, func(payload json.RawMessage) (json.RawMessage, error) {
		p, _, err := Load(payload)
		if err != nil {
			return nil, err
		}
		next, err := fn(p)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return payload, nil
		}
		out = next
		return next.Save(payload)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ensure returns the job's plan, partitioning targets across resources when there is none
func (m *Manager) Ensure(ctx context.Context, jobID int64, targets []string, resources []int64) (*Plan, error) {
	return m.Mutate(ctx, jobID, func(p *Plan) (*Plan, error) {
		if p != nil {
			return p, nil
		}
		return NewPlan(targets, resources), nil
	})
}

// Done removes a finished target from the plan
func (m *Manager) Done(ctx context.Context, jobID, resourceID int64, target, reason string) error {
	_, err := m.Mutate(ctx, jobID, func(p *Plan) (*Plan, error) {
		if p == nil {
			return nil, nil
		}
		p.Done(resourceID, target, reason)
		return p, nil
	})
	return err
}

// Reassign moves a dead resource's remaining targets to the plan's surviving
// eligible resources. With no survivor the job fails with "no eligible resources".
func (m *Manager) Reassign(ctx context.Context, jobID, deadResourceID int64) (*Plan, error) {
	current, err := m.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, errors.NewInvalidRequestError("job %d has no plan", jobID)
	}

	var candidates []int64
	for _, r := range current.Resources() {
		if r != deadResourceID {
			candidates = append(candidates, r)
		}
	}
	eligible, err := m.registry.Eligible(ctx, candidates)
	if err != nil {
		return nil, err
	}
	ok := make(map[int64]bool, len(eligible))
	for _, r := range eligible {
		ok[r] = true
	}

	var survivors []int64
	var moved []string
	p, err := m.Mutate(ctx, jobID, func(p *Plan) (*Plan, error) {
		if p == nil {
			return nil, errors.NewInvalidRequestError("job %d has no plan", jobID)
		}
		moved = p.Kill(deadResourceID)
		survivors = survivors[:0]
		for _, r := range p.Resources() {
			if ok[r] {
				survivors = append(survivors, r)
			}
		}
		pool := p.Pool
		p.Pool = nil
		Redistribute(p, pool, survivors)
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	if len(survivors) == 0 {
		m.logger.Warnw(sym.Fleet+" No eligible resources left",
			"job_id", jobID,
			"dead_resource_id", deadResourceID,
			"unassigned", len(p.Pool))
		if ferr := m.queue.Fail(ctx, jobID, async.ResultNoEligibleRsrc); ferr != nil && !errors.Is(ferr, async.ErrInvalidTransition) {
			return p, ferr
		}
		return p, errors.WithDetail(async.ErrNoEligibleResources, fmt.Sprintf("Job ID: %d", jobID))
	}

	m.logger.Infow(sym.Fleet+" Reassigned targets",
		"job_id", jobID,
		"dead_resource_id", deadResourceID,
		"moved", len(moved),
		"survivors", survivors)
	return p, nil
}
