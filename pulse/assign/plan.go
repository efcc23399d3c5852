// Package assign partitions a job's targets across resources and moves the
// targets of a dead resource to the survivors.
package assign

import (
	"encoding/json"
	"sort"

	"github.com/teranos/fleet/pulse/async"
)

// Section is the payload key holding the plan
const Section = "plan"

// Plan is the persisted work split of one job.
// A target appears at most once across Assignments and Pool.
type Plan struct {
	Assignments   map[int64][]string `json:"assignments"`
	Pool          []string           `json:"pool,omitempty"`
	Dead          []int64            `json:"dead,omitempty"`
	FailedTargets map[string]string  `json:"failed_targets,omitempty"`
}

// NewPlan partitions targets across resources
func NewPlan(targets []string, resources []int64) *Plan {
	p := &Plan{Assignments: Partition(targets, resources)}
	if len(resources) == 0 {
		p.Pool = dedupe(targets)
	}
	return p
}

// Partition deals targets round-robin: target i goes to resources[i mod K].
// Duplicate targets are dropped; every resource gets a (possibly empty) slice.
func Partition(targets []string, resources []int64) map[int64][]string {
	out := make(map[int64][]string, len(resources))
	if len(resources) == 0 {
		return out
	}
	for _, r := range resources {
		out[r] = []string{}
	}
	for i, t := range dedupe(targets) {
		r := resources[i%len(resources)]
		out[r] = append(out[r], t)
	}
	return out
}

// Redistribute deals pool round-robin across healthy resources, skipping
// targets the plan already holds. With no healthy resource the pool is kept.
func Redistribute(p *Plan, pool []string, healthy []int64) {
	if p.Assignments == nil {
		p.Assignments = make(map[int64][]string)
	}
	held := make(map[string]bool)
	for _, targets := range p.Assignments {
		for _, t := range targets {
			held[t] = true
		}
	}

	var fresh []string
	for _, t := range pool {
		if held[t] {
			continue
		}
		held[t] = true
		fresh = append(fresh, t)
	}

	if len(healthy) == 0 {
		p.Pool = append(p.Pool, fresh...)
		return
	}
	for i, t := range fresh {
		r := healthy[i%len(healthy)]
		p.Assignments[r] = append(p.Assignments[r], t)
	}
}

// Kill marks resourceID dead and moves its remaining targets into the pool
func (p *Plan) Kill(resourceID int64) []string {
	moved := p.Assignments[resourceID]
	delete(p.Assignments, resourceID)
	if !p.IsDead(resourceID) {
		p.Dead = append(p.Dead, resourceID)
	}
	p.Pool = dedupe(append(p.Pool, moved...))
	return moved
}

// IsDead reports whether resourceID already died during this job
func (p *Plan) IsDead(resourceID int64) bool {
	for _, d := range p.Dead {
		if d == resourceID {
			return true
		}
	}
	return false
}

// Done removes target from resourceID's slice; a non-empty reason records it as failed
func (p *Plan) Done(resourceID int64, target, reason string) {
	targets := p.Assignments[resourceID]
	for i, t := range targets {
		if t == target {
			p.Assignments[resourceID] = append(targets[:i:i], targets[i+1:]...)
			break
		}
	}
	if reason != "" {
		if p.FailedTargets == nil {
			p.FailedTargets = make(map[string]string)
		}
		p.FailedTargets[target] = reason
	}
}

// Resources returns the live resources of the plan in ascending order
func (p *Plan) Resources() []int64 {
	out := make([]int64, 0, len(p.Assignments))
	for r := range p.Assignments {
		if !p.IsDead(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Remaining counts targets not yet done, pooled ones included
func (p *Plan) Remaining() int {
	n := len(p.Pool)
	for _, targets := range p.Assignments {
		n += len(targets)
	}
	return n
}

// Leftover returns the non-empty slices still assigned
func (p *Plan) Leftover() map[int64][]string {
	out := make(map[int64][]string)
	for r, targets := range p.Assignments {
		if len(targets) > 0 {
			out[r] = append([]string(nil), targets...)
		}
	}
	return out
}

// Load reads the plan section of a payload
func Load(payload json.RawMessage) (*Plan, bool, error) {
	var p Plan
	ok, err := async.PayloadSection(payload, Section, &p)
	if err != nil || !ok {
		return nil, ok, err
	}
	if p.Assignments == nil {
		p.Assignments = make(map[int64][]string)
	}
	return &p, true, nil
}

// Save writes p into payload's plan section
func (p *Plan) Save(payload json.RawMessage) (json.RawMessage, error) {
	return async.SetPayloadSection(payload, Section, p)
}

func dedupe(targets []string) []string {
	seen := make(map[string]bool, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
