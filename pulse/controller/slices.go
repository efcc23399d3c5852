package controller

import (
	"context"
	"sort"
	"sync"

	"github.com/teranos/fleet/pulse/lock"
	"github.com/teranos/fleet/pulse/retry"
)

// SliceWork is a one-shot batch with fixed per-resource slices (carousel passes).
// Nothing is persisted; a dead resource's unattempted targets are reported as leftover.
type SliceWork struct {
	JobID  int64
	Kind   string
	Slices map[int64][]string
	Scope  lock.Scope
	Pacing *Pacing
}

// RunSlices runs each slice once, in order, resources in parallel
func (c *Controller) RunSlices(ctx context.Context, work SliceWork, fn Func) (*Report, error) {
	report := newReport()
	report.Rounds = 1
	scope := work.Scope
	if scope == 0 {
		scope = lock.ScopeDefault
	}

	src := &sliceSource{remaining: make(map[int64][]string, len(work.Slices)), report: report}
	ids := make([]int64, 0, len(work.Slices))
	for id, targets := range work.Slices {
		if len(targets) == 0 {
			continue
		}
		src.remaining[id] = append([]string(nil), targets...)
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) == 0 {
		return report, nil
	}

	err := c.round(ctx, work.JobID, work.Kind, ids, scope, c.pacing(work.Pacing), report, src, fn)

	// Busy or interrupted slices were not attempted
	src.mu.Lock()
	for id, targets := range src.remaining {
		if !src.reported[id] {
			report.leftover(id, targets)
		}
	}
	src.mu.Unlock()
	return report, err
}

type sliceSource struct {
	report *Report

	mu        sync.Mutex
	remaining map[int64][]string
	handed    map[int64]bool
	reported  map[int64]bool
}

func (s *sliceSource) next(_ context.Context, resourceID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handed == nil {
		s.handed = make(map[int64]bool)
	}
	if s.handed[resourceID] {
		return nil, nil
	}
	s.handed[resourceID] = true
	return append([]string(nil), s.remaining[resourceID]...), nil
}

func (s *sliceSource) done(_ context.Context, resourceID int64, target string, _ retry.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	targets := s.remaining[resourceID]
	for i, t := range targets {
		if t == target {
			s.remaining[resourceID] = append(targets[:i:i], targets[i+1:]...)
			break
		}
	}
	return nil
}

func (s *sliceSource) dead(_ context.Context, resourceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reported == nil {
		s.reported = make(map[int64]bool)
	}
	s.reported[resourceID] = true
	s.report.leftover(resourceID, s.remaining[resourceID])
	return nil
}
