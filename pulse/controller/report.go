package controller

import (
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/fleet/pulse/retry"
)

// TargetResult is what happened to one target
type TargetResult struct {
	ResourceID int64         `json:"resource_id"`
	Target     string        `json:"target"`
	Outcome    retry.Outcome `json:"outcome"`
	Attempts   int           `json:"attempts"`
	Reason     string        `json:"reason,omitempty"`
}

// Report summarises a run. Leftover holds assigned targets nobody finished;
// Unassigned holds targets no healthy resource could take.
type Report struct {
	mu sync.Mutex

	Results    []TargetResult     `json:"results"`
	Leftover   map[int64][]string `json:"leftover,omitempty"`
	Unassigned []string           `json:"unassigned,omitempty"`
	Busy       []int64            `json:"busy,omitempty"`
	Dead       []int64            `json:"dead,omitempty"`
	Rounds     int                `json:"rounds"`
}

func newReport() *Report {
	return &Report{Leftover: make(map[int64][]string)}
}

func (r *Report) add(res TargetResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results = append(r.Results, res)
}

func (r *Report) busy(resourceID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.Busy {
		if b == resourceID {
			return
		}
	}
	r.Busy = append(r.Busy, resourceID)
}

func (r *Report) dead(resourceID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Dead = append(r.Dead, resourceID)
}

func (r *Report) leftover(resourceID int64, targets []string) {
	if len(targets) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Leftover[resourceID] = append(r.Leftover[resourceID], targets...)
}

// Count returns how many targets ended with o
func (r *Report) Count(o retry.Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Completed counts targets done for good (ok, skip, permanent_fail)
func (r *Report) Completed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, res := range r.Results {
		if res.Outcome.Completed() {
			n++
		}
	}
	return n
}

// Remaining counts leftover and unassigned targets
func (r *Report) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.Unassigned)
	for _, ts := range r.Leftover {
		n += len(ts)
	}
	return n
}

// LeftoverTargets flattens Leftover and Unassigned in resource order
func (r *Report) LeftoverTargets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.Leftover))
	for id := range r.Leftover {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []string
	for _, id := range ids {
		out = append(out, r.Leftover[id]...)
	}
	return append(out, r.Unassigned...)
}

// Summary is the short result line stored on the job
func (r *Report) Summary() string {
	ok, skip, failed := r.Count(retry.OutcomeOK), r.Count(retry.OutcomeSkip), r.Count(retry.OutcomePermanentFail)
	remaining := r.Remaining()
	r.mu.Lock()
	dead := len(r.Dead)
	r.mu.Unlock()
	return fmt.Sprintf("ok=%d skip=%d failed=%d dead_resources=%d remaining=%d", ok, skip, failed, dead, remaining)
}
