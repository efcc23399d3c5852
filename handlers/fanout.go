package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/fleet/pulse/async"
	"github.com/teranos/fleet/pulse/controller"
	"github.com/teranos/fleet/pulse/ledger"
	"github.com/teranos/fleet/pulse/lock"
	"github.com/teranos/fleet/remote"
	"github.com/teranos/fleet/sym"
)

// FanoutPayload is the handler-owned part of a fanout job.
// The controller keeps its own "plan" and "progress" sections beside it.
type FanoutPayload struct {
	Action       remote.Action `json:"action"`
	Resources    []int64       `json:"resources" validate:"required,min=1,dive,gt=0"`
	Targets      []string      `json:"targets" validate:"required,min=1,dive,required"`
	Delay        string        `json:"delay,omitempty"`
	Jitter       string        `json:"jitter,omitempty"`
	StartStagger string        `json:"start_stagger,omitempty"`
	// Scope opts into a lock scope other than lock.ScopeDefault. Only for
	// actions whose sessions are never driven by another kind.
	Scope        int32         `json:"scope,omitempty" validate:"gte=0"`
	// OriginJobID is the first job of a chain of continuations; effects are
	// keyed on it so a continuation never repeats what its parent applied.
	OriginJobID  int64         `json:"origin_job_id,omitempty" validate:"gte=0"`
}

// Origin is the job id effects are recorded under
func (p FanoutPayload) Origin(jobID int64) int64 {
	if p.OriginJobID > 0 {
		return p.OriginJobID
	}
	return jobID
}

// Pacing returns the per-job pacing override, nil when none is set
func (p FanoutPayload) Pacing() (*controller.Pacing, error) {
	if p.Delay == "" && p.Jitter == "" && p.StartStagger == "" {
		return nil, nil
	}
	var pace controller.Pacing
	var err error
	if pace.Delay, err = parseDuration("delay", p.Delay); err != nil {
		return nil, err
	}
	if pace.Jitter, err = parseDuration("jitter", p.Jitter); err != nil {
		return nil, err
	}
	if pace.StartStagger, err = parseDuration("start_stagger", p.StartStagger); err != nil {
		return nil, err
	}
	return &pace, nil
}

// Fanout applies one action to every target, spreading targets across resources
type Fanout struct {
	ctrl          *controller.Controller
	client        remote.Client
	ledger        *ledger.Ledger
	logger        *zap.SugaredLogger
	leftoverDelay time.Duration
}

// NewFanout creates the fanout handler
func NewFanout(deps Deps) *Fanout {
	delay := deps.LeftoverDelay
	if delay <= 0 {
		delay = DefaultLeftoverDelay
	}
	return &Fanout{
		ctrl:          deps.Controller,
		client:        deps.Client,
		ledger:        deps.Ledger,
		logger:        deps.Logger.Named("fanout"),
		leftoverDelay: delay,
	}
}

func (h *Fanout) Name() string { return KindFanout }

func (h *Fanout) Execute(ctx context.Context, job *async.Job) (async.Result, error) {
	var p FanoutPayload
	if err := decode(job, &p); err != nil {
		return async.Result{}, err
	}
	pace, err := p.Pacing()
	if err != nil {
		return async.Result{}, err
	}

	report, err := h.ctrl.Run(ctx, job, controller.Work{
		Resources: p.Resources,
		Targets:   p.Targets,
		Scope:     lock.Scope(p.Scope),
		Pacing:    pace,
	}, h.apply(p.Action, p.Origin(job.ID)))
	if err != nil {
		return async.Result{}, err
	}

	summary := report.Summary()
	h.logger.Infow(sym.Pulse+" Fanout finished",
		"job_id", job.ID,
		"action", p.Action.Name,
		"rounds", report.Rounds,
		"summary", summary)

	leftover := report.LeftoverTargets()
	if len(leftover) == 0 {
		return async.Result{Summary: summary}, nil
	}

	next := p
	next.Targets = leftover
	next.OriginJobID = p.Origin(job.ID)
	payload, err := json.Marshal(next)
	if err != nil {
		return async.Result{}, err
	}
	return async.Result{
		Summary:      summary,
		Continuation: &async.Continuation{Payload: payload, Delay: h.leftoverDelay},
	}, nil
}

// apply performs the action once per (origin job, target, resource)
func (h *Fanout) apply(action remote.Action, origin int64) controller.Func {
	return func(ctx context.Context, call controller.Call) (remote.Result, error) {
		key := ledger.JobKey(origin, call.Target)
		key.Sub = fmt.Sprintf("resource:%d", call.ResourceID)

		applied, err := h.ledger.Exists(ctx, key)
		if err != nil {
			return remote.Result{}, err
		}
		if applied {
			return remote.Result{Skipped: true, Detail: "already applied"}, nil
		}

		res, err := h.client.Invoke(ctx, call.Handle, action, call.Target)
		if err != nil {
			return res, err
		}
		if _, err := h.ledger.RecordIfNew(ctx, key); err != nil {
			h.logger.Warnw("Effect applied but not recorded", "key", key.String(), "error", err)
		}
		return res, nil
	}
}
