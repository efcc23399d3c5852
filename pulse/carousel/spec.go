package carousel

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/fleet/am"
	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/pulse/controller"
	"github.com/teranos/fleet/remote"
)

// Spec is the payload of a recurring watch job.
// Durations are Go duration strings ("90s", "5m").
type Spec struct {
	Action    remote.Action `json:"action" validate:"required"`
	Resources []int64       `json:"resources" validate:"required,min=1,dive,gt=0"`
	Channels  []string      `json:"channels" validate:"required,min=1,dive,required"`
	Interval  string        `json:"interval,omitempty" validate:"excluded_with=Schedule"`
	Schedule  string        `json:"schedule,omitempty"`
	PageSize  int           `json:"page_size,omitempty" validate:"gte=0,lte=1000"`
	Delay     string        `json:"delay,omitempty"`
	Jitter    string        `json:"jitter,omitempty"`

	// OriginJobID is the first job of the watch; continuations keep it so
	// watermarks survive hand-offs.
	OriginJobID int64 `json:"origin_job_id,omitempty"`
}

// WatchID keys the watch's watermarks
func (s Spec) WatchID(jobID int64) int64 {
	if s.OriginJobID > 0 {
		return s.OriginJobID
	}
	return jobID
}

// ScheduleFor resolves when passes run: a cron spec, or a fixed interval
// clamped to min_interval.
func (s Spec) ScheduleFor(cfg am.CarouselConfig) (cron.Schedule, error) {
	if s.Schedule != "" {
		sched, err := cron.ParseStandard(s.Schedule)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "invalid schedule %q", s.Schedule), errors.ErrInvalidRequest)
		}
		return sched, nil
	}

	interval := cfg.DefaultInterval
	if s.Interval != "" {
		d, err := time.ParseDuration(s.Interval)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "invalid interval %q", s.Interval), errors.ErrInvalidRequest)
		}
		interval = d
	}
	if interval < cfg.MinInterval {
		interval = cfg.MinInterval
	}
	if interval <= 0 {
		return nil, errors.NewInvalidRequestError("watch needs a positive interval or a schedule")
	}
	return every(interval), nil
}

// Pacing returns the per-call pacing override, nil when the spec sets none
func (s Spec) Pacing() (*controller.Pacing, error) {
	if s.Delay == "" && s.Jitter == "" {
		return nil, nil
	}
	var p controller.Pacing
	var err error
	if p.Delay, err = parseDuration(s.Delay); err != nil {
		return nil, err
	}
	if p.Jitter, err = parseDuration(s.Jitter); err != nil {
		return nil, err
	}
	return &p, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "invalid duration %q", s), errors.ErrInvalidRequest)
	}
	return d, nil
}

// every is a fixed-delay schedule. cron.Every truncates to whole seconds,
// which is too coarse for short test intervals.
type every time.Duration

func (e every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}
