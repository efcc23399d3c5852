// Package handlers holds the built-in job kinds: fanout runs a target list
// across resources once, watch hands a recurring job to the carousel.
package handlers

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/pulse/async"
	"github.com/teranos/fleet/pulse/carousel"
	"github.com/teranos/fleet/pulse/controller"
	"github.com/teranos/fleet/pulse/ledger"
	"github.com/teranos/fleet/remote"
)

// Job kinds served by this package
const (
	KindFanout = "fanout"
	KindWatch  = "watch"
)

// DefaultLeftoverDelay is how long a fanout continuation waits before it is claimable
const DefaultLeftoverDelay = time.Minute

// Deps are shared by the built-in handlers
type Deps struct {
	Controller *controller.Controller
	Carousel   *carousel.Carousel
	Client     remote.Client
	Ledger     *ledger.Ledger
	Logger     *zap.SugaredLogger

	// LeftoverDelay delays continuations of unfinished fanouts; zero uses DefaultLeftoverDelay
	LeftoverDelay time.Duration
}

// Register adds every built-in kind to reg
func Register(reg *async.HandlerRegistry, deps Deps) {
	reg.Register(NewFanout(deps))
	reg.Register(NewWatch(deps))
}

var validate = validator.New()

// Validate checks a payload struct's tags and marks failures as invalid requests
func Validate(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			err = errors.Newf("field %s failed %q", first.Namespace(), first.Tag())
		}
		return errors.Mark(err, errors.ErrInvalidRequest)
	}
	return nil
}

// decode reads and validates a job's payload into v
func decode(job *async.Job, v interface{}) error {
	if err := job.DecodePayload(v); err != nil {
		return errors.WithDetail(errors.Mark(err, errors.ErrInvalidRequest), fmt.Sprintf("Job ID: %d", job.ID))
	}
	if err := Validate(v); err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %d", job.ID))
	}
	return nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, errors.NewInvalidRequestError("%s: invalid duration %q", field, s)
	}
	return d, nil
}
