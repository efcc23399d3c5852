package handlers

import (
	"context"

	"github.com/teranos/fleet/pulse/async"
	"github.com/teranos/fleet/pulse/carousel"
)

// Watch hands recurring jobs to the carousel, which owns them from then on
type Watch struct {
	carousel *carousel.Carousel
}

// NewWatch creates the watch handler
func NewWatch(deps Deps) *Watch {
	return &Watch{carousel: deps.Carousel}
}

func (h *Watch) Name() string { return KindWatch }

func (h *Watch) Execute(ctx context.Context, job *async.Job) (async.Result, error) {
	var spec carousel.Spec
	if err := decode(job, &spec); err != nil {
		return async.Result{}, err
	}
	if err := h.carousel.Adopt(job); err != nil {
		return async.Result{}, err
	}
	return async.Result{}, async.ErrDetached
}
