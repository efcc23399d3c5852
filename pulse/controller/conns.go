package controller

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/remote"
)

// connCache keeps one open session per resource across targets and jobs
type connCache struct {
	client remote.Client
	logger *zap.SugaredLogger

	mu      sync.Mutex
	handles map[int64]remote.Handle
}

func newConnCache(client remote.Client, logger *zap.SugaredLogger) *connCache {
	return &connCache{
		client:  client,
		logger:  logger,
		handles: make(map[int64]remote.Handle),
	}
}

// get returns the cached session or connects. Untyped connect failures are
// wrapped as remote.ConnectError so they classify as resource dead.
func (cc *connCache) get(ctx context.Context, r remote.Resource) (remote.Handle, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if h, ok := cc.handles[r.ID]; ok {
		return h, nil
	}
	h, err := cc.client.Connect(ctx, r)
	if err != nil {
		var invalid *remote.InvalidResourceError
		var connect *remote.ConnectError
		if !errors.As(err, &invalid) && !errors.As(err, &connect) && ctx.Err() == nil {
			err = &remote.ConnectError{Err: err}
		}
		return nil, err
	}
	cc.handles[r.ID] = h
	return h, nil
}

func (cc *connCache) evict(ctx context.Context, resourceID int64) {
	cc.mu.Lock()
	h, ok := cc.handles[resourceID]
	delete(cc.handles, resourceID)
	cc.mu.Unlock()

	if !ok {
		return
	}
	if err := cc.client.Disconnect(ctx, h); err != nil {
		cc.logger.Debugw("Disconnect failed", "resource_id", resourceID, "error", err)
	}
}

func (cc *connCache) closeAll(ctx context.Context) error {
	cc.mu.Lock()
	handles := cc.handles
	cc.handles = make(map[int64]remote.Handle)
	cc.mu.Unlock()

	var errs error
	for id, h := range handles {
		if err := cc.client.Disconnect(ctx, h); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "failed to disconnect resource %d", id))
		}
	}
	return errs
}

func (cc *connCache) size() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.handles)
}
