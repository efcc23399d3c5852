package carousel

import (
	"context"
	"fmt"
	"strconv"

	"github.com/teranos/fleet/pulse/controller"
	"github.com/teranos/fleet/pulse/ledger"
	"github.com/teranos/fleet/pulse/lock"
	"github.com/teranos/fleet/pulse/progress"
	"github.com/teranos/fleet/pulse/retry"
	"github.com/teranos/fleet/remote"
)

// feed is what one resource read from one channel in a pass
type feed struct {
	resourceID int64
	channel    string
	after      int64
	items      []remote.Item
}

type itemRef struct {
	channel string
	key     string
}

type resultKey struct {
	resourceID int64
	target     string
}

// ItemTarget is the target string handed to the remote client for a channel item
func ItemTarget(channel string, it remote.Item) string {
	return channel + "/" + itemKey(it)
}

func itemKey(it remote.Item) string {
	if it.Key != "" {
		return it.Key
	}
	return strconv.FormatInt(it.Position, 10)
}

// pass reads each (resource, channel) past its watermark, acts on the items,
// then advances each watermark over the completed in-order prefix.
func (c *Carousel) pass(ctx context.Context, w *watch) error {
	eligible, err := c.registry.Eligible(ctx, w.spec.Resources)
	if err != nil {
		return err
	}

	pageSize := w.spec.PageSize
	if pageSize <= 0 {
		pageSize = c.cfg.PageSize
	}

	var feeds []feed
	slices := make(map[int64][]string)
	refs := make(map[string]itemRef)
	for _, rid := range eligible {
		h, err := c.ctrl.Session(ctx, rid)
		if err != nil {
			c.logger.Warnw("Cannot open session for pass", "job_id", w.job.ID, "resource_id", rid, "error", err)
			continue
		}
		for _, ch := range w.spec.Channels {
			after, err := c.marks.Get(ctx, w.id, rid, ch)
			if err != nil {
				return err
			}
			items, err := c.watcher.FetchSince(ctx, h, ch, after, pageSize)
			if err != nil {
				if retry.Classify(err) == retry.ResourceDead {
					c.ctrl.Drop(ctx, rid)
				}
				c.logger.Warnw("Fetch failed", "job_id", w.job.ID, "resource_id", rid, "channel", ch, "error", err)
				continue
			}
			feeds = append(feeds, feed{resourceID: rid, channel: ch, after: after, items: items})
			for _, it := range items {
				target := ItemTarget(ch, it)
				refs[target] = itemRef{channel: ch, key: itemKey(it)}
				slices[rid] = append(slices[rid], target)
			}
		}
	}

	report, runErr := c.ctrl.RunSlices(ctx, controller.SliceWork{
		JobID:  w.job.ID,
		Kind:   w.job.Kind,
		Slices: slices,
		Scope:  lock.ScopeDefault,
		Pacing: w.pacing,
	}, c.act(w, refs))

	outcomes := make(map[resultKey]retry.Outcome, len(report.Results))
	for _, r := range report.Results {
		outcomes[resultKey{r.ResourceID, r.Target}] = r.Outcome
	}

	// Watermarks are written even when the pass was cut short
	wctx := context.WithoutCancel(ctx)
	marks := make(map[string]int64, len(feeds))
	for _, f := range feeds {
		pos := f.after
		for _, it := range f.items {
			if !outcomes[resultKey{f.resourceID, ItemTarget(f.channel, it)}].Completed() {
				break
			}
			pos = it.Position
		}
		if pos > f.after {
			stored, err := c.marks.Advance(wctx, w.id, f.resourceID, f.channel, pos)
			if err != nil {
				return err
			}
			pos = stored
		}
		marks[fmt.Sprintf("%d/%s", f.resourceID, f.channel)] = pos
	}

	w.passes++
	if _, err := c.tracker.Merge(wctx, w.job.ID, progress.Delta{Gauges: map[string]interface{}{
		"passes":       w.passes,
		"last_pass_at": c.now().UTC(),
		"watermarks":   marks,
	}}); err != nil {
		c.logger.Warnw("Failed to record pass gauges", "job_id", w.job.ID, "error", err)
	}
	return runErr
}

// act applies the watch action to one item, at most once per resource
func (c *Carousel) act(w *watch, refs map[string]itemRef) controller.Func {
	return func(ctx context.Context, call controller.Call) (remote.Result, error) {
		ref := refs[call.Target]
		key := ledger.WatchKey(w.id, call.ResourceID, ref.channel, ref.key)

		applied, err := c.ledger.Exists(ctx, key)
		if err != nil {
			return remote.Result{}, err
		}
		if applied {
			return remote.Result{Skipped: true, Detail: "already applied"}, nil
		}

		res, err := c.client.Invoke(ctx, call.Handle, w.spec.Action, call.Target)
		if err != nil {
			return res, err
		}
		if _, err := c.ledger.RecordIfNew(ctx, key); err != nil {
			c.logger.Warnw("Effect applied but not recorded", "key", key.String(), "error", err)
		}
		return res, nil
	}
}
