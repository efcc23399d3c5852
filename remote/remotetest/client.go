// Package remotetest provides a scripted remote.Client and remote.Watcher.
// It backs unit tests and `fleet serve --dry-run`.
package remotetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teranos/fleet/remote"
)

// Session is the Handle returned by Client.Connect.
type Session struct {
	ResourceID int64
	Label      string
}

// Call records one Invoke.
type Call struct {
	ResourceID int64
	Action     string
	Target     string
	Err        error
}

type scriptKey struct {
	resourceID int64
	target     string
}

type resourceFailure struct {
	after int
	err   error
}

// Client is a thread-safe scripted double. Unscripted calls succeed.
type Client struct {
	mu sync.Mutex

	latency      time.Duration
	scripts      map[scriptKey][]error
	targetErrs   map[string]error
	resourceErrs map[int64]resourceFailure
	connectErrs  map[int64]error
	fetchErrs    map[string]error
	skips        map[string]bool
	items        map[string][]remote.Item

	okCount   map[int64]int
	inFlight  map[int64]int
	maxFlight map[int64]int
	calls     []Call
	connects  int
	closes    int
}

var (
	_ remote.Client  = (*Client)(nil)
	_ remote.Watcher = (*Client)(nil)
)

// New returns an empty scripted client.
func New() *Client {
	return &Client{
		scripts:      make(map[scriptKey][]error),
		targetErrs:   make(map[string]error),
		resourceErrs: make(map[int64]resourceFailure),
		connectErrs:  make(map[int64]error),
		fetchErrs:    make(map[string]error),
		skips:        make(map[string]bool),
		items:        make(map[string][]remote.Item),
		okCount:      make(map[int64]int),
		inFlight:     make(map[int64]int),
		maxFlight:    make(map[int64]int),
	}
}

// SetLatency makes every Invoke take d (or until ctx is done).
func (c *Client) SetLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency = d
}

// Script queues outcomes for (resource, target); nil is success.
// Once the queue is drained the pair succeeds.
func (c *Client) Script(resourceID int64, target string, outcomes ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := scriptKey{resourceID, target}
	c.scripts[k] = append(c.scripts[k], outcomes...)
}

// FailTarget makes every call on target return err, from any resource.
func (c *Client) FailTarget(target string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetErrs[target] = err
}

// SkipTarget makes target report an already applied effect.
func (c *Client) SkipTarget(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skips[target] = true
}

// FailResourceAfter lets resourceID succeed n times, then every call returns err.
func (c *Client) FailResourceAfter(resourceID int64, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resourceErrs[resourceID] = resourceFailure{after: n, err: err}
}

// FailConnect makes Connect fail for resourceID.
func (c *Client) FailConnect(resourceID int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErrs[resourceID] = err
}

// FailFetch makes FetchSince on channel return err.
func (c *Client) FailFetch(channel string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchErrs[channel] = err
}

// AddItems publishes items on channel. Positions should be unique per channel.
func (c *Client) AddItems(channel string, items ...remote.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[channel] = append(c.items[channel], items...)
	sort.Slice(c.items[channel], func(i, j int) bool {
		return c.items[channel][i].Position < c.items[channel][j].Position
	})
}

func (c *Client) Connect(ctx context.Context, r remote.Resource) (remote.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectErrs[r.ID]; err != nil {
		return nil, err
	}
	c.connects++
	return &Session{ResourceID: r.ID, Label: r.Label}, nil
}

func (c *Client) Disconnect(ctx context.Context, h remote.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *Client) Invoke(ctx context.Context, h remote.Handle, action remote.Action, target string) (remote.Result, error) {
	s := h.(*Session)

	c.mu.Lock()
	c.inFlight[s.ResourceID]++
	if c.inFlight[s.ResourceID] > c.maxFlight[s.ResourceID] {
		c.maxFlight[s.ResourceID] = c.inFlight[s.ResourceID]
	}
	latency := c.latency
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight[s.ResourceID]--
		c.mu.Unlock()
	}()

	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			t.Stop()
			c.record(s.ResourceID, action.Name, target, ctx.Err())
			return remote.Result{}, ctx.Err()
		case <-t.C:
		}
	}

	c.mu.Lock()
	err := c.outcomeLocked(s.ResourceID, target)
	skipped := err == nil && c.skips[target]
	if err == nil {
		c.okCount[s.ResourceID]++
	}
	c.calls = append(c.calls, Call{ResourceID: s.ResourceID, Action: action.Name, Target: target, Err: err})
	c.mu.Unlock()

	if err != nil {
		return remote.Result{}, err
	}
	return remote.Result{Skipped: skipped}, nil
}

func (c *Client) outcomeLocked(resourceID int64, target string) error {
	if f, ok := c.resourceErrs[resourceID]; ok && c.okCount[resourceID] >= f.after {
		return f.err
	}
	k := scriptKey{resourceID, target}
	if q := c.scripts[k]; len(q) > 0 {
		c.scripts[k] = q[1:]
		return q[0]
	}
	return c.targetErrs[target]
}

func (c *Client) record(resourceID int64, action, target string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{ResourceID: resourceID, Action: action, Target: target, Err: err})
}

func (c *Client) FetchSince(ctx context.Context, h remote.Handle, channel string, after int64, limit int) ([]remote.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fetchErrs[channel]; err != nil {
		return nil, err
	}
	var out []remote.Item
	for _, it := range c.items[channel] {
		if it.Position <= after {
			continue
		}
		out = append(out, it)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Calls returns a copy of every Invoke so far.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallsFor counts Invokes on target.
func (c *Client) CallsFor(target string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Target == target {
			n++
		}
	}
	return n
}

// MaxInFlight reports the highest concurrent Invoke count seen for resourceID.
func (c *Client) MaxInFlight(resourceID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxFlight[resourceID]
}

// Connects reports Connect and Disconnect counts.
func (c *Client) Connects() (opened, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.closes
}
