package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/fleet/am"
	"github.com/teranos/fleet/db"
	"github.com/teranos/fleet/errors"
	fleettest "github.com/teranos/fleet/internal/testing"
	"github.com/teranos/fleet/pulse/assign"
	"github.com/teranos/fleet/pulse/async"
	"github.com/teranos/fleet/pulse/carousel"
	"github.com/teranos/fleet/pulse/controller"
	"github.com/teranos/fleet/pulse/ledger"
	"github.com/teranos/fleet/pulse/lock"
	"github.com/teranos/fleet/pulse/metrics"
	"github.com/teranos/fleet/pulse/progress"
	"github.com/teranos/fleet/pulse/resource"
	"github.com/teranos/fleet/pulse/retry"
	"github.com/teranos/fleet/remote"
	"github.com/teranos/fleet/remote/remotetest"
)

// ============================================================================
// Choir Test Universe
// ============================================================================
//
// Singers (resources) split a song book (targets) between them and sing each
// song once. A conductor (the carousel) keeps them listening for new songs.
// ============================================================================

type stage struct {
	queue    *async.Queue
	registry *resource.Registry
	locker   *lock.MemoryLocker
	client   *remotetest.Client
	ledger   *ledger.Ledger
	carousel *carousel.Carousel
	pool     *async.WorkerPool
}

func newStage(t *testing.T) *stage {
	conn := fleettest.CreateTestDB(t)
	logger := zaptest.NewLogger(t).Sugar()
	m := metrics.New()

	s := &stage{
		queue:    async.NewQueue(async.NewStore(conn, db.SQLite)),
		registry: resource.NewRegistry(conn, db.SQLite, logger),
		locker:   lock.NewMemoryLocker(),
		client:   remotetest.New(),
		ledger:   ledger.New(conn, db.SQLite),
	}
	tracker := progress.NewTracker(s.queue, logger)
	ctrl := controller.New(controller.Deps{
		Client:   s.client,
		Registry: s.registry,
		Locker:   s.locker,
		Plans:    assign.NewManager(s.queue, s.registry, logger),
		Progress: tracker,
		Queue:    s.queue,
		Retry: retry.NewEngine(am.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		}, logger),
		Metrics: m,
		Logger:  logger,
	}, am.ControllerConfig{
		MaxConcurrent: 4,
		CallTimeout:   time.Second,
		MaxRounds:     2,
		RoundPause:    5 * time.Millisecond,
	})
	s.carousel = carousel.New(context.Background(), carousel.Deps{
		Queue:      s.queue,
		Controller: ctrl,
		Client:     s.client,
		Watcher:    s.client,
		Registry:   s.registry,
		Ledger:     s.ledger,
		Watermarks: ledger.NewWatermarks(conn, db.SQLite),
		Progress:   tracker,
		Metrics:    m,
		Logger:     logger,
	}, am.CarouselConfig{PageSize: 10, DefaultInterval: time.Hour})

	registry := async.NewHandlerRegistry()
	Register(registry, Deps{
		Controller:    ctrl,
		Carousel:      s.carousel,
		Client:        s.client,
		Ledger:        s.ledger,
		Logger:        logger,
		LeftoverDelay: time.Hour,
	})
	s.pool = async.NewWorkerPool(context.Background(), s.queue, registry,
		async.WorkerPoolConfig{Workers: 1, PollInterval: 5 * time.Millisecond}, logger, async.WithMetrics(m))

	t.Cleanup(func() {
		s.carousel.Close(context.Background())
		s.pool.Stop()
	})
	return s
}

func (s *stage) singers(t *testing.T, names ...string) []int64 {
	var ids []int64
	for _, name := range names {
		id, err := s.registry.Create(context.Background(), resource.CreateRequest{Label: name})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func (s *stage) enqueue(t *testing.T, kind string, payload interface{}) *async.Job {
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	job, err := s.queue.Enqueue(context.Background(), async.EnqueueRequest{Kind: kind, Payload: raw})
	require.NoError(t, err)
	return job
}

func (s *stage) waitFor(t *testing.T, id int64, want async.JobStatus) *async.Job {
	t.Helper()
	var job *async.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = s.queue.GetJob(context.Background(), id)
		return err == nil && job != nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %d never reached %s", id, want)
	return job
}

func songs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("song-%02d", i)
	}
	return out
}

var sing = remote.Action{Name: "sing"}

func TestFanout_EverySongSungOnce(t *testing.T) {
	s := newStage(t)
	ids := s.singers(t, "alto", "tenor")

	job := s.enqueue(t, KindFanout, FanoutPayload{Action: sing, Resources: ids, Targets: songs(6)})
	s.pool.Start()
	done := s.waitFor(t, job.ID, async.JobStatusCompleted)

	assert.Equal(t, "ok=6 skip=0 failed=0 dead_resources=0 remaining=0", done.Result)
	for _, song := range songs(6) {
		assert.Equal(t, 1, s.client.CallsFor(song), song)
	}

	prog, err := progress.Read(done.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(6), prog.Total)
	assert.Equal(t, int64(6), prog.Succeeded)
}

func TestFanout_SingerLosesVoice(t *testing.T) {
	s := newStage(t)
	ids := s.singers(t, "alto", "tenor")
	s.client.FailResourceAfter(ids[0], 3, &remote.InvalidResourceError{Status: remote.StatusFrozen, Reason: "lost voice"})

	job := s.enqueue(t, KindFanout, FanoutPayload{Action: sing, Resources: ids, Targets: songs(10)})
	s.pool.Start()
	done := s.waitFor(t, job.ID, async.JobStatusCompleted)

	assert.Equal(t, "ok=10 skip=0 failed=0 dead_resources=1 remaining=0", done.Result)
	prog, err := progress.Read(done.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(10), prog.Succeeded+prog.Failed)

	alto, err := s.registry.Get(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, resource.StatusFrozen, alto.Status)
}

func TestFanout_AlreadySungIsSkipped(t *testing.T) {
	ctx := context.Background()
	s := newStage(t)
	ids := s.singers(t, "alto")

	job := s.enqueue(t, KindFanout, FanoutPayload{Action: sing, Resources: ids, Targets: songs(2)})
	key := ledger.JobKey(job.ID, "song-01")
	key.Sub = fmt.Sprintf("resource:%d", ids[0])
	_, err := s.ledger.RecordIfNew(ctx, key)
	require.NoError(t, err)
	s.pool.Start()

	done := s.waitFor(t, job.ID, async.JobStatusCompleted)
	assert.Equal(t, "ok=1 skip=1 failed=0 dead_resources=0 remaining=0", done.Result)
	assert.Zero(t, s.client.CallsFor("song-01"))
}

func TestFanout_ContinuationRemembersParentEffects(t *testing.T) {
	ctx := context.Background()
	s := newStage(t)
	ids := s.singers(t, "alto")

	// Sung under the first job of the chain; the continuation has a new id
	const origin = 4242
	key := ledger.JobKey(origin, "song-00")
	key.Sub = fmt.Sprintf("resource:%d", ids[0])
	_, err := s.ledger.RecordIfNew(ctx, key)
	require.NoError(t, err)

	job := s.enqueue(t, KindFanout, FanoutPayload{Action: sing, Resources: ids, Targets: songs(2), OriginJobID: origin})
	s.pool.Start()

	done := s.waitFor(t, job.ID, async.JobStatusCompleted)
	assert.Equal(t, "ok=1 skip=1 failed=0 dead_resources=0 remaining=0", done.Result)
	assert.Zero(t, s.client.CallsFor("song-00"))
}

func TestFanout_NoEligibleSingers(t *testing.T) {
	ctx := context.Background()
	s := newStage(t)
	ids := s.singers(t, "alto")
	require.NoError(t, s.registry.MarkStatus(ctx, ids[0], resource.StatusBanned, "banned", 0))

	job := s.enqueue(t, KindFanout, FanoutPayload{Action: sing, Resources: ids, Targets: songs(2)})
	s.pool.Start()
	done := s.waitFor(t, job.ID, async.JobStatusError)
	assert.Equal(t, async.ResultNoEligibleRsrc, done.Result)
}

func TestFanout_LeftoversContinue(t *testing.T) {
	ctx := context.Background()
	s := newStage(t)
	ids := s.singers(t, "alto", "tenor")

	// Tenor is busy elsewhere for the whole run
	ok, err := s.locker.TryLock(ctx, ids[1], lock.ScopeDefault)
	require.NoError(t, err)
	require.True(t, ok)

	job := s.enqueue(t, KindFanout, FanoutPayload{Action: sing, Resources: ids, Targets: songs(4), Delay: "1ms"})
	s.pool.Start()
	done := s.waitFor(t, job.ID, async.JobStatusCompleted)
	assert.Equal(t, "ok=2 skip=0 failed=0 dead_resources=0 remaining=2", done.Result)

	children, err := s.queue.ListJobs(ctx, async.Filter{ParentID: &job.ID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, async.JobStatusPending, children[0].Status)
	assert.True(t, children[0].ScheduledAt.After(time.Now().Add(30*time.Minute)))

	var next FanoutPayload
	require.NoError(t, children[0].DecodePayload(&next))
	assert.Equal(t, []string{"song-01", "song-03"}, next.Targets)
	assert.Equal(t, ids, next.Resources)
	assert.Equal(t, "1ms", next.Delay)
	assert.Equal(t, job.ID, next.OriginJobID)

	plan, found, err := assign.Load(children[0].Payload)
	require.NoError(t, err)
	assert.False(t, found, "continuation plans afresh")
	assert.Nil(t, plan)
}

func TestFanout_InvalidPayload(t *testing.T) {
	s := newStage(t)
	ids := s.singers(t, "alto")

	tests := []struct {
		name    string
		payload interface{}
	}{
		{"no action", FanoutPayload{Resources: ids, Targets: songs(1)}},
		{"no targets", FanoutPayload{Action: sing, Resources: ids}},
		{"empty target", FanoutPayload{Action: sing, Resources: ids, Targets: []string{""}}},
		{"bad resource id", FanoutPayload{Action: sing, Resources: []int64{0}, Targets: songs(1)}},
		{"bad delay", FanoutPayload{Action: sing, Resources: ids, Targets: songs(1), Delay: "later"}},
		{"not json object", []int{1, 2}},
	}
	s.pool.Start()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := s.enqueue(t, KindFanout, tt.payload)
			done := s.waitFor(t, job.ID, async.JobStatusError)
			assert.NotEmpty(t, done.Result)
		})
	}
	assert.Empty(t, s.client.Calls())
}

func TestValidate(t *testing.T) {
	err := Validate(FanoutPayload{Action: sing, Resources: []int64{1}, Targets: []string{""}})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "Targets[0]")

	assert.NoError(t, Validate(FanoutPayload{Action: sing, Resources: []int64{1}, Targets: []string{"a"}}))

	err = Validate(carousel.Spec{Action: sing, Resources: []int64{1}, Channels: []string{"c"}, Interval: "1m", Schedule: "* * * * *"})
	assert.True(t, errors.IsInvalidRequestError(err), "interval and schedule are exclusive")
}

func TestWatch_AdoptedByCarousel(t *testing.T) {
	ctx := context.Background()
	s := newStage(t)
	ids := s.singers(t, "alto")
	s.client.AddItems("requests", remote.Item{Position: 1}, remote.Item{Position: 2})

	job := s.enqueue(t, KindWatch, carousel.Spec{Action: sing, Resources: ids, Channels: []string{"requests"}})

	s.pool.Start()
	require.Eventually(t, func() bool { return s.carousel.Watching(job.ID) }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return s.client.CallsFor("requests/1") == 1 && s.client.CallsFor("requests/2") == 1
	}, 5*time.Second, 5*time.Millisecond)

	running, err := s.queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusRunning, running.Status, "detached jobs stay running")

	require.NoError(t, s.carousel.Stop(ctx, job.ID))
	done := s.waitFor(t, job.ID, async.JobStatusCompleted)
	assert.Equal(t, async.ResultStopped, done.Result)
}

func TestWatch_InvalidSpec(t *testing.T) {
	s := newStage(t)
	job := s.enqueue(t, KindWatch, carousel.Spec{Action: sing, Channels: []string{"requests"}})
	s.pool.Start()
	s.waitFor(t, job.ID, async.JobStatusError)
	assert.Zero(t, s.carousel.Count())
}
