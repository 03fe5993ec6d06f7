package player

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/xzcore/pkg/config"
	"github.com/ajitpratap0/xzcore/pkg/database"
	"github.com/ajitpratap0/xzcore/pkg/events"
	"github.com/ajitpratap0/xzcore/pkg/testutil"
	"github.com/ajitpratap0/xzcore/pkg/xzerrors"
)

var epoch = time.UnixMilli(1700000000000)

// fakeStore keeps rows in memory and can be told to fail saves.
type fakeStore struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]Snapshot
	loads   int
	saves   int
	saveErr error
	onSave  func(Snapshot)
	delay   time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[uuid.UUID]Snapshot)}
}

func (s *fakeStore) Load(ctx context.Context, id uuid.UUID) (Snapshot, bool, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	snap, ok := s.rows[id]
	return snap, ok, nil
}

func (s *fakeStore) Save(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	hook, err := s.onSave, s.saveErr
	s.mu.Unlock()
	if hook != nil {
		hook(snap)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.rows[snap.ID] = snap
	return nil
}

func (s *fakeStore) row(id uuid.UUID) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.rows[id]
	return snap, ok
}

func (s *fakeStore) counts() (loads, saves int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads, s.saves
}

func (s *fakeStore) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

// inlineRunner runs work on the caller's goroutine.
type inlineRunner struct{}

func (inlineRunner) Go(name string, fn func(ctx context.Context) error) *database.Future[struct{}] {
	return database.Resolved(struct{}{}, fn(context.Background()))
}

// manualRunner queues work until runAll is called.
type manualRunner struct {
	mu   sync.Mutex
	jobs []manualJob
}

type manualJob struct {
	fn func(ctx context.Context) error
	f  *database.Future[struct{}]
}

func (r *manualRunner) Go(name string, fn func(ctx context.Context) error) *database.Future[struct{}] {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := database.NewFuture[struct{}]()
	r.jobs = append(r.jobs, manualJob{fn: fn, f: f})
	return f
}

func (r *manualRunner) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *manualRunner) runAll() int {
	n := 0
	for {
		r.mu.Lock()
		if len(r.jobs) == 0 {
			r.mu.Unlock()
			return n
		}
		j := r.jobs[0]
		r.jobs = r.jobs[1:]
		r.mu.Unlock()

		j.f.Complete(struct{}{}, j.fn(context.Background()))
		n++
	}
}

type fixture struct {
	store *fakeStore
	clock *testclock.Clock
	bus   *events.Bus
	mgr   *Manager
}

func newFixture(t *testing.T, runner Runner, withBus bool) *fixture {
	t.Helper()
	f := &fixture{
		store: newFakeStore(),
		clock: testclock.NewClock(epoch),
	}
	if withBus {
		f.bus = events.NewBus(nil, testutil.TestLogger(t))
		require.NoError(t, f.bus.Initialize(context.Background()))
		t.Cleanup(func() { _ = f.bus.Shutdown(context.Background()) })
	}
	f.mgr = NewManager(f.store, runner, f.bus, f.clock, config.CacheConfig{
		AutosaveInterval: time.Minute,
		ShutdownTimeout:  5 * time.Second,
	}, testutil.TestLogger(t))
	require.NoError(t, f.mgr.Initialize(context.Background()))
	t.Cleanup(func() { _ = f.mgr.Shutdown(context.Background()) })
	return f
}

func TestGetReturnsCachedInstance(t *testing.T) {
	f := newFixture(t, inlineRunner{}, false)
	id := uuid.New()
	f.store.rows[id] = Snapshot{ID: id, Name: "steve", Experience: 40, Level: 1, FirstSeen: 1}
	ctx := testutil.TestContext(t)

	first, found, err := f.mgr.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	second, found, err := f.mgr.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, found)

	assert.Same(t, first, second)
	assert.False(t, first.IsDirty())
	assert.Equal(t, int64(40), first.Experience())
	loads, _ := f.store.counts()
	assert.Equal(t, 1, loads)
}

func TestGetAbsentRecord(t *testing.T) {
	f := newFixture(t, inlineRunner{}, false)

	d, found, err := f.mgr.Get(testutil.TestContext(t), uuid.New())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, d)
	assert.Zero(t, f.mgr.Size())
}

func TestConcurrentLoadsShareOneInstance(t *testing.T) {
	f := newFixture(t, inlineRunner{}, false)
	f.store.delay = 20 * time.Millisecond
	id := uuid.New()
	f.store.rows[id] = Snapshot{ID: id, Name: "alex", Level: 3}

	const callers = 8
	got := make([]*Data, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, _, err := f.mgr.Get(context.Background(), id)
			assert.NoError(t, err)
			got[i] = d
		}(i)
	}
	wg.Wait()

	for _, d := range got {
		assert.Same(t, got[0], d)
	}
	assert.Equal(t, 1, f.mgr.Size())
}

func TestNewRecordIsDirtyUntilFirstFlush(t *testing.T) {
	runner := &manualRunner{}
	f := newFixture(t, runner, false)
	id := uuid.New()
	ctx := testutil.TestContext(t)

	d, err := f.mgr.GetOrCreate(ctx, id, "notch")
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Experience())
	assert.Equal(t, 1, d.Level())
	assert.Equal(t, epoch.UnixMilli(), d.FirstSeen())
	assert.True(t, d.IsDirty())
	assert.Equal(t, 1, runner.pending(), "creation schedules a flush")

	_, ok := f.store.row(id)
	assert.False(t, ok)

	runner.runAll()
	row, ok := f.store.row(id)
	require.True(t, ok)
	assert.Equal(t, "notch", row.Name)

	again, found, err := f.mgr.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Same(t, d, again)
	assert.False(t, again.IsDirty())
}

func TestActivateStampsFirstSeenOnce(t *testing.T) {
	f := newFixture(t, inlineRunner{}, false)
	id := uuid.New()
	f.store.rows[id] = Snapshot{ID: id, Name: "old-name", Level: 1, FirstSeen: 1234, LastSeen: 5678}
	ctx := testutil.TestContext(t)

	f.clock.Advance(time.Hour)
	d, err := f.mgr.Activate(ctx, id, "new-name")
	require.NoError(t, err)

	assert.Equal(t, int64(1234), d.FirstSeen())
	assert.Equal(t, epoch.Add(time.Hour).UnixMilli(), d.LastSeen())
	assert.Equal(t, "new-name", d.Name())
	assert.True(t, d.Online())
	assert.True(t, d.IsDirty())
}

func TestFlushFailureLeavesRecordDirty(t *testing.T) {
	f := newFixture(t, inlineRunner{}, false)
	id := uuid.New()
	ctx := testutil.TestContext(t)

	d, err := f.mgr.Activate(ctx, id, "herobrine")
	require.NoError(t, err)
	require.True(t, d.IsDirty())

	f.store.failWith(errors.New("disk full"))
	assert.Equal(t, 1, f.mgr.FlushDirty())
	assert.True(t, d.IsDirty())

	f.store.failWith(nil)
	assert.Equal(t, 1, f.mgr.FlushDirty())
	assert.False(t, d.IsDirty())
	assert.Zero(t, f.mgr.FlushDirty())
}

func TestFlushFailureLogNamesIdentity(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := newFakeStore()
	mgr := NewManager(store, inlineRunner{}, nil, testclock.NewClock(epoch), config.CacheConfig{
		AutosaveInterval: time.Minute,
		ShutdownTimeout:  5 * time.Second,
	}, zap.New(core))
	require.NoError(t, mgr.Initialize(context.Background()))
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	id := uuid.New()
	store.failWith(errors.New("disk full"))
	_, err := mgr.GetOrCreate(testutil.TestContext(t), id, "unlucky")
	require.NoError(t, err)

	failed := logs.FilterMessage("failed to flush record").All()
	require.Len(t, failed, 1)
	fields := failed[0].ContextMap()
	assert.Equal(t, id.String(), fields["identity"])
	assert.Equal(t, TriggerCreate, fields["trigger"])
}

func TestMutationDuringFlushKeepsRecordDirty(t *testing.T) {
	f := newFixture(t, inlineRunner{}, false)
	id := uuid.New()
	d, err := f.mgr.Activate(testutil.TestContext(t), id, "racer")
	require.NoError(t, err)

	f.store.onSave = func(Snapshot) { d.AddExperience(5) }
	f.mgr.FlushDirty()
	row, _ := f.store.row(id)
	assert.Equal(t, int64(0), row.Experience)
	assert.True(t, d.IsDirty())

	f.store.onSave = nil
	f.mgr.FlushDirty()
	row, _ = f.store.row(id)
	assert.Equal(t, int64(5), row.Experience)
	assert.False(t, d.IsDirty())
}

func TestSweepSkipsRecordWithFlushInFlight(t *testing.T) {
	f := newFixture(t, inlineRunner{}, false)
	d, err := f.mgr.Activate(testutil.TestContext(t), uuid.New(), "busy")
	require.NoError(t, err)
	_, saves := f.store.counts()

	d.flushMu.Lock()
	f.mgr.FlushDirty()
	d.flushMu.Unlock()

	_, after := f.store.counts()
	assert.Equal(t, saves, after)
	assert.True(t, d.IsDirty())
}

func TestSweepRunsOnInterval(t *testing.T) {
	f := newFixture(t, inlineRunner{}, false)
	d, err := f.mgr.Activate(testutil.TestContext(t), uuid.New(), "ticker")
	require.NoError(t, err)
	require.True(t, d.IsDirty())

	require.NoError(t, f.clock.WaitAdvance(time.Minute, time.Second, 1))
	testutil.AssertEventually(t, func() bool { return !d.IsDirty() }, 2*time.Second, "sweep flushed the record")
	assert.Equal(t, 1, f.mgr.Size(), "sweep does not evict")
}

func TestDeactivateEvictsAndFlushesInBackground(t *testing.T) {
	runner := &manualRunner{}
	f := newFixture(t, runner, false)
	id := uuid.New()
	ctx := testutil.TestContext(t)

	_, err := f.mgr.Activate(ctx, id, "leaver")
	require.NoError(t, err)
	runner.runAll()

	f.clock.Advance(90 * time.Second)
	fut := f.mgr.Deactivate(id)
	assert.Zero(t, f.mgr.Size())
	assert.False(t, fut.IsDone())

	runner.runAll()
	_, err = fut.Wait(ctx)
	require.NoError(t, err)
	row, ok := f.store.row(id)
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, row.PlayTime)

	assert.True(t, f.mgr.Deactivate(id).IsDone(), "unknown identity resolves at once")
}

func TestReloadWaitsForPendingEviction(t *testing.T) {
	runner := &manualRunner{}
	f := newFixture(t, runner, false)
	id := uuid.New()
	ctx := testutil.TestContext(t)

	d, err := f.mgr.Activate(ctx, id, "quick")
	require.NoError(t, err)
	runner.runAll()
	d.AddExperience(77)
	f.mgr.Deactivate(id)

	loaded := make(chan *Data, 1)
	go func() {
		d, _, _ := f.mgr.Get(context.Background(), id)
		loaded <- d
	}()

	select {
	case <-loaded:
		t.Fatal("reload finished before the eviction flush")
	case <-time.After(50 * time.Millisecond):
	}

	runner.runAll()
	select {
	case d := <-loaded:
		require.NotNil(t, d)
		assert.Equal(t, int64(77), d.Experience())
	case <-time.After(2 * time.Second):
		t.Fatal("reload did not finish")
	}
}

// stallingRunner runs work inline but holds the caller inside Go for one
// job name until release is closed, like a full executor queue.
type stallingRunner struct {
	name    string
	entered chan struct{}
	release chan struct{}
}

func (r *stallingRunner) Go(name string, fn func(ctx context.Context) error) *database.Future[struct{}] {
	if name == r.name {
		close(r.entered)
		<-r.release
	}
	return database.Resolved(struct{}{}, fn(context.Background()))
}

func TestReloadWhileEvictionIsBeingScheduled(t *testing.T) {
	runner := &stallingRunner{
		name:    "player.flush." + TriggerDeactivate,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	f := newFixture(t, runner, false)
	id := uuid.New()
	ctx := testutil.TestContext(t)

	d, err := f.mgr.Activate(ctx, id, "rejoiner")
	require.NoError(t, err)
	d.AddExperience(77)

	go f.mgr.Deactivate(id)
	<-runner.entered

	loaded := make(chan *Data, 1)
	go func() {
		d, _, _ := f.mgr.Get(context.Background(), id)
		loaded <- d
	}()

	select {
	case <-loaded:
		t.Fatal("reload finished before the eviction flush was scheduled")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)
	select {
	case d := <-loaded:
		require.NotNil(t, d)
		assert.Equal(t, int64(77), d.Experience())
	case <-time.After(2 * time.Second):
		t.Fatal("reload did not finish")
	}
}

func TestShutdownSavesLatestState(t *testing.T) {
	f := newFixture(t, inlineRunner{}, false)
	ctx := testutil.TestContext(t)

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, id := range ids {
		d, err := f.mgr.Activate(ctx, id, "p")
		require.NoError(t, err)
		d.SetExperience(int64(i * 100))
		d.SetMetadata("rank", StringValue("member"))
	}

	require.NoError(t, f.mgr.Shutdown(ctx))
	assert.Zero(t, f.mgr.Size())
	for i, id := range ids {
		row, ok := f.store.row(id)
		require.True(t, ok)
		assert.Equal(t, int64(i*100), row.Experience)
		assert.Equal(t, "member", row.Metadata["rank"].StringOr(""))
	}

	_, _, err := f.mgr.Get(ctx, ids[0])
	assert.True(t, xzerrors.IsType(err, xzerrors.ErrorTypeNotInitialized))
}

func TestSaveAllReportsFailures(t *testing.T) {
	f := newFixture(t, inlineRunner{}, false)
	ctx := testutil.TestContext(t)
	_, err := f.mgr.Activate(ctx, uuid.New(), "a")
	require.NoError(t, err)
	_, err = f.mgr.Activate(ctx, uuid.New(), "b")
	require.NoError(t, err)

	f.store.failWith(errors.New("connection refused"))
	err = f.mgr.SaveAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	f.store.failWith(nil)
	assert.NoError(t, f.mgr.SaveAll(ctx))
}

func TestAddExperiencePublishesLevelUps(t *testing.T) {
	f := newFixture(t, inlineRunner{}, true)
	ctx := testutil.TestContext(t)
	id := uuid.New()
	_, err := f.mgr.Activate(ctx, id, "grinder")
	require.NoError(t, err)

	var levels []int
	_, err = events.Subscribe(f.bus, "test", func(e LevelUpEvent) error {
		levels = append(levels, e.Level)
		return nil
	})
	require.NoError(t, err)

	level, err := f.mgr.AddExperience(ctx, id, 400)
	require.NoError(t, err)
	assert.Equal(t, 2, level)

	level, err = f.mgr.AddExperience(ctx, id, 1000)
	require.NoError(t, err)
	assert.Equal(t, 5, level)
	assert.Equal(t, []int{2, 3, 4, 5}, levels)

	_, err = f.mgr.AddExperience(ctx, uuid.New(), 1)
	assert.True(t, xzerrors.IsType(err, xzerrors.ErrorTypeValidation))
}

func TestSessionEventsDriveCache(t *testing.T) {
	f := newFixture(t, inlineRunner{}, true)
	id := uuid.New()

	var activated []ActivatedEvent
	_, err := events.Subscribe(f.bus, "test", func(e ActivatedEvent) error {
		activated = append(activated, e)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.bus.Publish(PreLoginEvent{ID: id, Name: "joiner"}))
	d, ok := f.mgr.Cached(id)
	require.True(t, ok)
	assert.False(t, d.Online())

	require.NoError(t, f.bus.Publish(SessionStartEvent{ID: id, Name: "joiner"}))
	assert.True(t, d.Online())
	require.Len(t, activated, 1)
	assert.True(t, activated[0].First)

	require.NoError(t, f.bus.Publish(SessionEndEvent{ID: id}))
	_, ok = f.mgr.Cached(id)
	assert.False(t, ok)
	_, stored := f.store.row(id)
	assert.True(t, stored)
	assert.Zero(t, f.bus.SubscriberErrors())
}

func TestOperationsBeforeInitialize(t *testing.T) {
	m := NewManager(newFakeStore(), inlineRunner{}, nil, nil, config.CacheConfig{}, nil)

	_, _, err := m.Get(context.Background(), uuid.New())
	assert.True(t, xzerrors.IsType(err, xzerrors.ErrorTypeNotInitialized))
	_, err = m.Preload(uuid.New(), "x").Result()
	assert.True(t, xzerrors.IsType(err, xzerrors.ErrorTypeNotInitialized))
	assert.NoError(t, m.Shutdown(context.Background()))
}
