// Package player holds per-identity entity records in a write-back cache.
//
// Records are loaded on demand, mutated in memory and written to the store
// by a periodic sweep, on eviction and on shutdown. A record is dirty iff it
// changed since its last successful flush; a failed flush leaves it dirty and
// the next sweep retries it.
package player

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/xzcore/pkg/config"
	"github.com/ajitpratap0/xzcore/pkg/database"
	"github.com/ajitpratap0/xzcore/pkg/events"
	"github.com/ajitpratap0/xzcore/pkg/logger"
	"github.com/ajitpratap0/xzcore/pkg/metrics"
	"github.com/ajitpratap0/xzcore/pkg/xzerrors"
)

// Flush triggers, used as the metrics label and in logs.
const (
	TriggerCreate     = "create"
	TriggerSweep      = "sweep"
	TriggerDeactivate = "deactivate"
	TriggerSaveAll    = "save_all"
)

// Runner schedules store work off the caller's goroutine. The persistence
// executor is the production Runner.
type Runner interface {
	Go(name string, fn func(ctx context.Context) error) *database.Future[struct{}]
}

// Manager is the entity cache service.
type Manager struct {
	store  Store
	runner Runner
	bus    *events.Bus
	clock  clock.Clock
	cfg    config.CacheConfig
	logger *zap.Logger

	mu        sync.RWMutex
	cache     map[uuid.UUID]*Data
	evicting  map[uuid.UUID]*database.Future[struct{}]
	loads     singleflight.Group
	subs      []*events.Subscription
	stopSweep chan struct{}
	sweepDone chan struct{}

	initialized atomic.Bool
}

// NewManager creates the cache. bus may be nil, in which case no session
// events are consumed or published.
func NewManager(store Store, runner Runner, bus *events.Bus, clk clock.Clock, cfg config.CacheConfig, log *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Manager{
		store:    store,
		runner:   runner,
		bus:      bus,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.Named(log, "player"),
		cache:    make(map[uuid.UUID]*Data),
		evicting: make(map[uuid.UUID]*database.Future[struct{}]),
	}
}

// Name returns the service name
func (m *Manager) Name() string { return "player" }

// IsInitialized reports whether the cache is serving
func (m *Manager) IsInitialized() bool { return m.initialized.Load() }

// Initialize subscribes to the session events and starts the sweep.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.bus != nil {
		if err := m.subscribe(); err != nil {
			m.unsubscribe()
			return err
		}
	}

	m.stopSweep = make(chan struct{})
	m.sweepDone = make(chan struct{})
	go m.sweepLoop(m.cfg.AutosaveInterval, m.stopSweep, m.sweepDone)

	m.initialized.Store(true)
	m.logger.Info("entity cache started",
		zap.Duration("autosave_interval", m.cfg.AutosaveInterval),
		zap.Bool("transactional_flush", m.cfg.TransactionalFlush))
	return nil
}

func (m *Manager) subscribe() error {
	handlers := []func() (*events.Subscription, error){
		func() (*events.Subscription, error) {
			return events.Subscribe(m.bus, m.Name(), func(e PreLoginEvent) error {
				_, err := m.Preload(e.ID, e.Name).Wait(context.Background())
				return err
			})
		},
		func() (*events.Subscription, error) {
			return events.Subscribe(m.bus, m.Name(), func(e SessionStartEvent) error {
				_, err := m.Activate(context.Background(), e.ID, e.Name)
				return err
			})
		},
		func() (*events.Subscription, error) {
			return events.Subscribe(m.bus, m.Name(), func(e SessionEndEvent) error {
				m.Deactivate(e.ID)
				return nil
			})
		},
	}

	for _, h := range handlers {
		sub, err := h()
		if err != nil {
			return err
		}
		m.subs = append(m.subs, sub)
	}
	return nil
}

func (m *Manager) unsubscribe() {
	for _, sub := range m.subs {
		m.bus.Unsubscribe(sub)
		sub.CancelHost()
	}
	m.subs = nil
}

// Shutdown stops the sweep, flushes every cached record and clears the
// cache. The flush is bounded by the configured shutdown timeout.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.initialized.Swap(false) {
		return nil
	}

	close(m.stopSweep)
	<-m.sweepDone
	if m.bus != nil {
		m.unsubscribe()
	}

	if m.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
		defer cancel()
	}
	err := m.SaveAll(ctx)

	m.mu.Lock()
	n := len(m.cache)
	m.cache = make(map[uuid.UUID]*Data)
	m.mu.Unlock()
	metrics.CacheEntries.Set(0)

	if err != nil {
		m.logger.Warn("entity cache stopped with unsaved records", zap.Int("cached", n), zap.Error(err))
		return err
	}
	m.logger.Info("entity cache stopped", zap.Int("saved", n))
	return nil
}

func (m *Manager) checkRunning() error {
	if !m.initialized.Load() {
		return xzerrors.New(xzerrors.ErrorTypeNotInitialized, "entity cache is not running")
	}
	return nil
}

// Cached returns the cached record for id without touching the store.
func (m *Manager) Cached(id uuid.UUID) (*Data, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.cache[id]
	return d, ok
}

// Size returns the number of cached records
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

// Get returns the record for id, loading it from the store on a miss. It
// returns found=false when the store has no row.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Data, bool, error) {
	if err := m.checkRunning(); err != nil {
		return nil, false, err
	}
	if d, ok := m.Cached(id); ok {
		metrics.CacheLoads.WithLabelValues("hit").Inc()
		return d, true, nil
	}
	d, err := m.load(ctx, id, "", false)
	if err != nil || d == nil {
		return nil, false, err
	}
	return d, true, nil
}

// GetOrCreate is Get that synthesizes a new record when the store has none.
// The new record is dirty and its first flush is scheduled immediately.
func (m *Manager) GetOrCreate(ctx context.Context, id uuid.UUID, name string) (*Data, error) {
	if err := m.checkRunning(); err != nil {
		return nil, err
	}
	if d, ok := m.Cached(id); ok {
		metrics.CacheLoads.WithLabelValues("hit").Inc()
		return d, nil
	}
	return m.load(ctx, id, name, true)
}

// Preload loads or creates the record for id on the worker pool.
func (m *Manager) Preload(id uuid.UUID, name string) *database.Future[struct{}] {
	if err := m.checkRunning(); err != nil {
		return database.Resolved(struct{}{}, err)
	}
	if _, ok := m.Cached(id); ok {
		return database.Resolved(struct{}{}, nil)
	}
	return m.runner.Go("player.preload", func(ctx context.Context) error {
		_, err := m.load(ctx, id, name, true)
		return err
	})
}

// load reads id from the store, de-duplicating concurrent loads, and inserts
// the result unless another caller inserted first. With create set, a
// missing row yields a new record.
func (m *Manager) load(ctx context.Context, id uuid.UUID, name string, create bool) (*Data, error) {
	if err := m.awaitEviction(ctx, id); err != nil {
		return nil, err
	}

	v, err, _ := m.loads.Do(id.String(), func() (interface{}, error) {
		snap, found, err := m.store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		return snap, nil
	})
	if err != nil {
		metrics.CacheLoads.WithLabelValues("error").Inc()
		m.logger.Warn("failed to load record", zap.Stringer("identity", id), zap.Error(err))
		return nil, err
	}

	if v != nil {
		metrics.CacheLoads.WithLabelValues("miss").Inc()
		d, _ := m.loadOrStore(fromSnapshot(v.(Snapshot)))
		return d, nil
	}

	metrics.CacheLoads.WithLabelValues("absent").Inc()
	if !create {
		return nil, nil
	}

	fresh := newData(id, name)
	fresh.firstSeen = m.clock.Now().UnixMilli()
	fresh.fresh = true
	fresh.touch()
	d, inserted := m.loadOrStore(fresh)
	if inserted {
		m.logger.Debug("created record", zap.Stringer("identity", id), zap.String("name", name))
		m.scheduleFlush(d, TriggerCreate, true)
	}
	return d, nil
}

// awaitEviction holds a load of id until a pending eviction flush for it
// has finished, so the reload sees the evicted state.
func (m *Manager) awaitEviction(ctx context.Context, id uuid.UUID) error {
	m.mu.RLock()
	f, ok := m.evicting[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	if _, err := f.Wait(ctx); err != nil && ctx.Err() != nil {
		return err
	}
	return nil
}

func (m *Manager) loadOrStore(d *Data) (*Data, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.cache[d.id]; ok {
		return existing, false
	}
	m.cache[d.id] = d
	metrics.CacheEntries.Set(float64(len(m.cache)))
	return d, true
}

// Activate starts a session for id: the record is loaded or created, the
// name and last-seen are stamped, and first-seen is stamped only if unset.
func (m *Manager) Activate(ctx context.Context, id uuid.UUID, name string) (*Data, error) {
	d, err := m.GetOrCreate(ctx, id, name)
	if err != nil {
		return nil, err
	}

	first := d.startSession(name, m.clock.Now())
	m.publish(ActivatedEvent{ID: id, Name: d.Name(), First: first})
	return d, nil
}

// Deactivate evicts id and schedules its final flush without waiting for
// it. The returned future resolves when the flush finishes.
func (m *Manager) Deactivate(id uuid.UUID) *database.Future[struct{}] {
	evicted := database.NewFuture[struct{}]()
	m.mu.Lock()
	d, ok := m.cache[id]
	if ok {
		delete(m.cache, id)
		metrics.CacheEntries.Set(float64(len(m.cache)))
		// registered with the delete so no load sees neither
		m.evicting[id] = evicted
	}
	m.mu.Unlock()
	if !ok {
		return database.Resolved(struct{}{}, nil)
	}

	session := d.endSession(m.clock.Now())
	f := m.scheduleFlush(d, TriggerDeactivate, true)
	go func() {
		<-f.Done()
		evicted.Complete(f.Result())
		m.mu.Lock()
		if m.evicting[id] == evicted {
			delete(m.evicting, id)
		}
		m.mu.Unlock()
	}()

	m.publish(DeactivatedEvent{ID: id, Session: session})
	return evicted
}

// AddExperience adds experience to a cached or stored record and publishes
// one LevelUpEvent per level reached. It returns the new level.
func (m *Manager) AddExperience(ctx context.Context, id uuid.UUID, amount int64) (int, error) {
	d, found, err := m.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, xzerrors.New(xzerrors.ErrorTypeValidation, "no record for identity").
			WithDetail("identity", id.String())
	}

	for _, level := range d.AddExperience(amount) {
		m.publish(LevelUpEvent{ID: id, Level: level})
	}
	return d.Level(), nil
}

// FlushDirty schedules a flush of every dirty cached record and returns how
// many were scheduled. Records are not evicted. A record whose flush is
// still in flight is skipped.
func (m *Manager) FlushDirty() int {
	n := 0
	for _, d := range m.records() {
		if !d.IsDirty() {
			continue
		}
		m.scheduleFlush(d, TriggerSweep, false)
		n++
	}
	return n
}

// SaveAll flushes every cached record, dirty or not, and blocks until all
// flushes finish or ctx is done.
func (m *Manager) SaveAll(ctx context.Context) error {
	records := m.records()
	futures := make([]*database.Future[struct{}], 0, len(records))
	for _, d := range records {
		futures = append(futures, m.scheduleFlush(d, TriggerSaveAll, true))
	}

	var errs error
	for i, f := range futures {
		if _, err := f.Wait(ctx); err != nil {
			errs = multierr.Append(errs, xzerrors.Wrap(err, xzerrors.TypeOf(err), "flush failed").
				WithDetail("identity", records[i].ID().String()))
		}
	}
	return errs
}

func (m *Manager) records() []*Data {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Data, 0, len(m.cache))
	for _, d := range m.cache {
		out = append(out, d)
	}
	return out
}

// scheduleFlush runs one flush of d on the runner. With wait set the job
// waits for an in-flight flush of d and then writes the latest state;
// otherwise it skips d if a flush is in flight.
func (m *Manager) scheduleFlush(d *Data, trigger string, wait bool) *database.Future[struct{}] {
	return m.runner.Go("player.flush."+trigger, func(ctx context.Context) error {
		if wait {
			d.flushMu.Lock()
		} else if !d.flushMu.TryLock() {
			return nil
		}
		defer d.flushMu.Unlock()
		return m.flush(logger.WithIdentity(ctx, d.ID()), d, trigger)
	})
}

// flush must be called with d.flushMu held.
func (m *Manager) flush(ctx context.Context, d *Data, trigger string) error {
	snap := d.Snapshot()
	err := m.store.Save(ctx, snap)
	metrics.ObserveFlush(trigger, err)
	if err != nil {
		logger.WithContext(ctx, m.logger).Warn("failed to flush record",
			zap.String("trigger", trigger),
			zap.Error(err))
		return err
	}
	if !d.markClean(snap.Version) {
		m.logger.Debug("record changed during flush, left dirty",
			zap.Stringer("identity", d.ID()))
	}
	return nil
}

func (m *Manager) sweepLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if interval <= 0 {
		<-stop
		return
	}
	for {
		select {
		case <-stop:
			return
		case <-m.clock.After(interval):
			if n := m.FlushDirty(); n > 0 {
				m.logger.Debug("autosave sweep", zap.Int("scheduled", n))
			}
		}
	}
}

func (m *Manager) publish(event any) {
	if m.bus == nil || !m.bus.IsInitialized() {
		return
	}
	if err := m.bus.Publish(event); err != nil {
		m.logger.Warn("failed to publish event",
			zap.String("event", events.TopicOf(event)),
			zap.Error(err))
	}
}
