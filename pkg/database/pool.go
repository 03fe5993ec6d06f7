package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/xzcore/pkg/config"
	"github.com/ajitpratap0/xzcore/pkg/metrics"
	"github.com/ajitpratap0/xzcore/pkg/xzerrors"
)

// Pool bounds the connections checked out of a *sql.DB. At most MaxSize
// connections are held at once regardless of driver behaviour; Acquire waits
// up to ConnectionTimeout for one to be released.
type Pool struct {
	db      *sql.DB
	backend string
	cfg     config.PoolConfig
	logger  *zap.Logger
	sem     *semaphore.Weighted

	mu         sync.Mutex
	checkedOut map[uint64]*Conn
	nextID     uint64

	waiting atomic.Int64
	leaks   atomic.Int64
	closed  atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// PoolStats describes the pool at one instant.
type PoolStats struct {
	Backend string `json:"backend"`
	InUse   int    `json:"in_use"`
	Idle    int    `json:"idle"`
	Open    int    `json:"open"`
	Waiting int64  `json:"waiting"`
	MaxSize int    `json:"max_size"`
	Leaks   int64  `json:"leaks"`
}

// Conn is a pooled connection. Release (or Close) must be called exactly
// once when the caller is done; further calls are no-ops.
type Conn struct {
	*sql.Conn

	pool       *Pool
	id         uint64
	acquiredAt time.Time
	caller     string
	owner      string
	leaked     bool
	released   atomic.Bool
}

// NewPool wraps db with a bounded checkout pool and starts the leak detector
// when cfg.LeakDetection is positive.
func NewPool(db *sql.DB, backend config.Backend, cfg config.PoolConfig, log *zap.Logger) *Pool {
	db.SetMaxOpenConns(cfg.MaxSize)
	db.SetMaxIdleConns(cfg.MaxSize)
	db.SetConnMaxIdleTime(cfg.IdleTimeout)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	p := &Pool{
		db:         db,
		backend:    string(backend),
		cfg:        cfg,
		logger:     log.With(zap.String("component", "connection_pool")),
		sem:        semaphore.NewWeighted(int64(cfg.MaxSize)),
		checkedOut: make(map[uint64]*Conn),
		stopCh:     make(chan struct{}),
	}

	if cfg.LeakDetection > 0 {
		p.wg.Add(1)
		go p.leakLoop()
	}
	return p
}

// DB returns the underlying handle
func (p *Pool) DB() *sql.DB { return p.db }

// Warm opens the minimum idle connections so the first callers do not pay
// the connect cost.
func (p *Pool) Warm(ctx context.Context) error {
	conns := make([]*Conn, 0, p.cfg.MinIdle)
	defer func() {
		for _, c := range conns {
			c.Release()
		}
	}()

	for i := 0; i < p.cfg.MinIdle; i++ {
		c, err := p.Acquire(ctx)
		if err != nil {
			return err
		}
		if err := c.PingContext(ctx); err != nil {
			return xzerrors.Wrap(err, xzerrors.ErrorTypeConnection, "connection validation failed").
				WithDetail("backend", p.backend)
		}
		conns = append(conns, c)
	}

	p.logger.Debug("pool warmed", zap.Int("min_idle", p.cfg.MinIdle))
	return nil
}

// Acquire checks out a connection, waiting up to the connection timeout.
// It fails with pool_exhausted when every connection stays checked out for
// the whole wait and connection_timeout when the driver cannot connect in time.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	return p.acquire(ctx, "")
}

func (p *Pool) acquire(ctx context.Context, owner string) (*Conn, error) {
	if p.closed.Load() {
		return nil, xzerrors.New(xzerrors.ErrorTypeNotInitialized, "connection pool is closed")
	}

	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()

	p.waiting.Add(1)
	err := p.sem.Acquire(actx, 1)
	p.waiting.Add(-1)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xzerrors.Wrap(ctx.Err(), xzerrors.ErrorTypeCancelled, "connection acquisition cancelled")
		}
		metrics.PoolAcquireFailures.WithLabelValues(p.backend, "exhausted").Inc()
		return nil, xzerrors.New(xzerrors.ErrorTypePoolExhausted, "no connection available").
			WithDetail("max_size", p.cfg.MaxSize).
			WithDetail("timeout", p.cfg.ConnectionTimeout.String())
	}

	sc, err := p.db.Conn(actx)
	if err != nil {
		p.sem.Release(1)
		switch {
		case ctx.Err() != nil:
			return nil, xzerrors.Wrap(ctx.Err(), xzerrors.ErrorTypeCancelled, "connection acquisition cancelled")
		case errors.Is(err, context.DeadlineExceeded) || actx.Err() != nil:
			metrics.PoolAcquireFailures.WithLabelValues(p.backend, "timeout").Inc()
			return nil, xzerrors.Wrap(err, xzerrors.ErrorTypeConnectionTimeout, "connect timed out").
				WithDetail("timeout", p.cfg.ConnectionTimeout.String())
		default:
			metrics.PoolAcquireFailures.WithLabelValues(p.backend, "error").Inc()
			return nil, xzerrors.Wrap(err, xzerrors.ErrorTypeConnection, "failed to open connection").
				WithDetail("backend", p.backend)
		}
	}

	c := &Conn{
		Conn:       sc,
		pool:       p,
		acquiredAt: time.Now(),
		caller:     callerOutsidePackage(),
		owner:      owner,
	}

	p.mu.Lock()
	p.nextID++
	c.id = p.nextID
	p.checkedOut[c.id] = c
	p.mu.Unlock()

	metrics.PoolAcquireLatency.WithLabelValues(p.backend).Observe(time.Since(start).Seconds())
	return c, nil
}

// Release returns the connection to the pool.
func (c *Conn) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}

	p := c.pool
	p.mu.Lock()
	delete(p.checkedOut, c.id)
	p.mu.Unlock()

	if err := c.Conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		p.logger.Debug("error returning connection", zap.Error(err))
	}
	p.sem.Release(1)
}

// Close releases the connection. It never fails.
func (c *Conn) Close() error {
	c.Release()
	return nil
}

// HeldFor returns how long the connection has been checked out
func (c *Conn) HeldFor() time.Duration { return time.Since(c.acquiredAt) }

// Stats reports the pool state and updates the pool gauges.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	inUse := len(p.checkedOut)
	p.mu.Unlock()

	dbs := p.db.Stats()
	s := PoolStats{
		Backend: p.backend,
		InUse:   inUse,
		Idle:    dbs.Idle,
		Open:    dbs.OpenConnections,
		Waiting: p.waiting.Load(),
		MaxSize: p.cfg.MaxSize,
		Leaks:   p.leaks.Load(),
	}

	metrics.PoolConnections.WithLabelValues(p.backend, "in_use").Set(float64(s.InUse))
	metrics.PoolConnections.WithLabelValues(p.backend, "idle").Set(float64(s.Idle))
	metrics.PoolConnections.WithLabelValues(p.backend, "waiting").Set(float64(s.Waiting))
	return s
}

// String formats the stats the way the status verb prints them.
func (s PoolStats) String() string {
	return fmt.Sprintf("%s pool: %d in use, %d idle, %d/%d open, %d waiting",
		s.Backend, s.InUse, s.Idle, s.Open, s.MaxSize, s.Waiting)
}

// Close stops the leak detector and closes the database. Connections still
// checked out are closed as they are released.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	outstanding := len(p.checkedOut)
	p.mu.Unlock()
	if outstanding > 0 {
		p.logger.Warn("closing pool with connections still checked out", zap.Int("count", outstanding))
	}

	if err := p.db.Close(); err != nil {
		return xzerrors.Wrap(err, xzerrors.ErrorTypeConnection, "failed to close database")
	}
	return nil
}

func (p *Pool) leakLoop() {
	defer p.wg.Done()

	interval := p.cfg.LeakDetection / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.detectLeaks()
		}
	}
}

// detectLeaks warns once for every connection held past the threshold.
func (p *Pool) detectLeaks() {
	p.mu.Lock()
	var leaked []*Conn
	for _, c := range p.checkedOut {
		if !c.leaked && c.HeldFor() > p.cfg.LeakDetection {
			c.leaked = true
			leaked = append(leaked, c)
		}
	}
	p.mu.Unlock()

	for _, c := range leaked {
		p.leaks.Add(1)
		metrics.PoolLeaks.WithLabelValues(p.backend).Inc()
		fields := []zap.Field{
			zap.Duration("held", c.HeldFor()),
			zap.Duration("threshold", p.cfg.LeakDetection),
			zap.String("acquired_at", c.caller),
		}
		if c.owner != "" {
			fields = append(fields, zap.String("operation", c.owner))
		}
		p.logger.Warn("possible connection leak", fields...)
	}
}

const packagePrefix = "github.com/ajitpratap0/xzcore/pkg/database."

// callerOutsidePackage returns file:line of the first frame that is not
// pool or executor plumbing.
func callerOutsidePackage() string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	first := ""
	for {
		f, more := frames.Next()
		loc := fmt.Sprintf("%s:%d", f.File, f.Line)
		if first == "" {
			first = loc
		}
		if !strings.HasPrefix(f.Function, packagePrefix) || strings.HasSuffix(f.File, "_test.go") {
			return loc
		}
		if !more {
			return first
		}
	}
}
