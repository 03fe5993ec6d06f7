// Package database is the persistence executor: a bounded connection pool
// over the configured backend, a fixed worker pool that runs store I/O off
// the caller's goroutine, and futures for every async operation.
//
// Statements are written with ? placeholders; PostgreSQL statements are
// rebound to $n automatically by the async operations (use Rebind for
// statements run on a *sql.Tx). No failure is retried by the executor.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/xzcore/pkg/config"
	"github.com/ajitpratap0/xzcore/pkg/logger"
	"github.com/ajitpratap0/xzcore/pkg/metrics"
	"github.com/ajitpratap0/xzcore/pkg/observability"
	"github.com/ajitpratap0/xzcore/pkg/xzerrors"
)

// Operation kinds used for spans, metrics and logs.
const (
	OpExecute     = "execute"
	OpQuery       = "query"
	OpBatch       = "batch"
	OpTransaction = "transaction"
)

// Executor runs store operations on a bounded worker pool.
type Executor struct {
	cfg     config.DatabaseConfig
	logger  *zap.Logger
	dialect Dialect

	pool   *Pool
	health *HealthChecker

	jobs    chan job
	stopCh  chan struct{}
	workers sync.WaitGroup
	pending sync.WaitGroup

	// mu guards accepting; senders hold the read lock while registering
	// with pending so Shutdown never races a late Add.
	mu        sync.RWMutex
	accepting bool

	baseCtx context.Context
	cancel  context.CancelFunc

	initialized atomic.Bool
}

type job struct {
	name string
	run  func(ctx context.Context) error
	fail func(err error)
}

// NewExecutor creates an executor for cfg. Nothing is opened until
// Initialize.
func NewExecutor(cfg config.DatabaseConfig, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		cfg:     cfg,
		logger:  log.With(zap.String("component", "database"), zap.String("backend", string(cfg.Type))),
		dialect: NewDialect(cfg.Type),
	}
}

// Name returns the service name
func (e *Executor) Name() string { return "database" }

// IsInitialized reports whether the executor is accepting operations
func (e *Executor) IsInitialized() bool { return e.initialized.Load() }

// Dialect returns the statement dialect of the configured backend
func (e *Executor) Dialect() Dialect { return e.dialect }

// Rebind adapts a ? statement to the configured backend.
func (e *Executor) Rebind(stmt string) string { return e.dialect.Rebind(stmt) }

// Initialize opens the pool, warms the minimum idle connections, creates the
// schema and starts the workers.
func (e *Executor) Initialize(ctx context.Context) error {
	if e.initialized.Load() {
		return nil
	}

	db, err := Open(e.cfg)
	if err != nil {
		return err
	}
	e.pool = NewPool(db, e.cfg.Type, e.cfg.Pool, e.logger)

	if err := e.pool.Warm(ctx); err != nil {
		_ = e.pool.Close()
		return err
	}
	if err := e.Bootstrap(ctx); err != nil {
		_ = e.pool.Close()
		return err
	}

	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	e.jobs = make(chan job, e.cfg.QueueSize)
	e.stopCh = make(chan struct{})
	for i := 0; i < e.cfg.AsyncThreads; i++ {
		e.workers.Add(1)
		go e.worker(i)
	}

	e.health = NewHealthChecker(e.cfg.HealthInterval, e.probe, e.logger)
	e.health.Start(e.baseCtx)

	e.mu.Lock()
	e.accepting = true
	e.mu.Unlock()
	e.initialized.Store(true)

	e.logger.Info("persistence executor started",
		zap.Int("async_threads", e.cfg.AsyncThreads),
		zap.Int("max_pool_size", e.cfg.Pool.MaxSize),
		zap.Int("min_idle", e.cfg.Pool.MinIdle))
	return nil
}

// Shutdown stops accepting operations, waits up to the drain timeout for
// queued and running operations, cancels whatever remains and closes the
// pool. Every scheduled operation is resolved before Shutdown returns.
func (e *Executor) Shutdown(ctx context.Context) error {
	if !e.initialized.Load() {
		return nil
	}

	e.mu.Lock()
	e.accepting = false
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.pending.Wait()
		close(drained)
	}()

	timer := time.NewTimer(e.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-drained:
	case <-timer.C:
		e.logger.Warn("drain timeout elapsed, cancelling remaining operations",
			zap.Duration("drain_timeout", e.cfg.DrainTimeout))
	case <-ctx.Done():
		e.logger.Warn("shutdown context done, cancelling remaining operations", zap.Error(ctx.Err()))
	}

	e.cancel()
	for done := false; !done; {
		select {
		case j := <-e.jobs:
			e.runJob(j)
		case <-drained:
			done = true
		}
	}

	close(e.stopCh)
	e.workers.Wait()
	e.health.Stop()
	e.initialized.Store(false)

	if err := e.pool.Close(); err != nil {
		return err
	}
	e.logger.Info("persistence executor stopped")
	return nil
}

func (e *Executor) worker(id int) {
	defer e.workers.Done()
	for {
		select {
		case j := <-e.jobs:
			e.runJob(j)
		case <-e.stopCh:
			e.logger.Debug("worker stopped", zap.Int("worker", id))
			return
		}
	}
}

func (e *Executor) runJob(j job) {
	defer e.pending.Done()
	metrics.QueueDepth.Dec()

	if err := e.baseCtx.Err(); err != nil {
		e.logger.Warn("operation cancelled at shutdown", zap.String("operation", j.name))
		metrics.ObserveAsyncOp(j.name, 0, err)
		j.fail(xzerrors.Wrap(err, xzerrors.ErrorTypeCancelled, "operation cancelled at shutdown").
			WithDetail("operation", j.name))
		return
	}

	ctx, span := observability.StartSpan(logger.WithOperation(e.baseCtx, j.name), "database", j.name)
	timer := metrics.NewTimer(j.name)
	err := j.run(ctx)
	metrics.ObserveAsyncOp(j.name, timer.Stop(), err)
	span.End(err)

	if err != nil {
		fields := []zap.Field{zap.Error(err)}
		if stmt := statementOf(err); stmt != "" {
			fields = append(fields, zap.String("statement", stmt))
		}
		logger.WithContext(ctx, e.logger).Warn("async operation failed", fields...)
	}
}

func (e *Executor) acceptingWork() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.accepting
}

// enqueue hands j to the workers, or fails it when the executor is not
// accepting work.
func (e *Executor) enqueue(j job) {
	e.mu.RLock()
	if !e.accepting {
		e.mu.RUnlock()
		j.fail(xzerrors.New(xzerrors.ErrorTypeNotInitialized, "persistence executor is not running").
			WithDetail("operation", j.name))
		return
	}
	e.pending.Add(1)
	e.mu.RUnlock()

	metrics.QueueDepth.Inc()
	e.jobs <- j
}

// Submit runs fn on the worker pool and returns its future. A panic in fn
// fails the future with a query error.
func Submit[T any](e *Executor, name string, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := NewFuture[T]()
	e.enqueue(job{
		name: name,
		run: func(ctx context.Context) (err error) {
			var v T
			defer func() {
				if r := recover(); r != nil {
					err = xzerrors.Newf(xzerrors.ErrorTypeQuery, "operation panicked: %v", r).
						WithDetail("operation", name)
				}
				f.Complete(v, err)
			}()
			v, err = fn(ctx)
			return err
		},
		fail: func(err error) {
			var zero T
			f.Complete(zero, err)
		},
	})
	return f
}

// Go runs fn on the worker pool.
func (e *Executor) Go(name string, fn func(ctx context.Context) error) *Future[struct{}] {
	return Submit(e, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
}

// Acquire checks out a pooled connection on the caller's goroutine.
func (e *Executor) Acquire(ctx context.Context) (*Conn, error) {
	if e.pool == nil {
		return nil, xzerrors.New(xzerrors.ErrorTypeNotInitialized, "persistence executor is not running")
	}
	return e.pool.Acquire(ctx)
}

// WithConn runs fn with one pooled connection and releases it afterwards.
func (e *Executor) WithConn(ctx context.Context, fn func(c *Conn) error) error {
	if e.pool == nil {
		return xzerrors.New(xzerrors.ErrorTypeNotInitialized, "persistence executor is not running")
	}
	c, err := e.pool.acquire(ctx, logger.OperationFrom(ctx))
	if err != nil {
		return err
	}
	defer c.Release()
	return fn(c)
}

// ExecuteAsync runs stmt and resolves with the number of affected rows.
func (e *Executor) ExecuteAsync(stmt string, args ...any) *Future[int64] {
	return Submit(e, OpExecute, func(ctx context.Context) (int64, error) {
		return e.Exec(withOperation(ctx, OpExecute), stmt, args...)
	})
}

// Exec runs stmt on the caller's goroutine and returns the affected rows.
func (e *Executor) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	q := e.dialect.Rebind(stmt)
	var n int64
	err := e.WithConn(ctx, func(c *Conn) error {
		res, err := c.ExecContext(ctx, q, args...)
		if err != nil {
			return queryFailed(err, stmt)
		}
		if n, err = res.RowsAffected(); err != nil {
			return queryFailed(err, stmt)
		}
		return nil
	})
	return n, err
}

// QueryAsync runs stmt and passes the result rows to handler on a worker
// goroutine. The rows are closed when handler returns.
func (e *Executor) QueryAsync(stmt string, handler func(rows *sql.Rows) error, args ...any) *Future[struct{}] {
	q := e.dialect.Rebind(stmt)
	return Submit(e, OpQuery, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.WithConn(withOperation(ctx, OpQuery), func(c *Conn) error {
			return queryRows(ctx, c, q, stmt, handler, args...)
		})
	})
}

// Query runs stmt on the caller's goroutine. It is the synchronous form of
// QueryAsync used by blocking loads.
func (e *Executor) Query(ctx context.Context, stmt string, handler func(rows *sql.Rows) error, args ...any) error {
	q := e.dialect.Rebind(stmt)
	return e.WithConn(ctx, func(c *Conn) error {
		return queryRows(ctx, c, q, stmt, handler, args...)
	})
}

func queryRows(ctx context.Context, c *Conn, q, stmt string, handler func(rows *sql.Rows) error, args ...any) error {
	rows, err := c.QueryContext(ctx, q, args...)
	if err != nil {
		return queryFailed(err, stmt)
	}
	defer rows.Close()

	if err := handler(rows); err != nil {
		return queryFailed(err, stmt)
	}
	if err := rows.Err(); err != nil {
		return queryFailed(err, stmt)
	}
	return nil
}

// BatchAsync applies stmt once per argument set on one prepared statement and
// resolves with the rows affected by each. The first failing set fails the
// future; its index is recorded in the error.
func (e *Executor) BatchAsync(stmt string, argSets [][]any) *Future[[]int64] {
	q := e.dialect.Rebind(stmt)
	return Submit(e, OpBatch, func(ctx context.Context) ([]int64, error) {
		results := make([]int64, len(argSets))
		err := e.WithConn(withOperation(ctx, OpBatch), func(c *Conn) error {
			ps, err := c.PrepareContext(ctx, q)
			if err != nil {
				return queryFailed(err, stmt)
			}
			defer ps.Close()

			for i, args := range argSets {
				res, err := ps.ExecContext(ctx, args...)
				if err != nil {
					return queryFailed(err, stmt).WithDetail("index", i)
				}
				if results[i], err = res.RowsAffected(); err != nil {
					return queryFailed(err, stmt).WithDetail("index", i)
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return results, nil
	})
}

// TransactionAsync runs ops inside one transaction on one connection. Any
// error or panic from ops rolls the transaction back and fails the future
// with a transaction error. Statements inside ops must go through Rebind.
func (e *Executor) TransactionAsync(ops func(ctx context.Context, tx *sql.Tx) error) *Future[struct{}] {
	return Submit(e, OpTransaction, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.InTx(withOperation(ctx, OpTransaction), ops)
	})
}

// InTx is the synchronous form of TransactionAsync.
func (e *Executor) InTx(ctx context.Context, ops func(ctx context.Context, tx *sql.Tx) error) error {
	return e.WithConn(ctx, func(c *Conn) error {
		tx, err := c.BeginTx(ctx, nil)
		if err != nil {
			return xzerrors.Wrap(err, xzerrors.ErrorTypeTransaction, "failed to begin transaction")
		}

		if err := runOps(ctx, tx, ops); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				e.logger.Warn("rollback failed", zap.Error(rbErr))
			}
			return xzerrors.Wrap(err, xzerrors.ErrorTypeTransaction, "transaction rolled back")
		}

		if err := tx.Commit(); err != nil {
			return xzerrors.Wrap(err, xzerrors.ErrorTypeTransaction, "commit failed")
		}
		return nil
	})
}

func runOps(ctx context.Context, tx *sql.Tx, ops func(ctx context.Context, tx *sql.Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction panicked: %v", r)
		}
	}()
	return ops(ctx, tx)
}

// IsHealthy acquires a connection and pings it within the health timeout.
func (e *Executor) IsHealthy(ctx context.Context) bool {
	if !e.initialized.Load() {
		return false
	}
	return e.probe(ctx) == nil
}

func (e *Executor) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.HealthTimeout)
	defer cancel()
	return e.WithConn(ctx, func(c *Conn) error {
		return c.PingContext(ctx)
	})
}

// Health returns the latest background health probe result.
func (e *Executor) Health() HealthStatus {
	if e.health == nil {
		return HealthStatus{Status: StatusUnhealthy, LastError: "not running"}
	}
	return e.health.Status()
}

// Stats returns the current pool statistics.
func (e *Executor) Stats() PoolStats {
	if e.pool == nil {
		return PoolStats{Backend: string(e.cfg.Type), MaxSize: e.cfg.Pool.MaxSize}
	}
	return e.pool.Stats()
}

func queryFailed(err error, stmt string) *xzerrors.Error {
	return xzerrors.Wrap(err, xzerrors.ErrorTypeQuery, "statement failed").WithDetail("statement", stmt)
}

func statementOf(err error) string {
	for err != nil {
		xe, ok := err.(*xzerrors.Error)
		if !ok {
			return ""
		}
		if v, ok := xe.Detail("statement"); ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		err = xe.Cause
	}
	return ""
}

// withOperation names op in ctx unless a job name is already there, so the
// pool records the submitting job as the connection owner.
func withOperation(ctx context.Context, op string) context.Context {
	if logger.OperationFrom(ctx) != "" {
		return ctx
	}
	return logger.WithOperation(ctx, op)
}
