package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/xzcore/pkg/config"
	"github.com/ajitpratap0/xzcore/pkg/testutil"
	"github.com/ajitpratap0/xzcore/pkg/xzerrors"
)

func testConfig(t *testing.T, overrides testutil.Values) config.DatabaseConfig {
	t.Helper()
	values := testutil.Values{
		config.KeyDataFolder:     t.TempDir(),
		config.KeySQLiteFile:     "xzcore-test.db",
		config.KeyHealthInterval: 0,
		config.KeyLeakDetection:  0,
		config.KeyDrainTimeout:   2000,
	}
	for k, v := range overrides {
		values[k] = v
	}
	cfg, err := config.LoadDatabaseConfig(values)
	require.NoError(t, err)
	return cfg
}

func startExecutor(t *testing.T, overrides testutil.Values) *Executor {
	t.Helper()
	e := NewExecutor(testConfig(t, overrides), testutil.TestLogger(t))
	require.NoError(t, e.Initialize(testutil.TestContext(t)))
	t.Cleanup(func() {
		_ = e.Shutdown(context.Background())
	})
	return e
}

func countTables(t *testing.T, e *Executor) int {
	t.Helper()
	var n int
	err := e.Query(testutil.TestContext(t),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN (?, ?, ?)",
		func(rows *sql.Rows) error {
			if rows.Next() {
				return rows.Scan(&n)
			}
			return nil
		},
		TablePlayers, TableExperience, TableExtension)
	require.NoError(t, err)
	return n
}

func insertPlayer(id, name string) (string, []any) {
	return "INSERT INTO " + TablePlayers + " (uuid, username, first_join, last_join, play_time) VALUES (?, ?, ?, ?, ?)",
		[]any{id, name, int64(1), int64(2), int64(0)}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	e := startExecutor(t, nil)
	ctx := testutil.TestContext(t)

	assert.Equal(t, 3, countTables(t, e))
	require.NoError(t, e.Bootstrap(ctx))
	require.NoError(t, e.Bootstrap(ctx))
	assert.Equal(t, 3, countTables(t, e))
}

func TestAcquireFailsWhenPoolExhausted(t *testing.T) {
	e := startExecutor(t, testutil.Values{
		config.KeySQLiteMaxPool:     1,
		config.KeySQLiteMinIdle:     0,
		config.KeyConnectionTimeout: 200,
	})
	ctx := testutil.TestContext(t)

	held, err := e.Acquire(ctx)
	require.NoError(t, err)
	go func() {
		time.Sleep(500 * time.Millisecond)
		held.Release()
	}()

	start := time.Now()
	_, err = e.Acquire(ctx)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, xzerrors.IsPoolExhausted(err))
	assert.True(t, xzerrors.IsType(err, xzerrors.ErrorTypePoolExhausted))
	assert.GreaterOrEqual(t, elapsed, 180*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)

	testutil.AssertEventually(t, func() bool { return e.Stats().InUse == 0 }, time.Second, "held connection released")
	c, err := e.Acquire(ctx)
	require.NoError(t, err)
	c.Release()
	c.Release()
	assert.Equal(t, 0, e.Stats().InUse)
}

func TestExecuteAndQueryAsync(t *testing.T) {
	e := startExecutor(t, nil)
	ctx := testutil.TestContext(t)

	stmt, args := insertPlayer("6b1f4cf0-0000-4000-8000-000000000001", "alice")
	n, err := e.ExecuteAsync(stmt, args...).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var names []string
	_, err = e.QueryAsync("SELECT username FROM "+TablePlayers+" WHERE play_time = ?", func(rows *sql.Rows) error {
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			names = append(names, name)
		}
		return nil
	}, 0).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, names)
}

func TestQueryFailureCarriesStatement(t *testing.T) {
	e := startExecutor(t, nil)

	_, err := e.ExecuteAsync("INSERT INTO missing_table VALUES (?)", 1).Wait(testutil.TestContext(t))
	require.Error(t, err)
	assert.True(t, xzerrors.IsType(err, xzerrors.ErrorTypeQuery))
	assert.Equal(t, "INSERT INTO missing_table VALUES (?)", statementOf(err))
}

func TestBatchAsync(t *testing.T) {
	e := startExecutor(t, nil)
	ctx := testutil.TestContext(t)

	stmt, _ := insertPlayer("", "")
	results, err := e.BatchAsync(stmt, [][]any{
		{"6b1f4cf0-0000-4000-8000-000000000001", "a", 0, 0, 0},
		{"6b1f4cf0-0000-4000-8000-000000000002", "b", 0, 0, 0},
		{"6b1f4cf0-0000-4000-8000-000000000003", "c", 0, 0, 0},
	}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 1}, results)

	_, err = e.BatchAsync(stmt, [][]any{
		{"6b1f4cf0-0000-4000-8000-000000000004", "d", 0, 0, 0},
		{"6b1f4cf0-0000-4000-8000-000000000001", "dup", 0, 0, 0},
	}).Wait(ctx)
	require.Error(t, err)

	var xe *xzerrors.Error
	require.ErrorAs(t, err, &xe)
	index, ok := xe.Detail("index")
	require.True(t, ok)
	assert.Equal(t, 1, index)
}

func TestTransactionRollsBack(t *testing.T) {
	e := startExecutor(t, nil)
	ctx := testutil.TestContext(t)
	id := "6b1f4cf0-0000-4000-8000-000000000009"

	_, err := e.TransactionAsync(func(ctx context.Context, tx *sql.Tx) error {
		stmt, args := insertPlayer(id, "ghost")
		if _, err := tx.ExecContext(ctx, e.Rebind(stmt), args...); err != nil {
			return err
		}
		return errors.New("abort")
	}).Wait(ctx)
	require.Error(t, err)
	assert.True(t, xzerrors.IsType(err, xzerrors.ErrorTypeTransaction))

	_, err = e.TransactionAsync(func(ctx context.Context, tx *sql.Tx) error {
		stmt, args := insertPlayer(id, "ghost")
		if _, err := tx.ExecContext(ctx, e.Rebind(stmt), args...); err != nil {
			return err
		}
		panic("boom")
	}).Wait(ctx)
	assert.True(t, xzerrors.IsType(err, xzerrors.ErrorTypeTransaction))

	var count int
	require.NoError(t, e.Query(ctx, "SELECT COUNT(*) FROM "+TablePlayers+" WHERE uuid = ?", func(rows *sql.Rows) error {
		rows.Next()
		return rows.Scan(&count)
	}, id))
	assert.Zero(t, count)

	_, err = e.TransactionAsync(func(ctx context.Context, tx *sql.Tx) error {
		stmt, args := insertPlayer(id, "kept")
		_, err := tx.ExecContext(ctx, e.Rebind(stmt), args...)
		return err
	}).Wait(ctx)
	require.NoError(t, err)
}

func TestPanicInTaskFailsFuture(t *testing.T) {
	e := startExecutor(t, nil)

	_, err := e.Go("explode", func(ctx context.Context) error {
		panic("kaboom")
	}).Wait(testutil.TestContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	// the worker survives the panic
	_, err = e.Go("after", func(ctx context.Context) error { return nil }).Wait(testutil.TestContext(t))
	assert.NoError(t, err)
}

func TestShutdownDrainsQueuedOperations(t *testing.T) {
	e := NewExecutor(testConfig(t, testutil.Values{config.KeyAsyncThreads: 1}), testutil.TestLogger(t))
	require.NoError(t, e.Initialize(testutil.TestContext(t)))

	release := make(chan struct{})
	blocker := e.Go("blocker", func(ctx context.Context) error {
		<-release
		return nil
	})

	futures := make([]*Future[int64], 5)
	for i := range futures {
		stmt, args := insertPlayer(uuid.NewString(), "queued")
		futures[i] = e.ExecuteAsync(stmt, args...)
	}

	done := make(chan error, 1)
	go func() { done <- e.Shutdown(context.Background()) }()

	testutil.AssertEventually(t, func() bool { return !e.acceptingWork() }, time.Second, "executor stops accepting")
	_, err := e.ExecuteAsync("SELECT 1").Wait(testutil.TestContext(t))
	assert.True(t, xzerrors.IsType(err, xzerrors.ErrorTypeNotInitialized))

	close(release)
	require.NoError(t, <-done)

	_, err = blocker.Result()
	assert.NoError(t, err)
	for i, f := range futures {
		require.True(t, f.IsDone(), "future %d resolved", i)
		n, err := f.Result()
		assert.NoError(t, err)
		assert.Equal(t, int64(1), n)
	}
	assert.False(t, e.IsInitialized())
}

func TestShutdownCancelsAfterDrainTimeout(t *testing.T) {
	e := NewExecutor(testConfig(t, testutil.Values{
		config.KeyAsyncThreads: 1,
		config.KeyDrainTimeout: 50,
	}), testutil.TestLogger(t))
	require.NoError(t, e.Initialize(testutil.TestContext(t)))

	running := make(chan struct{})
	blocker := e.Go("blocker", func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	})
	<-running
	queued := e.ExecuteAsync("SELECT 1")

	require.NoError(t, e.Shutdown(context.Background()))

	_, err := blocker.Result()
	assert.ErrorIs(t, err, context.Canceled)

	require.True(t, queued.IsDone())
	_, err = queued.Result()
	assert.True(t, xzerrors.IsType(err, xzerrors.ErrorTypeCancelled))
}

func TestLeakDetectionWarnsOnce(t *testing.T) {
	e := startExecutor(t, testutil.Values{config.KeyLeakDetection: 20})

	c, err := e.Acquire(testutil.TestContext(t))
	require.NoError(t, err)

	testutil.AssertEventually(t, func() bool { return e.Stats().Leaks == 1 }, 2*time.Second, "leak reported")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int64(1), e.Stats().Leaks)
	c.Release()
}

func TestIsHealthy(t *testing.T) {
	e := NewExecutor(testConfig(t, nil), testutil.TestLogger(t))
	assert.False(t, e.IsHealthy(testutil.TestContext(t)))

	require.NoError(t, e.Initialize(testutil.TestContext(t)))
	assert.True(t, e.IsHealthy(testutil.TestContext(t)))
	assert.Equal(t, StatusHealthy, e.Health().Status)

	stats := e.Stats()
	assert.Equal(t, "sqlite", stats.Backend)
	assert.Equal(t, config.DefaultSQLiteMaxPool, stats.MaxSize)
	assert.Contains(t, stats.String(), "sqlite pool")

	require.NoError(t, e.Shutdown(testutil.TestContext(t)))
	assert.False(t, e.IsHealthy(testutil.TestContext(t)))
}

func TestOperationsBeforeInitialize(t *testing.T) {
	e := NewExecutor(testConfig(t, nil), testutil.TestLogger(t))

	_, err := e.ExecuteAsync("SELECT 1").Wait(testutil.TestContext(t))
	assert.True(t, xzerrors.IsType(err, xzerrors.ErrorTypeNotInitialized))

	_, err = e.Acquire(testutil.TestContext(t))
	assert.True(t, xzerrors.IsType(err, xzerrors.ErrorTypeNotInitialized))

	assert.NoError(t, e.Shutdown(testutil.TestContext(t)))
}
