package database

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ajitpratap0/xzcore/pkg/testutil"
)

func TestHealthCheckerTransitions(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)

	hc := NewHealthChecker(0, func(ctx context.Context) error {
		if failing.Load() {
			return errors.New("connection refused")
		}
		return nil
	}, testutil.TestLogger(t))

	ctx := testutil.TestContext(t)
	assert.Equal(t, StatusDegraded, hc.Check(ctx).Status)
	assert.Equal(t, StatusDegraded, hc.Check(ctx).Status)
	assert.Equal(t, StatusUnhealthy, hc.Check(ctx).Status)
	assert.Equal(t, "connection refused", hc.Status().LastError)

	failing.Store(false)
	assert.Equal(t, StatusHealthy, hc.Check(ctx).Status)
	assert.True(t, hc.IsHealthy())
	assert.Equal(t, int64(4), hc.CheckCount())
	assert.Equal(t, int64(3), hc.FailureCount())
}

func TestHealthCheckerLoop(t *testing.T) {
	var calls atomic.Int64
	hc := NewHealthChecker(10*time.Millisecond, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, testutil.TestLogger(t))

	hc.Start(testutil.TestContext(t))
	testutil.AssertEventually(t, func() bool { return calls.Load() >= 3 }, time.Second, "periodic probes")
	hc.Stop()
	hc.Stop()

	stopped := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())
}
