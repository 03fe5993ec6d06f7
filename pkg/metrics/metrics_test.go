package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveAsyncOp(t *testing.T) {
	before := testutil.ToFloat64(AsyncOps.WithLabelValues("metrics_test", "failure"))

	ObserveAsyncOp("metrics_test", time.Millisecond, errors.New("boom"))
	ObserveAsyncOp("metrics_test", time.Millisecond, nil)

	assert.Equal(t, before+1, testutil.ToFloat64(AsyncOps.WithLabelValues("metrics_test", "failure")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(AsyncOps.WithLabelValues("metrics_test", "success")), 1.0)
}

func TestSetServiceUp(t *testing.T) {
	SetServiceUp("metrics_test", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(ServiceUp.WithLabelValues("metrics_test")))

	SetServiceUp("metrics_test", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(ServiceUp.WithLabelValues("metrics_test")))
}

func TestTimer(t *testing.T) {
	timer := NewTimer("op")
	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, "op", timer.Name())
	assert.GreaterOrEqual(t, timer.Stop(), 2*time.Millisecond)
}
