package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Health states reported by HealthChecker.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// unhealthyAfter is the number of consecutive failed probes after which the
// store is reported unhealthy instead of degraded.
const unhealthyAfter = 3

// HealthStatus is the outcome of the latest probe.
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Latency   time.Duration `json:"latency"`
	LastError string        `json:"last_error,omitempty"`
}

// HealthChecker probes the store periodically
type HealthChecker struct {
	interval         time.Duration
	checkFunc        func(ctx context.Context) error
	logger           *zap.Logger
	status           HealthStatus
	statusMutex      sync.RWMutex
	stopCh           chan struct{}
	stopOnce         sync.Once
	wg               sync.WaitGroup
	checkCount       int64
	failureCount     int64
	consecutiveFails int
}

// NewHealthChecker creates a checker that runs check every interval.
func NewHealthChecker(interval time.Duration, check func(ctx context.Context) error, log *zap.Logger) *HealthChecker {
	return &HealthChecker{
		interval:  interval,
		checkFunc: check,
		logger:    log.With(zap.String("component", "health_checker")),
		status: HealthStatus{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
		},
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic health checks. A non-positive interval runs one
// check and no loop.
func (hc *HealthChecker) Start(ctx context.Context) {
	if hc.interval <= 0 {
		hc.Check(ctx)
		return
	}

	hc.wg.Add(1)
	go func() {
		defer hc.wg.Done()
		ticker := time.NewTicker(hc.interval)
		defer ticker.Stop()

		hc.Check(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-hc.stopCh:
				return
			case <-ticker.C:
				hc.Check(ctx)
			}
		}
	}()
}

// Stop stops the health checker
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopCh) })
	hc.wg.Wait()
}

// Check runs one probe and updates the status.
func (hc *HealthChecker) Check(ctx context.Context) HealthStatus {
	start := time.Now()
	err := hc.checkFunc(ctx)
	latency := time.Since(start)

	atomic.AddInt64(&hc.checkCount, 1)

	hc.statusMutex.Lock()
	defer hc.statusMutex.Unlock()

	hc.status.Timestamp = time.Now()
	hc.status.Latency = latency

	if err != nil {
		atomic.AddInt64(&hc.failureCount, 1)
		hc.consecutiveFails++
		hc.status.LastError = err.Error()
		if hc.consecutiveFails >= unhealthyAfter {
			hc.status.Status = StatusUnhealthy
		} else {
			hc.status.Status = StatusDegraded
		}
		hc.logger.Warn("store health check failed",
			zap.Error(err),
			zap.Int("consecutive_failures", hc.consecutiveFails),
			zap.String("status", hc.status.Status))
		return hc.status
	}

	if hc.consecutiveFails > 0 {
		hc.logger.Info("store health recovered", zap.Int("after_failures", hc.consecutiveFails))
	}
	hc.consecutiveFails = 0
	hc.status.Status = StatusHealthy
	hc.status.LastError = ""
	return hc.status
}

// Status returns the latest status
func (hc *HealthChecker) Status() HealthStatus {
	hc.statusMutex.RLock()
	defer hc.statusMutex.RUnlock()
	return hc.status
}

// CheckCount returns the number of probes run
func (hc *HealthChecker) CheckCount() int64 {
	return atomic.LoadInt64(&hc.checkCount)
}

// FailureCount returns the number of failed probes
func (hc *HealthChecker) FailureCount() int64 {
	return atomic.LoadInt64(&hc.failureCount)
}

// IsHealthy reports whether the latest probe succeeded
func (hc *HealthChecker) IsHealthy() bool {
	return hc.Status().Status == StatusHealthy
}
