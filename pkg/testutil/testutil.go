// Package testutil provides testing utilities for xzcore
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// TestLogger creates a test logger that writes to the test output.
// The logger is automatically cleaned up when the test completes.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout that is
// cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TempDBPath returns a fresh SQLite file path inside the test's temp directory.
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "xzcore-test.db")
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// Values is an in-memory config.Reader for tests. Keys that are not present
// fall back to the caller's default.
type Values map[string]interface{}

// GetString returns the string value for key or def
func (v Values) GetString(key, def string) string {
	if s, ok := v[key].(string); ok {
		return s
	}
	return def
}

// GetInt returns the int value for key or def
func (v Values) GetInt(key string, def int) int {
	if i, ok := v[key].(int); ok {
		return i
	}
	return def
}

// GetInt64 returns the int64 value for key or def
func (v Values) GetInt64(key string, def int64) int64 {
	switch n := v[key].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	return def
}

// GetBool returns the bool value for key or def
func (v Values) GetBool(key string, def bool) bool {
	if b, ok := v[key].(bool); ok {
		return b
	}
	return def
}

// GetFloat64 returns the float value for key or def
func (v Values) GetFloat64(key string, def float64) float64 {
	if f, ok := v[key].(float64); ok {
		return f
	}
	return def
}

// GetDuration returns the duration value for key or def. Integers are
// milliseconds.
func (v Values) GetDuration(key string, def time.Duration) time.Duration {
	switch d := v[key].(type) {
	case time.Duration:
		return d
	case int:
		return time.Duration(d) * time.Millisecond
	}
	return def
}

// IsSet reports whether key has a value
func (v Values) IsSet(key string) bool {
	_, ok := v[key]
	return ok
}
