package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/xzcore/pkg/testutil"
	"github.com/ajitpratap0/xzcore/pkg/xzerrors"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestProviderWritesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yml")
	p := NewProvider(path, testutil.TestLogger(t))

	require.NoError(t, p.Initialize(testutil.TestContext(t)))
	assert.True(t, p.IsInitialized())
	assert.FileExists(t, path)

	cfg, err := LoadDatabaseConfig(p)
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Type)
	assert.Equal(t, DefaultSQLiteFile, cfg.SQLite.File)
	assert.Equal(t, DefaultSQLiteMaxPool, cfg.Pool.MaxSize)
	assert.Equal(t, DefaultSQLiteMinIdle, cfg.Pool.MinIdle)
	assert.Equal(t, DefaultAsyncThreads, cfg.AsyncThreads)

	require.NoError(t, p.Shutdown(testutil.TestContext(t)))
	assert.False(t, p.IsInitialized())
}

func TestProviderDurations(t *testing.T) {
	path := writeFile(t, `
cache:
  autosave-interval: 1500
  shutdown-timeout: 2m
database:
  drain-timeout: nonsense
`)
	p := NewProvider(path, testutil.TestLogger(t))
	require.NoError(t, p.Initialize(testutil.TestContext(t)))

	assert.Equal(t, 1500*time.Millisecond, p.GetDuration(KeyAutosaveInterval, 0))
	assert.Equal(t, 2*time.Minute, p.GetDuration(KeyCacheShutdown, 0))
	assert.Equal(t, time.Second, p.GetDuration(KeyDrainTimeout, time.Second))
	assert.Equal(t, 7*time.Second, p.GetDuration("missing.key", 7*time.Second))
}

func TestProviderEnvironmentOverride(t *testing.T) {
	path := writeFile(t, `
database:
  type: sqlite
  mysql:
    password: ${XZCORE_TEST_SECRET}
`)
	t.Setenv("XZCORE_TEST_SECRET", "hunter2")
	t.Setenv("XZCORE_DATABASE_ASYNC_THREADS", "6")

	p := NewProvider(path, testutil.TestLogger(t))
	require.NoError(t, p.Initialize(testutil.TestContext(t)))

	assert.Equal(t, "hunter2", p.GetString(KeyMySQLPassword, ""))
	assert.Equal(t, 6, p.GetInt(KeyAsyncThreads, 0))
}

func TestProviderTypedGetters(t *testing.T) {
	path := writeFile(t, `
database:
  async-threads: "12"
  migrate: yes-please
  ratio: 0.75
  flag: true
  pool:
    max-size: twelve
`)
	t.Setenv("XZCORE_DATABASE_ENABLED", " false ")

	p := NewProvider(path, testutil.TestLogger(t))
	require.NoError(t, p.Initialize(testutil.TestContext(t)))

	assert.Equal(t, 12, p.GetInt("database.async-threads", 0))
	assert.Equal(t, int64(12), p.GetInt64("database.async-threads", 0))
	assert.Equal(t, 4, p.GetInt("database.pool.max-size", 4))
	assert.Equal(t, 0.75, p.GetFloat64("database.ratio", 0))
	assert.True(t, p.GetBool("database.flag", false))
	assert.True(t, p.GetBool("database.migrate", true))
	assert.False(t, p.GetBool("database.enabled", true))
	assert.Equal(t, 9, p.GetInt("missing.key", 9))
}

func TestProviderReloadKeepsPreviousOnError(t *testing.T) {
	path := writeFile(t, "database:\n  type: sqlite\n")
	p := NewProvider(path, testutil.TestLogger(t))
	require.NoError(t, p.Initialize(testutil.TestContext(t)))

	require.NoError(t, os.WriteFile(path, []byte("database:\n  type: mysql\n"), 0o600))
	require.NoError(t, p.Reload())
	assert.Equal(t, "mysql", p.GetString(KeyDatabaseType, ""))

	require.NoError(t, os.WriteFile(path, []byte("database: [unterminated\n"), 0o600))
	err := p.Reload()
	require.Error(t, err)
	assert.True(t, xzerrors.IsType(err, xzerrors.ErrorTypeConfig))
	assert.Equal(t, "mysql", p.GetString(KeyDatabaseType, ""))
}

func TestLoadDatabaseConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		values testutil.Values
		key    string
	}{
		{"unknown backend", testutil.Values{KeyDatabaseType: "oracle"}, KeyDatabaseType},
		{"no workers", testutil.Values{KeyAsyncThreads: 0}, KeyAsyncThreads},
		{"min idle above max", testutil.Values{KeySQLiteMaxPool: 2, KeySQLiteMinIdle: 3}, "min-idle"},
		{"empty sqlite file", testutil.Values{KeySQLiteFile: " "}, KeySQLiteFile},
		{"mysql port", testutil.Values{KeyDatabaseType: "mysql", KeyMySQLPort: 70000}, KeyMySQLPort},
		{"zero timeout", testutil.Values{KeyConnectionTimeout: 0}, KeyConnectionTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDatabaseConfig(tt.values)
			require.Error(t, err)
			assert.True(t, xzerrors.IsType(err, xzerrors.ErrorTypeConfig))

			var xe *xzerrors.Error
			require.ErrorAs(t, err, &xe)
			key, _ := xe.Detail("key")
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestLoadDatabaseConfigBackends(t *testing.T) {
	cfg, err := LoadDatabaseConfig(testutil.Values{
		KeyDatabaseType: "POSTGRES",
		KeyPostgresURL:  "postgres://xz@localhost/xzcore",
	})
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Type)
	assert.Equal(t, DefaultPostgresMaxPool, cfg.Pool.MaxSize)

	cfg, err = LoadDatabaseConfig(testutil.Values{
		KeyDataFolder: "/srv/xz",
		KeySQLiteFile: "data.db",
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/xz", "data.db"), cfg.SQLitePath())
}

func TestLoadCacheAndEventsConfig(t *testing.T) {
	cache, err := LoadCacheConfig(testutil.Values{KeyTransactionalFlush: true})
	require.NoError(t, err)
	assert.Equal(t, DefaultAutosaveInterval, cache.AutosaveInterval)
	assert.True(t, cache.TransactionalFlush)

	_, err = LoadCacheConfig(testutil.Values{KeyAutosaveInterval: 0})
	assert.True(t, xzerrors.IsType(err, xzerrors.ErrorTypeConfig))

	events, err := LoadEventsConfig(testutil.Values{})
	require.NoError(t, err)
	assert.Equal(t, "hub", events.Dispatcher)

	_, err = LoadEventsConfig(testutil.Values{KeyEventsDispatcher: "kafka"})
	assert.Error(t, err)
}
