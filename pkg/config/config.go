package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/ajitpratap0/xzcore/pkg/xzerrors"
)

// Reader is the read-only key/value view of the configuration. Every getter
// returns def when the key is absent or cannot be converted.
type Reader interface {
	GetString(key, def string) string
	GetInt(key string, def int) int
	GetInt64(key string, def int64) int64
	GetBool(key string, def bool) bool
	GetFloat64(key string, def float64) float64
	GetDuration(key string, def time.Duration) time.Duration
	IsSet(key string) bool
}

// Backend selects the store engine behind the persistence executor.
type Backend string

const (
	// BackendSQLite is the embedded, file-based engine
	BackendSQLite Backend = "sqlite"
	// BackendMySQL is a networked MySQL or MariaDB server
	BackendMySQL Backend = "mysql"
	// BackendPostgres is a networked PostgreSQL server
	BackendPostgres Backend = "postgres"
)

// Configuration keys.
const (
	KeyDataFolder = "data-folder"

	KeyDatabaseType      = "database.type"
	KeyAsyncThreads      = "database.async-threads"
	KeyQueueSize         = "database.queue-size"
	KeyConnectionTimeout = "database.connection-timeout"
	KeyIdleTimeout       = "database.idle-timeout"
	KeyMaxLifetime       = "database.max-lifetime"
	KeyLeakDetection     = "database.leak-detection"
	KeyDrainTimeout      = "database.drain-timeout"
	KeyHealthTimeout     = "database.health-timeout"
	KeyHealthInterval    = "database.health-interval"

	KeySQLiteFile        = "database.sqlite.file"
	KeySQLiteJournalMode = "database.sqlite.journal-mode"
	KeySQLiteSynchronous = "database.sqlite.synchronous"
	KeySQLiteMaxPool     = "database.sqlite.max-pool-size"
	KeySQLiteMinIdle     = "database.sqlite.min-idle"

	KeyMySQLHost     = "database.mysql.host"
	KeyMySQLPort     = "database.mysql.port"
	KeyMySQLDatabase = "database.mysql.database"
	KeyMySQLUsername = "database.mysql.username"
	KeyMySQLPassword = "database.mysql.password"
	KeyMySQLUseTLS   = "database.mysql.use-ssl"
	KeyMySQLMaxPool  = "database.mysql.max-pool-size"
	KeyMySQLMinIdle  = "database.mysql.min-idle"

	KeyPostgresURL      = "database.postgres.url"
	KeyPostgresHost     = "database.postgres.host"
	KeyPostgresPort     = "database.postgres.port"
	KeyPostgresDatabase = "database.postgres.database"
	KeyPostgresUsername = "database.postgres.username"
	KeyPostgresPassword = "database.postgres.password"
	KeyPostgresSSLMode  = "database.postgres.ssl-mode"
	KeyPostgresMaxPool  = "database.postgres.max-pool-size"
	KeyPostgresMinIdle  = "database.postgres.min-idle"

	KeyAutosaveInterval   = "cache.autosave-interval"
	KeyTransactionalFlush = "cache.transactional-flush"
	KeyCacheShutdown      = "cache.shutdown-timeout"

	KeyEventsDispatcher = "events.dispatcher"

	KeyLogLevel    = "logging.level"
	KeyLogEncoding = "logging.encoding"
)

// Defaults shared by the typed loaders and the generated default file.
const (
	DefaultDatabaseType      = BackendSQLite
	DefaultAsyncThreads      = 2
	DefaultQueueSize         = 1024
	DefaultConnectionTimeout = 5 * time.Second
	DefaultIdleTimeout       = 5 * time.Minute
	DefaultMaxLifetime       = 30 * time.Minute
	DefaultLeakDetection     = time.Minute
	DefaultDrainTimeout      = 10 * time.Second
	DefaultHealthTimeout     = 5 * time.Second
	DefaultHealthInterval    = 30 * time.Second

	DefaultSQLiteFile        = "xzcore.db"
	DefaultSQLiteJournalMode = "WAL"
	DefaultSQLiteSynchronous = "NORMAL"
	DefaultSQLiteMaxPool     = 5
	DefaultSQLiteMinIdle     = 1

	DefaultMySQLPort    = 3306
	DefaultMySQLMaxPool = 10
	DefaultMySQLMinIdle = 5

	DefaultPostgresPort    = 5432
	DefaultPostgresMaxPool = 10
	DefaultPostgresMinIdle = 2

	DefaultAutosaveInterval = 5 * time.Minute
	DefaultCacheShutdown    = 30 * time.Second

	DefaultDispatcher = "hub"
)

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	// MaxSize is the most connections that can be checked out at once
	MaxSize int `yaml:"max_size" json:"max_size"`
	// MinIdle connections are opened at initialize and kept idle
	MinIdle int `yaml:"min_idle" json:"min_idle"`
	// ConnectionTimeout bounds how long Acquire waits
	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout"`
	// IdleTimeout closes connections idle for longer
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	// MaxLifetime closes connections older than this
	MaxLifetime time.Duration `yaml:"max_lifetime" json:"max_lifetime"`
	// LeakDetection logs a warning for connections held longer; 0 disables
	LeakDetection time.Duration `yaml:"leak_detection" json:"leak_detection"`
}

// SQLiteConfig holds settings for the embedded backend.
type SQLiteConfig struct {
	File        string `yaml:"file" json:"file"`
	JournalMode string `yaml:"journal_mode" json:"journal_mode"`
	Synchronous string `yaml:"synchronous" json:"synchronous"`
}

// MySQLConfig holds settings for the MySQL backend.
type MySQLConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Database string `yaml:"database" json:"database"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	UseTLS   bool   `yaml:"use_ssl" json:"use_ssl"`
}

// PostgresConfig holds settings for the PostgreSQL backend. URL wins over the
// individual fields when set.
type PostgresConfig struct {
	URL      string `yaml:"url" json:"-"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Database string `yaml:"database" json:"database"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	SSLMode  string `yaml:"ssl_mode" json:"ssl_mode"`
}

// DatabaseConfig configures the persistence executor.
type DatabaseConfig struct {
	Type       Backend `yaml:"type" json:"type"`
	DataFolder string  `yaml:"data_folder" json:"data_folder"`
	// AsyncThreads is the number of worker goroutines running store I/O
	AsyncThreads int `yaml:"async_threads" json:"async_threads"`
	// QueueSize bounds operations waiting for a worker
	QueueSize int `yaml:"queue_size" json:"queue_size"`

	Pool     PoolConfig     `yaml:"pool" json:"pool"`
	SQLite   SQLiteConfig   `yaml:"sqlite" json:"sqlite"`
	MySQL    MySQLConfig    `yaml:"mysql" json:"mysql"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`

	// DrainTimeout bounds how long shutdown waits for in-flight operations
	DrainTimeout time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
	// HealthTimeout bounds a single health probe
	HealthTimeout time.Duration `yaml:"health_timeout" json:"health_timeout"`
	// HealthInterval is the period of background health probes; 0 disables
	HealthInterval time.Duration `yaml:"health_interval" json:"health_interval"`
}

// LoadDatabaseConfig reads and validates the database section.
func LoadDatabaseConfig(r Reader) (DatabaseConfig, error) {
	cfg := DatabaseConfig{
		Type:           Backend(strings.ToLower(strings.TrimSpace(r.GetString(KeyDatabaseType, string(DefaultDatabaseType))))),
		DataFolder:     r.GetString(KeyDataFolder, "."),
		AsyncThreads:   r.GetInt(KeyAsyncThreads, DefaultAsyncThreads),
		QueueSize:      r.GetInt(KeyQueueSize, DefaultQueueSize),
		DrainTimeout:   r.GetDuration(KeyDrainTimeout, DefaultDrainTimeout),
		HealthTimeout:  r.GetDuration(KeyHealthTimeout, DefaultHealthTimeout),
		HealthInterval: r.GetDuration(KeyHealthInterval, DefaultHealthInterval),
		Pool: PoolConfig{
			ConnectionTimeout: r.GetDuration(KeyConnectionTimeout, DefaultConnectionTimeout),
			IdleTimeout:       r.GetDuration(KeyIdleTimeout, DefaultIdleTimeout),
			MaxLifetime:       r.GetDuration(KeyMaxLifetime, DefaultMaxLifetime),
			LeakDetection:     r.GetDuration(KeyLeakDetection, DefaultLeakDetection),
		},
	}

	switch cfg.Type {
	case BackendSQLite:
		cfg.SQLite = SQLiteConfig{
			File:        r.GetString(KeySQLiteFile, DefaultSQLiteFile),
			JournalMode: r.GetString(KeySQLiteJournalMode, DefaultSQLiteJournalMode),
			Synchronous: r.GetString(KeySQLiteSynchronous, DefaultSQLiteSynchronous),
		}
		cfg.Pool.MaxSize = r.GetInt(KeySQLiteMaxPool, DefaultSQLiteMaxPool)
		cfg.Pool.MinIdle = r.GetInt(KeySQLiteMinIdle, DefaultSQLiteMinIdle)
	case BackendMySQL:
		cfg.MySQL = MySQLConfig{
			Host:     r.GetString(KeyMySQLHost, "localhost"),
			Port:     r.GetInt(KeyMySQLPort, DefaultMySQLPort),
			Database: r.GetString(KeyMySQLDatabase, "xzcore"),
			Username: r.GetString(KeyMySQLUsername, "root"),
			Password: r.GetString(KeyMySQLPassword, ""),
			UseTLS:   r.GetBool(KeyMySQLUseTLS, true),
		}
		cfg.Pool.MaxSize = r.GetInt(KeyMySQLMaxPool, DefaultMySQLMaxPool)
		cfg.Pool.MinIdle = r.GetInt(KeyMySQLMinIdle, DefaultMySQLMinIdle)
	case BackendPostgres:
		cfg.Postgres = PostgresConfig{
			URL:      r.GetString(KeyPostgresURL, ""),
			Host:     r.GetString(KeyPostgresHost, "localhost"),
			Port:     r.GetInt(KeyPostgresPort, DefaultPostgresPort),
			Database: r.GetString(KeyPostgresDatabase, "xzcore"),
			Username: r.GetString(KeyPostgresUsername, "postgres"),
			Password: r.GetString(KeyPostgresPassword, ""),
			SSLMode:  r.GetString(KeyPostgresSSLMode, "prefer"),
		}
		cfg.Pool.MaxSize = r.GetInt(KeyPostgresMaxPool, DefaultPostgresMaxPool)
		cfg.Pool.MinIdle = r.GetInt(KeyPostgresMinIdle, DefaultPostgresMinIdle)
	}

	if err := cfg.Validate(); err != nil {
		return DatabaseConfig{}, err
	}
	return cfg, nil
}

// SQLitePath returns the database file joined onto the data folder. Absolute
// file settings are used as-is.
func (c DatabaseConfig) SQLitePath() string {
	if filepath.IsAbs(c.SQLite.File) || c.DataFolder == "" {
		return c.SQLite.File
	}
	return filepath.Join(c.DataFolder, c.SQLite.File)
}

// Validate checks the database configuration.
func (c DatabaseConfig) Validate() error {
	switch c.Type {
	case BackendSQLite:
		if strings.TrimSpace(c.SQLite.File) == "" {
			return invalid(KeySQLiteFile, "sqlite file is required")
		}
	case BackendMySQL:
		if c.MySQL.Host == "" || c.MySQL.Database == "" {
			return invalid(KeyMySQLHost, "mysql host and database are required")
		}
		if c.MySQL.Port <= 0 || c.MySQL.Port > 65535 {
			return invalid(KeyMySQLPort, "mysql port out of range")
		}
	case BackendPostgres:
		if c.Postgres.URL == "" && (c.Postgres.Host == "" || c.Postgres.Database == "") {
			return invalid(KeyPostgresURL, "postgres url or host and database are required")
		}
	default:
		return invalid(KeyDatabaseType, "unknown database type").WithDetail("value", string(c.Type))
	}

	if c.AsyncThreads < 1 {
		return invalid(KeyAsyncThreads, "async-threads must be at least 1")
	}
	if c.QueueSize < 1 {
		return invalid(KeyQueueSize, "queue-size must be at least 1")
	}
	if c.Pool.MaxSize < 1 {
		return invalid("max-pool-size", "max pool size must be at least 1")
	}
	if c.Pool.MinIdle < 0 || c.Pool.MinIdle > c.Pool.MaxSize {
		return invalid("min-idle", "min-idle must be between 0 and max-pool-size")
	}
	if c.Pool.ConnectionTimeout <= 0 {
		return invalid(KeyConnectionTimeout, "connection-timeout must be positive")
	}
	if c.Pool.LeakDetection < 0 {
		return invalid(KeyLeakDetection, "leak-detection must not be negative")
	}
	if c.DrainTimeout <= 0 {
		return invalid(KeyDrainTimeout, "drain-timeout must be positive")
	}
	if c.HealthTimeout <= 0 {
		return invalid(KeyHealthTimeout, "health-timeout must be positive")
	}
	return nil
}

// CacheConfig configures the write-back entity cache.
type CacheConfig struct {
	// AutosaveInterval is the period of the dirty-record sweep
	AutosaveInterval time.Duration `yaml:"autosave_interval" json:"autosave_interval"`
	// TransactionalFlush writes the base and progression records in one transaction
	TransactionalFlush bool `yaml:"transactional_flush" json:"transactional_flush"`
	// ShutdownTimeout bounds the blocking flush at shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// LoadCacheConfig reads and validates the cache section.
func LoadCacheConfig(r Reader) (CacheConfig, error) {
	cfg := CacheConfig{
		AutosaveInterval:   r.GetDuration(KeyAutosaveInterval, DefaultAutosaveInterval),
		TransactionalFlush: r.GetBool(KeyTransactionalFlush, false),
		ShutdownTimeout:    r.GetDuration(KeyCacheShutdown, DefaultCacheShutdown),
	}
	if cfg.AutosaveInterval <= 0 {
		return CacheConfig{}, invalid(KeyAutosaveInterval, "autosave-interval must be positive")
	}
	if cfg.ShutdownTimeout <= 0 {
		return CacheConfig{}, invalid(KeyCacheShutdown, "shutdown-timeout must be positive")
	}
	return cfg, nil
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	// Dispatcher is "hub" to mirror into the host hub or "none"
	Dispatcher string `yaml:"dispatcher" json:"dispatcher"`
}

// LoadEventsConfig reads and validates the events section.
func LoadEventsConfig(r Reader) (EventsConfig, error) {
	cfg := EventsConfig{
		Dispatcher: strings.ToLower(r.GetString(KeyEventsDispatcher, DefaultDispatcher)),
	}
	switch cfg.Dispatcher {
	case "hub", "none":
		return cfg, nil
	default:
		return EventsConfig{}, invalid(KeyEventsDispatcher, "dispatcher must be hub or none").
			WithDetail("value", cfg.Dispatcher)
	}
}

func invalid(key, msg string) *xzerrors.Error {
	return xzerrors.New(xzerrors.ErrorTypeConfig, msg).WithDetail("key", key)
}
