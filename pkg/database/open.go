package database

import (
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ajitpratap0/xzcore/pkg/config"
	"github.com/ajitpratap0/xzcore/pkg/xzerrors"
)

// Open returns a *sql.DB for the configured backend. No connection is made
// until the pool first asks for one.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	switch cfg.Type {
	case config.BackendSQLite:
		return openSQLite(cfg)
	case config.BackendMySQL:
		return openMySQL(cfg)
	case config.BackendPostgres:
		return openPostgres(cfg)
	default:
		return nil, xzerrors.New(xzerrors.ErrorTypeConfig, "unknown database type").
			WithDetail("type", string(cfg.Type))
	}
}

// SQLiteDSN builds the modernc.org/sqlite DSN for path.
func SQLiteDSN(path string, cfg config.SQLiteConfig) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	if cfg.JournalMode != "" {
		q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", cfg.JournalMode))
	}
	if cfg.Synchronous != "" {
		q.Add("_pragma", fmt.Sprintf("synchronous(%s)", cfg.Synchronous))
	}
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg config.DatabaseConfig) (*sql.DB, error) {
	path := cfg.SQLitePath()
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, xzerrors.Wrap(err, xzerrors.ErrorTypeConfig, "failed to create data folder").
				WithDetail("path", dir)
		}
	}

	db, err := sql.Open("sqlite", SQLiteDSN(path, cfg.SQLite))
	if err != nil {
		return nil, xzerrors.Wrap(err, xzerrors.ErrorTypeConnection, "failed to open sqlite database").
			WithDetail("path", path)
	}
	return db, nil
}

// MySQLConfig converts the configuration into a driver config.
func MySQLConfig(cfg config.DatabaseConfig) *mysql.Config {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.MySQL.Host, strconv.Itoa(cfg.MySQL.Port))
	mc.DBName = cfg.MySQL.Database
	mc.User = cfg.MySQL.Username
	mc.Passwd = cfg.MySQL.Password
	mc.Timeout = cfg.Pool.ConnectionTimeout
	mc.Params = map[string]string{"charset": "utf8mb4"}
	if cfg.MySQL.UseTLS {
		mc.TLSConfig = "preferred"
	} else {
		mc.TLSConfig = "false"
	}
	return mc
}

func openMySQL(cfg config.DatabaseConfig) (*sql.DB, error) {
	connector, err := mysql.NewConnector(MySQLConfig(cfg))
	if err != nil {
		return nil, xzerrors.Wrap(err, xzerrors.ErrorTypeConfig, "invalid mysql configuration").
			WithDetail("host", cfg.MySQL.Host)
	}
	return sql.OpenDB(connector), nil
}

// PostgresConnString returns the URL when set, else a keyword/value string.
func PostgresConnString(cfg config.PostgresConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Database,
	}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	} else {
		u.User = url.User(cfg.Username)
	}
	if cfg.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {cfg.SSLMode}}.Encode()
	}
	return u.String()
}

func openPostgres(cfg config.DatabaseConfig) (*sql.DB, error) {
	pc, err := pgx.ParseConfig(PostgresConnString(cfg.Postgres))
	if err != nil {
		return nil, xzerrors.Wrap(err, xzerrors.ErrorTypeConfig, "invalid postgres configuration").
			WithDetail("host", cfg.Postgres.Host)
	}
	pc.ConnectTimeout = cfg.Pool.ConnectionTimeout
	return stdlib.OpenDB(*pc), nil
}
