package database

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/xzcore/pkg/config"
	"github.com/ajitpratap0/xzcore/pkg/xzerrors"
)

// Table names.
const (
	TablePlayers    = "xzcore_players"
	TableExperience = "xzcore_experience"
	TableExtension  = "xzcore_plugin_data"
)

// Tables lists every table created by Bootstrap, in creation order.
var Tables = []string{TablePlayers, TableExperience, TableExtension}

// SchemaStatements returns the DDL for backend. Every statement is safe to
// run against a database that already has the tables.
func SchemaStatements(backend config.Backend) []string {
	suffix := ""
	if backend == config.BackendMySQL {
		suffix = " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS ` + TablePlayers + ` (
	uuid VARCHAR(36) NOT NULL PRIMARY KEY,
	username VARCHAR(64) NOT NULL,
	first_join BIGINT NOT NULL DEFAULT 0,
	last_join BIGINT NOT NULL DEFAULT 0,
	play_time BIGINT NOT NULL DEFAULT 0
)` + suffix,
		`CREATE TABLE IF NOT EXISTS ` + TableExperience + ` (
	uuid VARCHAR(36) NOT NULL PRIMARY KEY,
	total_xp BIGINT NOT NULL DEFAULT 0,
	level INT NOT NULL DEFAULT 1,
	last_updated BIGINT NOT NULL DEFAULT 0,
	FOREIGN KEY (uuid) REFERENCES ` + TablePlayers + `(uuid) ON DELETE CASCADE
)` + suffix,
		`CREATE TABLE IF NOT EXISTS ` + TableExtension + ` (
	plugin_name VARCHAR(64) NOT NULL,
	data_key VARCHAR(128) NOT NULL,
	uuid VARCHAR(36) NOT NULL DEFAULT '',
	value TEXT,
	updated_at BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (plugin_name, data_key, uuid)
)` + suffix,
	}
}

// Bootstrap creates the runtime tables. It is idempotent.
func (e *Executor) Bootstrap(ctx context.Context) error {
	return e.WithConn(ctx, func(c *Conn) error {
		for i, stmt := range SchemaStatements(e.dialect.Backend()) {
			if _, err := c.ExecContext(ctx, stmt); err != nil {
				return xzerrors.Wrap(err, xzerrors.ErrorTypeQuery, "schema creation failed").
					WithDetail("table", Tables[i])
			}
		}
		e.logger.Info("schema ready", zap.Strings("tables", Tables))
		return nil
	})
}
