package database

import (
	"strconv"
	"strings"

	"github.com/ajitpratap0/xzcore/pkg/config"
)

// Dialect adapts statements written with ? placeholders to a backend.
type Dialect struct {
	backend config.Backend
}

// NewDialect returns the dialect for backend
func NewDialect(backend config.Backend) Dialect {
	return Dialect{backend: backend}
}

// Backend returns the backend this dialect targets
func (d Dialect) Backend() config.Backend { return d.backend }

// DriverName returns the database/sql driver name registered for the backend.
func (d Dialect) DriverName() string {
	switch d.backend {
	case config.BackendMySQL:
		return "mysql"
	case config.BackendPostgres:
		return "pgx"
	default:
		return "sqlite"
	}
}

// Rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL. Placeholders
// inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d.backend != config.BackendPostgres || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	quoted := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			quoted = !quoted
			b.WriteByte(c)
		case c == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Upsert builds an insert of columns into table that updates every non-key
// column when a row with the same key already exists.
func (d Dialect) Upsert(table string, keys []string, columns []string) string {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = "?"
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES (")
	b.WriteString(strings.Join(placeholders, ", "))
	b.WriteString(")")

	updates := make([]string, 0, len(columns))
	for _, c := range columns {
		if isKey[c] {
			continue
		}
		if d.backend == config.BackendMySQL {
			updates = append(updates, c+" = VALUES("+c+")")
		} else {
			updates = append(updates, c+" = excluded."+c)
		}
	}

	if d.backend == config.BackendMySQL {
		b.WriteString(" ON DUPLICATE KEY UPDATE ")
	} else {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(strings.Join(keys, ", "))
		b.WriteString(") DO UPDATE SET ")
	}
	b.WriteString(strings.Join(updates, ", "))

	return d.Rebind(b.String())
}
