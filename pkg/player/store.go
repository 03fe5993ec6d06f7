package player

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/ajitpratap0/xzcore/pkg/database"
	"github.com/ajitpratap0/xzcore/pkg/xzerrors"
)

// Store loads and saves entity records.
type Store interface {
	// Load returns the stored record for id; found is false if there is none.
	Load(ctx context.Context, id uuid.UUID) (snap Snapshot, found bool, err error)
	// Save writes the base record and then its progression record.
	Save(ctx context.Context, snap Snapshot) error
}

// metadata lives in the extension table under this component and key
const (
	metadataComponent = "xzcore"
	metadataKey       = "metadata"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore is the Store backed by the persistence executor's tables.
type SQLStore struct {
	exec          *database.Executor
	clock         clock.Clock
	transactional bool

	selectPlayer   string
	selectProgress string
	selectMetadata string
	upsertPlayer   string
	upsertProgress string
	upsertMetadata string
	deleteMetadata string
}

// NewSQLStore returns a store over exec. With transactional set, the base
// and progression writes of one Save share a transaction.
func NewSQLStore(exec *database.Executor, clk clock.Clock, transactional bool) *SQLStore {
	if clk == nil {
		clk = clock.WallClock
	}
	d := exec.Dialect()
	return &SQLStore{
		exec:          exec,
		clock:         clk,
		transactional: transactional,

		selectPlayer: d.Rebind("SELECT username, first_join, last_join, play_time FROM " +
			database.TablePlayers + " WHERE uuid = ?"),
		selectProgress: d.Rebind("SELECT total_xp, level FROM " +
			database.TableExperience + " WHERE uuid = ?"),
		selectMetadata: d.Rebind("SELECT value FROM " + database.TableExtension +
			" WHERE plugin_name = ? AND data_key = ? AND uuid = ?"),
		upsertPlayer: d.Upsert(database.TablePlayers,
			[]string{"uuid"},
			[]string{"uuid", "username", "first_join", "last_join", "play_time"}),
		upsertProgress: d.Upsert(database.TableExperience,
			[]string{"uuid"},
			[]string{"uuid", "total_xp", "level", "last_updated"}),
		upsertMetadata: d.Upsert(database.TableExtension,
			[]string{"plugin_name", "data_key", "uuid"},
			[]string{"plugin_name", "data_key", "uuid", "value", "updated_at"}),
		deleteMetadata: d.Rebind("DELETE FROM " + database.TableExtension +
			" WHERE plugin_name = ? AND data_key = ? AND uuid = ?"),
	}
}

// Load reads the base, progression and metadata rows for id on one pooled
// connection.
func (s *SQLStore) Load(ctx context.Context, id uuid.UUID) (Snapshot, bool, error) {
	snap := Snapshot{ID: id, Level: 1}
	found := false

	err := s.exec.WithConn(ctx, func(c *database.Conn) error {
		var playMS int64
		err := c.QueryRowContext(ctx, s.selectPlayer, id.String()).
			Scan(&snap.Name, &snap.FirstSeen, &snap.LastSeen, &playMS)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return failed(err, s.selectPlayer)
		}
		found = true
		snap.PlayTime = time.Duration(playMS) * time.Millisecond

		err = c.QueryRowContext(ctx, s.selectProgress, id.String()).Scan(&snap.Experience, &snap.Level)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return failed(err, s.selectProgress)
		}

		md, err := s.loadMetadata(ctx, c, id)
		if err != nil {
			return err
		}
		snap.Metadata = md
		return nil
	})
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, found, nil
}

func (s *SQLStore) loadMetadata(ctx context.Context, q queryer, id uuid.UUID) (map[string]Value, error) {
	var raw sql.NullString
	err := q.QueryRowContext(ctx, s.selectMetadata, metadataComponent, metadataKey, id.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !raw.Valid) {
		return map[string]Value{}, nil
	}
	if err != nil {
		return nil, failed(err, s.selectMetadata)
	}

	md := make(map[string]Value)
	if err := json.Unmarshal([]byte(raw.String), &md); err != nil {
		return nil, xzerrors.Wrap(err, xzerrors.ErrorTypeQuery, "stored metadata is not valid").
			WithDetail("identity", id.String())
	}
	return md, nil
}

// Save writes snap. Without the transactional option the writes are
// sequential on one connection and a failure between them leaves the base
// record ahead of the progression record until the next flush.
func (s *SQLStore) Save(ctx context.Context, snap Snapshot) error {
	if s.transactional {
		return s.exec.InTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			return s.write(ctx, tx, snap)
		})
	}
	return s.exec.WithConn(ctx, func(c *database.Conn) error {
		return s.write(ctx, c, snap)
	})
}

func (s *SQLStore) write(ctx context.Context, ex execer, snap Snapshot) error {
	id := snap.ID.String()
	now := s.clock.Now().UnixMilli()

	if _, err := ex.ExecContext(ctx, s.upsertPlayer,
		id, snap.Name, snap.FirstSeen, snap.LastSeen, snap.PlayTime.Milliseconds()); err != nil {
		return failed(err, s.upsertPlayer)
	}
	if _, err := ex.ExecContext(ctx, s.upsertProgress,
		id, snap.Experience, snap.Level, now); err != nil {
		return failed(err, s.upsertProgress)
	}

	if len(snap.Metadata) == 0 {
		if _, err := ex.ExecContext(ctx, s.deleteMetadata, metadataComponent, metadataKey, id); err != nil {
			return failed(err, s.deleteMetadata)
		}
		return nil
	}
	data, err := json.Marshal(snap.Metadata)
	if err != nil {
		return xzerrors.Wrap(err, xzerrors.ErrorTypeValidation, "metadata is not encodable").
			WithDetail("identity", id)
	}
	if _, err := ex.ExecContext(ctx, s.upsertMetadata,
		metadataComponent, metadataKey, id, string(data), now); err != nil {
		return failed(err, s.upsertMetadata)
	}
	return nil
}

func failed(err error, stmt string) error {
	return xzerrors.Wrap(err, xzerrors.ErrorTypeQuery, "statement failed").WithDetail("statement", stmt)
}
