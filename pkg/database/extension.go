package database

import (
	"context"
	"database/sql"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/ajitpratap0/xzcore/pkg/xzerrors"
)

// ExtensionStore is the key/value table other components use to persist ad
// hoc data without their own schema. Rows are addressed by component name,
// key and identity; uuid.Nil addresses component-global keys.
type ExtensionStore struct {
	exec  *Executor
	clock clock.Clock

	upsert string
}

// NewExtensionStore returns a store backed by exec. A nil clock uses wall time.
func NewExtensionStore(exec *Executor, clk clock.Clock) *ExtensionStore {
	if clk == nil {
		clk = clock.WallClock
	}
	return &ExtensionStore{
		exec:  exec,
		clock: clk,
		upsert: exec.Dialect().Upsert(TableExtension,
			[]string{"plugin_name", "data_key", "uuid"},
			[]string{"plugin_name", "data_key", "uuid", "value", "updated_at"}),
	}
}

func identityKey(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func validateKey(component, key string) error {
	if component == "" || key == "" {
		return xzerrors.New(xzerrors.ErrorTypeValidation, "component and key are required").
			WithDetail("component", component).
			WithDetail("key", key)
	}
	return nil
}

// PutAsync stores value under component/key/identity.
func (s *ExtensionStore) PutAsync(component, key string, identity uuid.UUID, value string) *Future[struct{}] {
	if err := validateKey(component, key); err != nil {
		return Resolved(struct{}{}, err)
	}
	now := s.clock.Now().UnixMilli()
	return s.exec.Go(OpExecute, func(ctx context.Context) error {
		_, err := s.exec.Exec(ctx, s.upsert, component, key, identityKey(identity), value, now)
		return err
	})
}

// PutJSON stores v encoded as JSON.
func (s *ExtensionStore) PutJSON(component, key string, identity uuid.UUID, v any) *Future[struct{}] {
	data, err := json.Marshal(v)
	if err != nil {
		return Resolved(struct{}{}, xzerrors.Wrap(err, xzerrors.ErrorTypeValidation, "value is not JSON encodable").
			WithDetail("key", key))
	}
	return s.PutAsync(component, key, identity, string(data))
}

// Get reads a value on the caller's goroutine.
func (s *ExtensionStore) Get(ctx context.Context, component, key string, identity uuid.UUID) (string, bool, error) {
	if err := validateKey(component, key); err != nil {
		return "", false, err
	}

	var (
		value sql.NullString
		found bool
	)
	err := s.exec.Query(ctx,
		"SELECT value FROM "+TableExtension+" WHERE plugin_name = ? AND data_key = ? AND uuid = ?",
		func(rows *sql.Rows) error {
			if !rows.Next() {
				return nil
			}
			found = true
			return rows.Scan(&value)
		},
		component, key, identityKey(identity))
	if err != nil {
		return "", false, err
	}
	return value.String, found, nil
}

// GetJSON decodes a stored JSON value into out.
func (s *ExtensionStore) GetJSON(ctx context.Context, component, key string, identity uuid.UUID, out any) (bool, error) {
	raw, found, err := s.Get(ctx, component, key, identity)
	if err != nil || !found {
		return found, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return true, xzerrors.Wrap(err, xzerrors.ErrorTypeValidation, "stored value is not valid JSON").
			WithDetail("key", key)
	}
	return true, nil
}

// List returns every key and value stored by component for identity.
func (s *ExtensionStore) List(ctx context.Context, component string, identity uuid.UUID) (map[string]string, error) {
	out := make(map[string]string)
	err := s.exec.Query(ctx,
		"SELECT data_key, value FROM "+TableExtension+" WHERE plugin_name = ? AND uuid = ?",
		func(rows *sql.Rows) error {
			for rows.Next() {
				var (
					k string
					v sql.NullString
				)
				if err := rows.Scan(&k, &v); err != nil {
					return err
				}
				out[k] = v.String
			}
			return nil
		},
		component, identityKey(identity))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteAsync removes a key and resolves with the number of rows removed.
func (s *ExtensionStore) DeleteAsync(component, key string, identity uuid.UUID) *Future[int64] {
	if err := validateKey(component, key); err != nil {
		return Resolved[int64](0, err)
	}
	return s.exec.ExecuteAsync(
		"DELETE FROM "+TableExtension+" WHERE plugin_name = ? AND data_key = ? AND uuid = ?",
		component, key, identityKey(identity))
}
