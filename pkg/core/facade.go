package core

import (
	"context"

	"github.com/google/uuid"

	"github.com/ajitpratap0/xzcore/pkg/config"
	"github.com/ajitpratap0/xzcore/pkg/database"
	"github.com/ajitpratap0/xzcore/pkg/events"
	"github.com/ajitpratap0/xzcore/pkg/player"
	"github.com/ajitpratap0/xzcore/pkg/xzerrors"
)

// API is the only runtime object handed to collaborating components. The
// accessors return nil until the matching service has been built.
type API struct {
	c *Container
}

// Config returns the configuration reader
func (a *API) Config() config.Reader {
	a.c.mu.RLock()
	defer a.c.mu.RUnlock()
	if a.c.cfg == nil {
		return nil
	}
	return a.c.cfg
}

// Database returns the persistence executor
func (a *API) Database() *database.Executor {
	a.c.mu.RLock()
	defer a.c.mu.RUnlock()
	return a.c.db
}

// Extensions returns the extension key/value store
func (a *API) Extensions() *database.ExtensionStore {
	a.c.mu.RLock()
	defer a.c.mu.RUnlock()
	return a.c.extensions
}

// Events returns the event bus
func (a *API) Events() *events.Bus {
	a.c.mu.RLock()
	defer a.c.mu.RUnlock()
	return a.c.bus
}

// Players returns the entity cache
func (a *API) Players() *player.Manager {
	a.c.mu.RLock()
	defer a.c.mu.RUnlock()
	return a.c.players
}

// Player returns the record for id, loading it from the store if it is not
// cached.
func (a *API) Player(ctx context.Context, id uuid.UUID) (*player.Data, bool, error) {
	players := a.Players()
	if players == nil {
		return nil, false, xzerrors.New(xzerrors.ErrorTypeNotInitialized, "entity cache is not running")
	}
	return players.Get(ctx, id)
}

// IsReady reports whether every runtime service is up
func (a *API) IsReady() bool { return a.c.IsReady() }

// ActiveServices returns the names of the running services
func (a *API) ActiveServices() []string { return a.c.ActiveServices() }

// Reload rereads the configuration file
func (a *API) Reload(ctx context.Context) error { return a.c.Reload(ctx) }

// Version returns the runtime version
func (a *API) Version() string { return Version }
