package core

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/xzcore/pkg/config"
	"github.com/ajitpratap0/xzcore/pkg/database"
	"github.com/ajitpratap0/xzcore/pkg/events"
	"github.com/ajitpratap0/xzcore/pkg/logger"
	"github.com/ajitpratap0/xzcore/pkg/metrics"
	"github.com/ajitpratap0/xzcore/pkg/player"
	"github.com/ajitpratap0/xzcore/pkg/xzerrors"
)

// Version is the runtime version reported by the facade.
var Version = "1.0.0"

// Options configures a Container.
type Options struct {
	// ConfigPath is the YAML configuration file. It is created with defaults
	// if missing.
	ConfigPath string
	// Dispatcher overrides the host dispatcher chosen by events.dispatcher.
	Dispatcher events.Dispatcher
	// Clock drives the cache sweep and timestamps; nil uses wall time.
	Clock clock.Clock
	// Logger is the parent logger; nil uses the process logger.
	Logger *zap.Logger
}

// step builds one service. It runs after every earlier step initialized.
type step struct {
	name  string
	build func(ctx context.Context) (Service, error)
}

// Container owns the runtime services.
type Container struct {
	logger *zap.Logger
	steps  []step

	mu       sync.RWMutex
	services []Service
	started  bool

	cfg        *config.Provider
	db         *database.Executor
	bus        *events.Bus
	players    *player.Manager
	extensions *database.ExtensionStore

	api *API
}

// New returns a container for the standard services: configuration,
// persistence executor, event bus and entity cache, in that order.
func New(opts Options) *Container {
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	c := newContainer(opts.Logger)

	c.steps = []step{
		{name: "config", build: func(ctx context.Context) (Service, error) {
			c.cfg = config.NewProvider(opts.ConfigPath, c.logger)
			return c.cfg, nil
		}},
		{name: "database", build: func(ctx context.Context) (Service, error) {
			dbCfg, err := config.LoadDatabaseConfig(c.cfg)
			if err != nil {
				return nil, err
			}
			c.db = database.NewExecutor(dbCfg, c.logger)
			c.extensions = database.NewExtensionStore(c.db, clk)
			return c.db, nil
		}},
		{name: "events", build: func(ctx context.Context) (Service, error) {
			evCfg, err := config.LoadEventsConfig(c.cfg)
			if err != nil {
				return nil, err
			}
			dispatcher := opts.Dispatcher
			if dispatcher == nil {
				dispatcher = newDispatcher(evCfg, c.logger)
			}
			c.bus = events.NewBus(dispatcher, c.logger)
			return c.bus, nil
		}},
		{name: "player", build: func(ctx context.Context) (Service, error) {
			cacheCfg, err := config.LoadCacheConfig(c.cfg)
			if err != nil {
				return nil, err
			}
			store := player.NewSQLStore(c.db, clk, cacheCfg.TransactionalFlush)
			c.players = player.NewManager(store, c.db, c.bus, clk, cacheCfg, c.logger)
			return c.players, nil
		}},
	}
	return c
}

func newContainer(log *zap.Logger, steps ...step) *Container {
	c := &Container{
		logger: logger.Named(log, "core"),
		steps:  steps,
	}
	c.api = &API{c: c}
	return c
}

func newDispatcher(cfg config.EventsConfig, log *zap.Logger) events.Dispatcher {
	if cfg.Dispatcher == "none" {
		return events.NopDispatcher{}
	}
	return events.NewHubDispatcher(log)
}

// Initialize builds and initializes every service in order. The first
// failure stops the sequence and is returned as a service-init error naming
// the service; services already up are left running for Shutdown.
func (c *Container) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return xzerrors.New(xzerrors.ErrorTypeServiceInit, "container already initialized")
	}
	c.started = true
	c.mu.Unlock()

	for _, s := range c.steps {
		c.mu.Lock()
		svc, err := s.build(ctx)
		if err == nil {
			c.services = append(c.services, svc)
		}
		c.mu.Unlock()
		if err != nil {
			return c.initFailed(s.name, err)
		}

		if err := svc.Initialize(ctx); err != nil {
			return c.initFailed(s.name, err)
		}
		metrics.SetServiceUp(s.name, true)
		c.logger.Info("service initialized", zap.String("service", s.name))
	}

	c.logger.Info("all services initialized", zap.Int("services", len(c.steps)))
	return nil
}

func (c *Container) initFailed(name string, err error) error {
	c.logger.Error("service failed to initialize", zap.String("service", name), zap.Error(err))
	return xzerrors.Wrap(err, xzerrors.ErrorTypeServiceInit, "failed to initialize "+name).
		WithDetail("service", name)
}

// Shutdown shuts every constructed service down in reverse order. Each
// failure is logged and the rest still run; the failures are returned
// combined.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	services := c.services
	c.services = nil
	c.mu.Unlock()

	var errs error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if err := svc.Shutdown(ctx); err != nil {
			c.logger.Warn("service shutdown failed", zap.String("service", svc.Name()), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
		metrics.SetServiceUp(svc.Name(), false)
	}
	c.logger.Info("services stopped", zap.Int("services", len(services)))
	return errs
}

// IsReady reports whether every service is built and initialized.
func (c *Container) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.services) != len(c.steps) {
		return false
	}
	for _, svc := range c.services {
		if !svc.IsInitialized() {
			return false
		}
	}
	return true
}

// ActiveServices returns the names of the initialized services in start
// order.
func (c *Container) ActiveServices() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var names []string
	for _, svc := range c.services {
		if svc.IsInitialized() {
			names = append(names, svc.Name())
		}
	}
	return names
}

// Records returns one entry per constructed service.
func (c *Container) Records() []ServiceRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ServiceRecord, 0, len(c.services))
	for _, svc := range c.services {
		out = append(out, ServiceRecord{Name: svc.Name(), Initialized: svc.IsInitialized()})
	}
	return out
}

// Reload rereads the configuration file. Running services keep the settings
// they were built with.
func (c *Container) Reload(ctx context.Context) error {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()
	if cfg == nil || !cfg.IsInitialized() {
		return xzerrors.New(xzerrors.ErrorTypeNotInitialized, "configuration is not loaded")
	}
	return cfg.Reload()
}

// API returns the facade handed to collaborators.
func (c *Container) API() *API { return c.api }
