// Package xzcore is the shared runtime hosted next to a game server: a
// persistence executor, a write-back player record cache and a typed event
// bus, started in order by a service container and exposed to collaborators
// through a single facade.
//
// # Architecture
//
// The runtime is four services started in a fixed order:
//
// 1. Configuration: a YAML file read through viper. A missing file is
// created with defaults; typed sections are validated before any service
// consumes them.
//
// 2. Persistence executor: a bounded connection pool over SQLite, MySQL or
// PostgreSQL, a worker pool for asynchronous statements with futures, the
// idempotent schema bootstrap and a background health probe.
//
// 3. Event bus: in-process publish/subscribe keyed by exact event type.
// Every publication is mirrored to the host dispatcher, and events arriving
// from other buses on the host are delivered to local subscribers.
//
// 4. Player cache: one live record per identity, loaded on demand, flushed
// in the background when dirty and on session end, saved in full at
// shutdown.
//
// Shutdown runs in reverse order and continues past failures.
//
// # Quick Start
//
//	c := core.New(core.Options{ConfigPath: "config.yml"})
//	if err := c.Initialize(ctx); err != nil {
//	    _ = c.Shutdown(ctx)
//	    return err
//	}
//	defer c.Shutdown(context.Background())
//
//	api := c.API()
//	_ = api.Events().Publish(player.SessionStartEvent{ID: id, Name: "steve"})
//	rec, found, err := api.Player(ctx, id)
//
// # Key Packages
//
//	pkg/core        - Service container and facade
//	pkg/database    - Persistence executor, pool, dialects, schema
//	pkg/player      - Player record cache and SQL store
//	pkg/events      - Typed event bus and host dispatcher
//	pkg/command     - Admin command group (reload, status, save)
//	pkg/config      - YAML configuration and typed sections
//	pkg/xzerrors    - Structured error kinds
//	pkg/logger      - Structured logging
//	pkg/metrics     - Prometheus collectors
//
// # Host
//
//	xzcore run --config config.yml --metrics-addr :9100
//	xzcore schema --config config.yml
//	xzcore version
//
// Environment variables are substituted into the configuration file with
// ${VAR_NAME} syntax, and a .env file in the working directory is loaded
// first.
package xzcore
