// Package config provides the configuration layer for xzcore.
//
// The Provider is the Configuration Provider service: it owns one YAML file,
// writes a default copy when the file is missing, substitutes ${VAR_NAME}
// references from the environment before parsing, and lets XZCORE_* variables
// override individual keys. Everything else in the runtime reads settings
// through the narrow Reader interface, always supplying a typed default, so a
// missing key never fails a read.
//
// # Usage
//
//	provider := config.NewProvider("plugins/xzcore/config.yaml", logger)
//	if err := provider.Initialize(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	dbCfg, err := config.LoadDatabaseConfig(provider)
//	if err != nil {
//		// a ConfigurationError; fatal at startup
//	}
//
// # Keys
//
// Keys are dotted paths into the YAML document:
//
//	database:
//	  type: sqlite            # sqlite, mysql or postgres
//	  async-threads: 2
//	  connection-timeout: 5000   # milliseconds, or a duration string such as "5s"
//	  sqlite:
//	    file: xzcore.db
//	  mysql:
//	    host: localhost
//	    password: ${MYSQL_PASSWORD}
//	cache:
//	  autosave-interval: 5m
//
// Durations accept either integer milliseconds or Go duration strings.
//
// # Typed Sections
//
// LoadDatabaseConfig, LoadCacheConfig and LoadEventsConfig turn a Reader into
// validated structs. Validation failures are xzerrors of type config.
package config
