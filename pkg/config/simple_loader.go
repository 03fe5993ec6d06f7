package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Save encodes v as YAML into filePath, creating parent directories.
func Save(filePath string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(filePath, data, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// WriteDefaults writes the default configuration document to filePath.
func WriteDefaults(filePath string) error {
	return Save(filePath, DefaultDocument())
}

// DefaultDocument returns the default configuration as a nested document
// keyed the same way as the dotted configuration keys. Durations are in
// milliseconds.
func DefaultDocument() map[string]interface{} {
	return map[string]interface{}{
		"data-folder": ".",
		"database": map[string]interface{}{
			"type":               string(DefaultDatabaseType),
			"async-threads":      DefaultAsyncThreads,
			"queue-size":         DefaultQueueSize,
			"connection-timeout": DefaultConnectionTimeout.Milliseconds(),
			"idle-timeout":       DefaultIdleTimeout.Milliseconds(),
			"max-lifetime":       DefaultMaxLifetime.Milliseconds(),
			"leak-detection":     DefaultLeakDetection.Milliseconds(),
			"drain-timeout":      DefaultDrainTimeout.Milliseconds(),
			"health-timeout":     DefaultHealthTimeout.Milliseconds(),
			"health-interval":    DefaultHealthInterval.Milliseconds(),
			"sqlite": map[string]interface{}{
				"file":          DefaultSQLiteFile,
				"journal-mode":  DefaultSQLiteJournalMode,
				"synchronous":   DefaultSQLiteSynchronous,
				"max-pool-size": DefaultSQLiteMaxPool,
				"min-idle":      DefaultSQLiteMinIdle,
			},
			"mysql": map[string]interface{}{
				"host":          "localhost",
				"port":          DefaultMySQLPort,
				"database":      "xzcore",
				"username":      "root",
				"password":      "${XZCORE_MYSQL_PASSWORD}",
				"use-ssl":       true,
				"max-pool-size": DefaultMySQLMaxPool,
				"min-idle":      DefaultMySQLMinIdle,
			},
			"postgres": map[string]interface{}{
				"host":          "localhost",
				"port":          DefaultPostgresPort,
				"database":      "xzcore",
				"username":      "postgres",
				"password":      "${XZCORE_POSTGRES_PASSWORD}",
				"ssl-mode":      "prefer",
				"max-pool-size": DefaultPostgresMaxPool,
				"min-idle":      DefaultPostgresMinIdle,
			},
		},
		"cache": map[string]interface{}{
			"autosave-interval":   DefaultAutosaveInterval.Milliseconds(),
			"transactional-flush": false,
			"shutdown-timeout":    DefaultCacheShutdown.Milliseconds(),
		},
		"events": map[string]interface{}{
			"dispatcher": DefaultDispatcher,
		},
		"logging": map[string]interface{}{
			"level":    "info",
			"encoding": "json",
		},
	}
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
