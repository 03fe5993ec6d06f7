// Package core wires the runtime services together. The Container builds
// them in dependency order, runs their lifecycle and hands collaborators an
// API facade; nothing in the runtime looks the container up globally.
package core

import "context"

// Service is one lifecycle-managed runtime component.
type Service interface {
	// Name identifies the service in logs, errors and status output.
	Name() string
	// Initialize brings the service up. A failure is fatal to the container.
	Initialize(ctx context.Context) error
	// Shutdown releases the service. Failures are logged by the container and
	// never stop the remaining shutdowns.
	Shutdown(ctx context.Context) error
	// IsInitialized reports whether the service is up.
	IsInitialized() bool
}

// ServiceRecord is the container's bookkeeping entry for one service.
type ServiceRecord struct {
	Name        string `json:"name"`
	Initialized bool   `json:"initialized"`
}
