package adapters

import "context"

// ReloadGateway activates a rendered site config in the running web
// server. Failures are *site.ReloadError carrying the tool output.
type ReloadGateway interface {
	Enable(ctx context.Context, domain string) error
	Disable(ctx context.Context, domain string) error
	// RemediationCommand is what an operator would run by hand to do
	// what Enable does.
	RemediationCommand(domain string) string
}

// Doctor reports on the host pieces the gateway depends on.
type Doctor interface {
	GetServices(ctx context.Context) []ServiceStatus
	GetSystemHealth(ctx context.Context) []HealthCheck
}

// Shared Types
type ServiceStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Version string `json:"version,omitempty"`
}

type HealthCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass, fail, warn
	Message string `json:"message"`
}

type SystemHealth struct {
	Services []ServiceStatus `json:"services"`
	Checks   []HealthCheck   `json:"checks"`
}
