package ports

//go:generate mockgen -source=health.go -destination=mocks/mock_health.go -package=mocks

import "context"

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	// Ping returns nil when the dependency answers.
	Ping(ctx context.Context) error
	// Name identifies the dependency in the /health report ("postgresql", "redis", "memory").
	Name() string
}
