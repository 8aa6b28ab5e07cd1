package monitoring

import (
	"context"
	"fmt"
	"time"

	"meetrelay/internal/infrastructure/repositories"
)

// AddDependencyChecks registers one readiness check per external dependency
// of the relay (postgres, redis or nats, whichever are configured).
func (h *HealthChecker) AddDependencyChecks(deps []repositories.Dependency, timeout time.Duration) {
	for _, dep := range deps {
		h.AddCheck(dep.Name, dep.Ping, timeout)
	}
}

// AddAcceptingCheck fails once the server stopped admitting sessions, so
// load balancers drain the instance during shutdown.
func (h *HealthChecker) AddAcceptingCheck(accepting func() bool) {
	h.AddCheck("accepting", func(ctx context.Context) error {
		if !accepting() {
			return fmt.Errorf("shutting down")
		}
		return nil
	}, time.Second)
}

// IsReady checks if the service is ready to accept traffic.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
