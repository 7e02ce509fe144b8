package monitoring

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// WorkerHealth is satisfied by the media worker pool.
type WorkerHealth interface {
	Health() error
}

// AddWorkerCheck fails readiness once the pool is closed or a media worker has died.
func (h *HealthChecker) AddWorkerCheck(workers WorkerHealth, timeout time.Duration) {
	h.AddCheck("media_workers", func(ctx context.Context) error {
		return workers.Health()
	}, timeout)
}

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}
