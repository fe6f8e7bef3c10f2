package health

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestRedisChecker_CancelledContext(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewRedisChecker(client).HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() with a cancelled context returned nil")
	}
}

func TestRedisChecker_UnreachableHost(t *testing.T) {
	// Nothing listens on this port, so the ping must fail rather than hang.
	client := redis.NewClient(&redis.Options{Addr: "localhost:9999"})
	defer client.Close()

	if err := NewRedisChecker(client).HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() against a dead host returned nil")
	}
}
