//go:build integration

package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func setupRedis(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("REDIS_URL"); url != "" {
		return url
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate redis container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get redis connection string: %v", err)
	}
	return url
}

func TestRedisCache_Integration(t *testing.T) {
	c, err := NewRedisCache(setupRedis(t), zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to connect to redis: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "snapshot:CP1", []byte(`[{"value":1}]`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := c.Get(ctx, "snapshot:CP1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != `[{"value":1}]` {
		t.Errorf("Unexpected value %q", v)
	}

	if err := c.Delete(ctx, "snapshot:CP1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Get(ctx, "snapshot:CP1"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected cache miss after delete, got %v", err)
	}
	if err := c.Ping(); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
