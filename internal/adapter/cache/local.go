package cache

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/ports"
)

// LocalCache implements the ports.Cache interface in process memory.
// Used when no Redis URL is configured or Redis is unavailable.
type LocalCache struct {
	store *gocache.Cache
	log   *zap.Logger
}

// NewLocalCache creates a new in-memory cache with periodic cleanup
func NewLocalCache(cleanupInterval time.Duration, log *zap.Logger) ports.Cache {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	log.Info("Local in-memory cache initialized",
		zap.Duration("cleanup_interval", cleanupInterval),
	)
	return &LocalCache{
		store: gocache.New(gocache.NoExpiration, cleanupInterval),
		log:   log,
	}
}

func (c *LocalCache) Get(ctx context.Context, key string) (string, error) {
	v, ok := c.store.Get(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}
	return v.(string), nil
}

func (c *LocalCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s, err := encodeValue(value)
	if err != nil {
		return err
	}
	if expiration <= 0 {
		expiration = gocache.NoExpiration
	}
	c.store.Set(key, s, expiration)
	return nil
}

func (c *LocalCache) Delete(ctx context.Context, key string) error {
	c.store.Delete(key)
	return nil
}

func (c *LocalCache) Ping() error {
	return nil
}

func (c *LocalCache) Close() error {
	c.store.Flush()
	return nil
}
