// Package cache provides a best-effort read-through cache in front of the
// persistence adapter. Cache errors never surface as protocol errors: every
// failure degrades to a cache miss.
package cache

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "github.com/go-redis/redis/v8"
    "github.com/riverside-tel/orange-cti/pkg/errors"
    "github.com/riverside-tel/orange-cti/pkg/logger"
)

type Config struct {
    Host         string
    Port         int
    Password     string
    DB           int
    PoolSize     int
    MinIdleConns int
    MaxRetries   int
    DialTimeout  time.Duration
    ReadTimeout  time.Duration
    WriteTimeout time.Duration
}

// Cache wraps a Redis client with a never-fail Get/Set contract.
type Cache struct {
    client *redis.Client
    prefix string
}

// New dials Redis and returns a ready Cache. A nil *Cache (returned alongside
// a non-nil error) must not be used; callers that want a no-op cache should
// use NewNoop instead.
func New(ctx context.Context, cfg Config, prefix string) (*Cache, error) {
    client := redis.NewClient(&redis.Options{
        Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
        Password:     cfg.Password,
        DB:           cfg.DB,
        PoolSize:     cfg.PoolSize,
        MinIdleConns: cfg.MinIdleConns,
        MaxRetries:   cfg.MaxRetries,
        DialTimeout:  cfg.DialTimeout,
        ReadTimeout:  cfg.ReadTimeout,
        WriteTimeout: cfg.WriteTimeout,
    })

    pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()

    if err := client.Ping(pingCtx).Err(); err != nil {
        return nil, errors.Wrap(err, errors.ErrRedis, "failed to connect to redis")
    }

    logger.Info("Redis cache initialized")
    return &Cache{client: client, prefix: prefix}, nil
}

// NewNoop returns a Cache with no backing client; every operation is a
// silent miss. Used when Redis is not configured.
func NewNoop() *Cache {
    return &Cache{}
}

func (c *Cache) key(k string) string {
    if c.prefix != "" {
        return fmt.Sprintf("%s:%s", c.prefix, k)
    }
    return k
}

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) bool {
    if c == nil || c.client == nil {
        return false
    }

    val, err := c.client.Get(ctx, c.key(key)).Result()
    if err == redis.Nil {
        return false
    }
    if err != nil {
        logger.WithField("key", key).WithError(err).Warn("Cache get failed")
        return false
    }

    if err := json.Unmarshal([]byte(val), dest); err != nil {
        logger.WithField("key", key).WithError(err).Warn("Cache unmarshal failed")
        return false
    }

    return true
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) {
    if c == nil || c.client == nil {
        return
    }

    data, err := json.Marshal(value)
    if err != nil {
        return
    }

    if err := c.client.Set(ctx, c.key(key), data, expiration).Err(); err != nil {
        logger.WithField("key", key).WithError(err).Warn("Cache set failed")
    }
}

func (c *Cache) Delete(ctx context.Context, keys ...string) {
    if c == nil || c.client == nil {
        return
    }

    fullKeys := make([]string, len(keys))
    for i, k := range keys {
        fullKeys[i] = c.key(k)
    }

    if err := c.client.Del(ctx, fullKeys...).Err(); err != nil {
        logger.WithError(err).Warn("Cache delete failed")
    }
}

func (c *Cache) Close() error {
    if c.client == nil {
        return nil
    }
    return c.client.Close()
}
