package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chirino/chat-ledger/internal/config"
	registrycache "github.com/chirino/chat-ledger/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.ToggleCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: CHAT_LEDGER_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL, cfg.CacheToggleTTL)
}

// LoadFromURL connects to a Redis-compatible server and verifies it with PING.
func LoadFromURL(ctx context.Context, redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{client: client, ttl: ttl}, nil
}

// Cache stores toggles as "1"/"0" strings so every replica shares one view.
type Cache struct {
	client *goredis.Client
	ttl    time.Duration
}

func toggleKey(actionID int) string {
	return "chat-ledger:toggle:" + strconv.Itoa(actionID)
}

func (c *Cache) Available() bool { return true }

func (c *Cache) Get(ctx context.Context, actionID int) (bool, bool, error) {
	v, err := c.client.Get(ctx, toggleKey(actionID)).Result()
	if errors.Is(err, goredis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return v == "1", true, nil
}

func (c *Cache) Set(ctx context.Context, actionID int, enabled bool, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	v := "0"
	if enabled {
		v = "1"
	}
	return c.client.Set(ctx, toggleKey(actionID), v, ttl).Err()
}

func (c *Cache) Remove(ctx context.Context, actionID int) error {
	return c.client.Del(ctx, toggleKey(actionID)).Err()
}

// Close closes the underlying client.
func (c *Cache) Close() error { return c.client.Close() }

var _ registrycache.ToggleCache = (*Cache)(nil)
