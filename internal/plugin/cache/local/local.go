// Package local is an in-process toggle cache backed by ristretto.
package local

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/chat-ledger/internal/config"
	registrycache "github.com/chirino/chat-ledger/internal/registry/cache"
	"github.com/dgraph-io/ristretto/v2"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registrycache.ToggleCache, error) {
			maxItems := int64(1024)
			if cfg := config.FromContext(ctx); cfg != nil && cfg.CacheLocalMaxItems > 0 {
				maxItems = cfg.CacheLocalMaxItems
			}
			return New(maxItems)
		},
	})
}

// Cache holds toggle states in memory. Each entry costs 1.
type Cache struct {
	c *ristretto.Cache[int, bool]
}

// New creates a cache bounded to maxItems entries.
func New(maxItems int64) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[int, bool]{
		NumCounters:        maxItems * 10,
		MaxCost:            maxItems,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	return &Cache{c: c}, nil
}

func (c *Cache) Available() bool { return true }

func (c *Cache) Get(_ context.Context, actionID int) (bool, bool, error) {
	enabled, found := c.c.Get(actionID)
	return enabled, found, nil
}

func (c *Cache) Set(_ context.Context, actionID int, enabled bool, ttl time.Duration) error {
	c.c.SetWithTTL(actionID, enabled, 1, ttl)
	// Make the write visible to the next Get.
	c.c.Wait()
	return nil
}

func (c *Cache) Remove(_ context.Context, actionID int) error {
	c.c.Del(actionID)
	return nil
}

// Close releases the cache's goroutines.
func (c *Cache) Close() {
	c.c.Close()
}
