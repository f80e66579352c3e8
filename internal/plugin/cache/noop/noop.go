package noop

import (
	"context"
	"time"

	"github.com/chirino/chat-ledger/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.ToggleCache, error) {
			return New(), nil
		},
	})
}

// New returns a cache that never stores anything.
func New() cache.ToggleCache { return noopToggleCache{} }

type noopToggleCache struct{}

func (noopToggleCache) Available() bool { return false }
func (noopToggleCache) Get(context.Context, int) (bool, bool, error) {
	return false, false, nil
}
func (noopToggleCache) Set(context.Context, int, bool, time.Duration) error { return nil }
func (noopToggleCache) Remove(context.Context, int) error                  { return nil }
