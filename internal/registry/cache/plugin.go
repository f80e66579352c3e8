package cache

import (
	"context"
	"fmt"
	"time"
)

// ToggleCache caches action toggle states in front of the store.
type ToggleCache interface {
	// Available reports whether the cache holds anything at all; the noop
	// cache returns false so callers can skip lookups.
	Available() bool
	Get(ctx context.Context, actionID int) (enabled bool, found bool, err error)
	Set(ctx context.Context, actionID int, enabled bool, ttl time.Duration) error
	Remove(ctx context.Context, actionID int) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (ToggleCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
