package blob

import (
	"context"
	"fmt"
)

// BlobStore persists attachment payloads keyed by content-derived ids.
type BlobStore interface {
	// Put stores data under id. An existing blob is left untouched and
	// written is false.
	Put(ctx context.Context, id string, data []byte) (written bool, err error)
	// Get returns the bytes stored under id. A missing blob yields nil, nil.
	Get(ctx context.Context, id string) ([]byte, error)
	// BasePath describes where blobs live and is recorded on attachment rows.
	BasePath() string
}

type blobStoreKey struct{}

// WithContext returns a new context carrying the given BlobStore.
func WithContext(ctx context.Context, s BlobStore) context.Context {
	return context.WithValue(ctx, blobStoreKey{}, s)
}

// FromContext retrieves the BlobStore from the context, or nil.
func FromContext(ctx context.Context) BlobStore {
	s, _ := ctx.Value(blobStoreKey{}).(BlobStore)
	return s
}

// Loader creates a BlobStore from config.
type Loader func(ctx context.Context) (BlobStore, error)

// Plugin represents a blob store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a blob store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered blob store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named blob store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown blob store %q; valid: %v", name, Names())
}
