// Package cache provides small TTL caches used in front of the job store.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is missing or expired.
	ErrNotFound = errors.New("cache: entry not found")

	// ErrClosed is returned when writing to a closed cache.
	ErrClosed = errors.New("cache: closed")
)

// Cache is a key-value cache with per-entry TTL.
// A zero TTL passed to Set means the backend default.
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, error)
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// Nop is a cache that never stores anything.
type Nop[V any] struct{}

func (Nop[V]) Get(context.Context, string) (V, error) {
	var zero V
	return zero, ErrNotFound
}

func (Nop[V]) Set(context.Context, string, V, time.Duration) error { return nil }
func (Nop[V]) Delete(context.Context, string) error { return nil }
func (Nop[V]) Clear(context.Context) error { return nil }
func (Nop[V]) Close() error { return nil }

var _ Cache[any] = Nop[any]{}
