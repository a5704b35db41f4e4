// Package tiered composes the in-process and shared cache levels into a
// single cache used by the idempotency middleware.
package tiered

import (
	"context"
	"time"

	"github.com/Strob0t/Crucible/internal/port/cache"
)

// Cache layers a fast local cache over a shared one. Reads prefer the
// local level and backfill it from the shared level on a hit there.
// Writes go to the shared level first so the local level never holds an
// entry the rest of the cluster cannot see.
type Cache struct {
	local    cache.Cache
	shared   cache.Cache
	localTTL time.Duration
}

// New composes local over shared. localTTL bounds how long backfilled
// entries live locally, independent of the shared level's expiry.
func New(local, shared cache.Cache, localTTL time.Duration) *Cache {
	return &Cache{local: local, shared: shared, localTTL: localTTL}
}

// Get looks up key locally, then in the shared level.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	if val, found, err := c.local.Get(ctx, key); err != nil || found {
		return val, found, err
	}
	val, found, err := c.shared.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	_ = c.local.Set(ctx, key, val, c.localTTL)
	return val, true, nil
}

// Set writes through both levels, shared first.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.shared.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.local.Set(ctx, key, value, ttl)
}

// Delete removes key from both levels, shared first.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.shared.Delete(ctx, key); err != nil {
		return err
	}
	return c.local.Delete(ctx, key)
}
