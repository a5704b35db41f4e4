// Package ristretto provides the in-process level of the response cache,
// backed by dgraph-io/ristretto with byte-cost accounting.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Admission-counter sizing: ristretto wants roughly 10 counters per
// expected item; assume entries average ~1KiB.
const countersPerByte = 10.0 / 1024

// Cache adapts a ristretto instance to the cache port.
type Cache struct {
	inner *ristretto.Cache[string, []byte]
}

// New creates a cache holding at most maxBytes of values.
func New(maxBytes int64) (*Cache, error) {
	counters := int64(float64(maxBytes) * countersPerByte)
	if counters < 1024 {
		counters = 1024
	}
	inner, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

// Get reports the cached value for key, if any.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.inner.Get(key)
	return val, found, nil
}

// Set stores value under key for ttl. Ristretto admits writes
// asynchronously; Wait makes the entry visible to an immediate Get,
// which the idempotency middleware depends on.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.inner.SetWithTTL(key, value, int64(len(value)), ttl)
	c.inner.Wait()
	return nil
}

// Delete drops key from the cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.inner.Del(key)
	return nil
}

// Close releases the cache's background goroutines.
func (c *Cache) Close() {
	c.inner.Close()
}
