// Package natskv provides the shared level of the response cache on top
// of a JetStream key-value bucket, so identical requests replayed against
// any instance see the same cached answer.
package natskv

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache adapts a JetStream KV bucket to the cache port.
type Cache struct {
	bucket jetstream.KeyValue
}

// New wraps an already-opened KV bucket.
func New(bucket jetstream.KeyValue) *Cache {
	return &Cache{bucket: bucket}
}

// Get reports the stored value for key. A missing key is a miss, not an
// error.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.bucket.Get(ctx, key)
	switch {
	case err == nil:
		return entry.Value(), true, nil
	case errors.Is(err, jetstream.ErrKeyNotFound):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

// Set stores value under key. Expiry is governed by the bucket's TTL
// configuration, so the per-call ttl is ignored here.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.bucket.Put(ctx, key, value)
	return err
}

// Delete removes key; deleting an absent key succeeds.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.bucket.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	return nil
}
