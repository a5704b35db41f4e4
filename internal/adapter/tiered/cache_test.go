package tiered_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/Crucible/internal/adapter/tiered"
	"github.com/Strob0t/Crucible/internal/port/cache/cachetest"
)

// memCache is a simple in-memory cache for testing.
type memCache struct {
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (m *memCache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.data[key] = value
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func TestCompliance(t *testing.T) {
	cachetest.Run(t, tiered.New(newMemCache(), newMemCache(), 5*time.Minute))
}

func TestL1Hit(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)

	l1.data["key1"] = []byte("val1")

	val, found, err := c.Get(context.Background(), "key1")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected L1 hit")
	}
	if string(val) != "val1" {
		t.Fatalf("expected val1, got %s", val)
	}
}

func TestL2HitWithBackfill(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)
	ctx := context.Background()

	l2.data["key2"] = []byte("val2")

	val, found, err := c.Get(ctx, "key2")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected L2 hit")
	}
	if string(val) != "val2" {
		t.Fatalf("expected val2, got %s", val)
	}
	if string(l1.data["key2"]) != "val2" {
		t.Fatal("expected L1 backfill after L2 hit")
	}
}

func TestSetWritesBothLevels(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)

	if err := c.Set(context.Background(), "key3", []byte("val3"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if string(l1.data["key3"]) != "val3" || string(l2.data["key3"]) != "val3" {
		t.Fatal("expected value in both levels")
	}
}

var errShared = errors.New("kv unavailable")

type failingCache struct{ err error }

func (f *failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, f.err
}
func (f *failingCache) Set(context.Context, string, []byte, time.Duration) error { return f.err }
func (f *failingCache) Delete(context.Context, string) error                     { return f.err }

func TestSetSkipsLocalWhenSharedFails(t *testing.T) {
	l1 := newMemCache()
	c := tiered.New(l1, &failingCache{err: errShared}, 5*time.Minute)

	if err := c.Set(context.Background(), "key", []byte("val"), time.Minute); err == nil {
		t.Fatal("expected shared-level error")
	}
	if _, ok := l1.data["key"]; ok {
		t.Fatal("local level must not hold a value the shared level rejected")
	}
}

func TestDeleteRemovesBothLevels(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)
	ctx := context.Background()

	_ = c.Set(ctx, "key4", []byte("val4"), time.Minute)
	if err := c.Delete(ctx, "key4"); err != nil {
		t.Fatal(err)
	}
	if _, ok := l1.data["key4"]; ok {
		t.Fatal("expected key removed from L1")
	}
	if _, ok := l2.data["key4"]; ok {
		t.Fatal("expected key removed from L2")
	}
}
