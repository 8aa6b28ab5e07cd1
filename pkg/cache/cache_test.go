package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCache_SetGet(t *testing.T) {
	c := New[int64, string](time.Minute)
	defer c.Stop()

	c.Set(3, "alice")
	if v, ok := c.Get(3); !ok || v != "alice" {
		t.Errorf("Get(3) = %q, %v; want alice, true", v, ok)
	}
	if _, ok := c.Get(4); ok {
		t.Error("Get(4) should miss")
	}

	c.Delete(3)
	if _, ok := c.Get(3); ok {
		t.Error("Get(3) should miss after Delete")
	}
}

func TestCache_Expiry(t *testing.T) {
	c := New[string, int](time.Minute)
	defer c.Stop()

	c.SetWithTTL("short", 1, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get("short"); ok {
		t.Error("expired entry should not be returned")
	}

	c.evictExpired()
	if c.Size() != 0 {
		t.Errorf("Size() = %d after eviction, want 0", c.Size())
	}
}

func TestCache_GetOrLoad(t *testing.T) {
	c := New[int64, string](time.Minute)
	defer c.Stop()

	calls := 0
	load := func(context.Context) (string, error) {
		calls++
		return "bob", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad(context.Background(), 4, load)
		if err != nil || v != "bob" {
			t.Fatalf("GetOrLoad() = %q, %v", v, err)
		}
	}
	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}

	failing := func(context.Context) (string, error) { return "", errors.New("db down") }
	if _, err := c.GetOrLoad(context.Background(), 5, failing); err == nil {
		t.Error("expected loader error")
	}
	if _, ok := c.Get(5); ok {
		t.Error("errors must not be cached")
	}
}

func TestCache_StopTwice(t *testing.T) {
	c := New[string, string](0)
	c.Stop()
	c.Stop()
}
