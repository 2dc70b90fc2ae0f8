package cache

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

type payload struct {
	A string `json:"a"`
	B int    `json:"b"`
}

func TestRedisCacheSetGetAndExpire(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewRedisCache(client, "pfx:")

	if err := c.Set("k", payload{A: "x", B: 7}, 10*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got payload
	found, err := c.Get("k", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected hit")
	}
	if got != (payload{A: "x", B: 7}) {
		t.Fatalf("got %+v", got)
	}

	mr.FastForward(11 * time.Second)
	var got2 payload
	found, err = c.Get("k", &got2)
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if found {
		t.Fatal("expected miss after TTL elapsed")
	}
}

func TestRedisCacheBadJSONTreatedAsMissAndDeleted(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewRedisCache(client, "pfx:")

	mr.Set("pfx:bad", "{not-json")

	var dst map[string]any
	found, err := c.Get("bad", &dst)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("expected miss for invalid JSON")
	}
	if mr.Exists("pfx:bad") {
		t.Fatal("expected bad value to be deleted")
	}
}

func TestRedisCacheMissingIsNotError(t *testing.T) {
	_, client := newTestRedis(t)
	c := NewRedisCache(client, "")

	var dst any
	found, err := c.Get("missing", &dst)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("expected miss")
	}
}
