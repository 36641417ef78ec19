package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// backends returns every Cache implementation wired to the same clock.
func backends(t *testing.T, clock *fakeClock) map[string]Cache {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mem := NewMemoryCache(ctx, time.Hour, WithClock(clock.Now))
	t.Cleanup(mem.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ex := NewExactCacheFromClient(rdb)
	ex.now = clock.Now

	return map[string]Cache{"memory": mem, "redis": ex}
}

func TestCache_PutThenGet(t *testing.T) {
	clock := newFakeClock()
	for name, c := range backends(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			resp := Response{Text: "Hello", TokensIn: 3, TokensOut: 1, Model: "gpt-4o-mini"}

			if err := c.Put(ctx, "f1", resp, time.Hour); err != nil {
				t.Fatalf("Put: %v", err)
			}

			e, ok, err := c.Get(ctx, "f1")
			if err != nil || !ok {
				t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
			}
			if e.Response != resp {
				t.Fatalf("Get = %+v, want %+v", e.Response, resp)
			}
			if e.HitCount != 1 {
				t.Fatalf("HitCount = %d, want 1", e.HitCount)
			}

			e, _, _ = c.Get(ctx, "f1")
			if e.HitCount != 2 {
				t.Fatalf("HitCount after second get = %d, want 2", e.HitCount)
			}
		})
	}
}

func TestCache_Miss(t *testing.T) {
	for name, c := range backends(t, newFakeClock()) {
		t.Run(name, func(t *testing.T) {
			e, ok, err := c.Get(context.Background(), "absent")
			if err != nil || ok || e != nil {
				t.Fatalf("expected clean miss, got %v %v %v", e, ok, err)
			}
		})
	}
}

func TestCache_LogicalExpiry(t *testing.T) {
	clock := newFakeClock()
	for name, c := range backends(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = c.Put(ctx, "ttl", Response{Text: "short lived"}, time.Minute)

			clock.Advance(59 * time.Second)
			if _, ok, _ := c.Get(ctx, "ttl"); !ok {
				t.Fatal("entry should still be live before ttl")
			}

			clock.Advance(2 * time.Second)
			if _, ok, _ := c.Get(ctx, "ttl"); ok {
				t.Fatal("entry older than ttl must behave as absent")
			}

			st, err := c.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats: %v", err)
			}
			if st.Total != 1 || st.Expired != 1 {
				t.Fatalf("expired row should still be stored: %+v", st)
			}
		})
	}
}

func TestCache_PutOverwritesAndResetsHits(t *testing.T) {
	clock := newFakeClock()
	for name, c := range backends(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = c.Put(ctx, "f", Response{Text: "v1"}, time.Hour)
			_, _, _ = c.Get(ctx, "f")
			_, _, _ = c.Get(ctx, "f")

			_ = c.Put(ctx, "f", Response{Text: "v2"}, time.Hour)
			e, ok, _ := c.Get(ctx, "f")
			if !ok || e.Text != "v2" {
				t.Fatalf("overwrite failed: %+v", e)
			}
			if e.HitCount != 1 {
				t.Fatalf("hit count not reset by Put: %d", e.HitCount)
			}

			st, _ := c.Stats(ctx)
			if st.Total != 1 {
				t.Fatalf("at most one entry per fingerprint, got %d", st.Total)
			}
		})
	}
}

func TestCache_ClearAndStats(t *testing.T) {
	clock := newFakeClock()
	for name, c := range backends(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = c.Put(ctx, "a", Response{Text: "aaaa", Model: "m"}, time.Hour)
			_ = c.Put(ctx, "b", Response{Text: "bb", Model: "m"}, time.Hour)

			_, _, _ = c.Get(ctx, "a")
			_, _, _ = c.Get(ctx, "a")
			_, _, _ = c.Get(ctx, "b")
			_, _, _ = c.Get(ctx, "zzz")

			st, err := c.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats: %v", err)
			}
			if st.Total != 2 || st.Expired != 0 {
				t.Fatalf("counts = %+v", st)
			}
			if st.Hits != 3 || st.Lookups != 4 || st.HitRatio != 0.75 {
				t.Fatalf("hit counters = %+v", st)
			}
			wantSize := Response{Text: "aaaa", Model: "m"}.size() + Response{Text: "bb", Model: "m"}.size()
			if st.SizeBytes != wantSize {
				t.Fatalf("SizeBytes = %d, want %d", st.SizeBytes, wantSize)
			}

			n, err := c.Clear(ctx)
			if err != nil || n != 2 {
				t.Fatalf("Clear = %d, %v", n, err)
			}
			if _, ok, _ := c.Get(ctx, "a"); ok {
				t.Fatal("entry survived Clear")
			}

			st, _ = c.Stats(ctx)
			if st.Total != 0 || st.Hits != 0 || st.Lookups != 1 {
				t.Fatalf("stats after clear = %+v", st)
			}
		})
	}
}

func TestMemoryCache_Sweep(t *testing.T) {
	clock := newFakeClock()
	c := NewMemoryCache(context.Background(), time.Hour, WithClock(clock.Now))
	defer c.Close()

	ctx := context.Background()
	_ = c.Put(ctx, "old", Response{Text: "x"}, time.Minute)
	_ = c.Put(ctx, "new", Response{Text: "y"}, time.Hour)

	clock.Advance(5 * time.Minute)
	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	c.Close() // idempotent
}

func TestExactCache_PhysicalExpiryAfterGrace(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	c := NewExactCacheFromClient(rdb)

	ctx := context.Background()
	_ = c.Put(ctx, "f", Response{Text: "x"}, time.Minute)

	ttl := mr.TTL(entryKey("f"))
	if ttl != time.Minute+expiryGrace {
		t.Fatalf("redis TTL = %v, want %v", ttl, time.Minute+expiryGrace)
	}

	mr.FastForward(time.Minute + expiryGrace + time.Second)
	if mr.Exists(entryKey("f")) {
		t.Fatal("key should be gone after ttl + grace")
	}
}

func TestExactCache_RecordHitOnVanishedEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	c := NewExactCacheFromClient(rdb)

	ctx := context.Background()
	if err := c.Put(ctx, "f", Response{Text: "x"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	hits, ok, err := c.recordHit(ctx, entryKey("f"))
	if err != nil || !ok || hits != 1 {
		t.Fatalf("recordHit on live entry = %d, %v, %v", hits, ok, err)
	}

	// Entry removed between HGETALL and the hit increment.
	mr.Del(entryKey("f"))
	if _, ok, err := c.recordHit(ctx, entryKey("f")); err != nil || ok {
		t.Fatalf("recordHit on vanished entry: ok=%v err=%v", ok, err)
	}
	if mr.Exists(entryKey("f")) {
		t.Fatal("hit counter must not recreate a vanished entry")
	}
	if got := mr.HGet(statsKey, "hits"); got != "1" {
		t.Fatalf("global hits = %q, want 1", got)
	}

	// The next lookup is a clean miss, not a decode failure.
	if _, ok, err := c.Get(ctx, "f"); err != nil || ok {
		t.Fatalf("Get after removal: ok=%v err=%v", ok, err)
	}
}

func TestExactCache_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	c := NewExactCacheFromClient(rdb)

	mr.Close()

	if _, ok, err := c.Get(context.Background(), "f"); err == nil || ok {
		t.Fatalf("expected error and miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Put(context.Background(), "f", Response{Text: "x"}, time.Minute); err == nil {
		t.Fatal("expected Put error when redis is down")
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping error")
	}
}

func TestCacheImplementsInterface(t *testing.T) {
	var _ Cache = (*MemoryCache)(nil)
	var _ Cache = (*ExactCache)(nil)
}
