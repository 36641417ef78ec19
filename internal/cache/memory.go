package cache

import (
	"context"
	"sync"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

type memItem struct {
	resp      Response
	createdAt time.Time
	ttl       time.Duration
	hits      int64
}

// MemoryCache is an in-process Cache.
//
// It is safe for concurrent use. A background goroutine periodically
// removes expired entries so memory does not grow without bound.
type MemoryCache struct {
	mu      sync.Mutex
	items   map[string]*memItem
	hits    int64
	lookups int64

	now  func() time.Time
	done chan struct{}
	once sync.Once
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) { c.now = now }
}

// NewMemoryCache creates a MemoryCache and starts the sweep loop, which
// runs every interval (default 5m) until ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context, interval time.Duration, opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]*memItem),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	go c.sweepLoop(ctx, interval)
	return c
}

func (c *MemoryCache) Get(_ context.Context, fp string) (*Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lookups++

	item, ok := c.items[fp]
	if !ok {
		return nil, false, nil
	}
	e := Entry{Response: item.resp, CreatedAt: item.createdAt, TTL: item.ttl}
	if e.Expired(c.now()) {
		return nil, false, nil
	}

	item.hits++
	c.hits++
	e.HitCount = item.hits
	return &e, true, nil
}

func (c *MemoryCache) Put(_ context.Context, fp string, resp Response, ttl time.Duration) error {
	c.mu.Lock()
	c.items[fp] = &memItem{resp: resp, createdAt: c.now(), ttl: ttl}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Clear(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.items)
	c.items = make(map[string]*memItem)
	c.hits, c.lookups = 0, 0
	return n, nil
}

func (c *MemoryCache) Stats(_ context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	st := Stats{Total: len(c.items), Hits: c.hits, Lookups: c.lookups}
	for _, it := range c.items {
		if now.Sub(it.createdAt) > it.ttl {
			st.Expired++
		}
		st.SizeBytes += it.resp.size()
	}
	st.computeRatio()
	return st, nil
}

// Len returns the number of physically stored entries, expired included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close stops the sweep loop. It is safe to call more than once.
func (c *MemoryCache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *MemoryCache) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// Sweep physically removes expired entries and returns how many it removed.
func (c *MemoryCache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, it := range c.items {
		if now.Sub(it.createdAt) > it.ttl {
			delete(c.items, k)
			removed++
		}
	}
	return removed
}
