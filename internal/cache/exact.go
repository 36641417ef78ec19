package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultCacheTimeout = 500 * time.Millisecond

	keyPrefix = "cg:cache:"
	statsKey  = "cg:cachestats"

	// expiryGrace keeps logically expired rows around for a while so
	// Stats can report them before Redis drops the key.
	expiryGrace = time.Hour

	scanBatch = 500
)

// ExactCache is a Redis-backed Cache. Every entry is a hash under
// cg:cache:<fingerprint>; lookup counters live in cg:cachestats.
//
// Errors are returned to the caller, which treats them as a miss.
type ExactCache struct {
	client       *redis.Client
	queryTimeout time.Duration
	now          func() time.Time
}

// NewExactCacheFromClient wraps an existing Redis client in an ExactCache.
// The caller owns the client lifecycle (creation and Close).
func NewExactCacheFromClient(redisCli *redis.Client) *ExactCache {
	return &ExactCache{client: redisCli, queryTimeout: defaultCacheTimeout, now: time.Now}
}

// recordHitScript bumps the entry's hit counter and the global hit counter,
// but only while the entry still exists. HINCRBY on a missing key would
// create a hash holding only "hits" and no TTL.
//
// KEYS[1] = entry key
// KEYS[2] = stats key
// Returns: the new hit count, or -1 when the entry is gone.
var recordHitScript = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return -1
		end
		redis.call('HINCRBY', KEYS[2], 'hits', 1)
		return redis.call('HINCRBY', KEYS[1], 'hits', 1)
`)

func entryKey(fp string) string { return keyPrefix + fp }

func (c *ExactCache) Get(ctx context.Context, fp string) (*Entry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	key := entryKey(fp)

	vals, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("cache: HGETALL %s: %w", key, err)
	}
	if err := c.client.HIncrBy(ctx, statsKey, "lookups", 1).Err(); err != nil {
		return nil, false, fmt.Errorf("cache: HINCRBY %s: %w", statsKey, err)
	}

	if len(vals) == 0 {
		return nil, false, nil
	}

	e, err := decodeEntry(vals)
	if err != nil {
		return nil, false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	if e.Expired(c.now()) {
		return nil, false, nil
	}

	hits, ok, err := c.recordHit(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	e.HitCount = hits
	return e, true, nil
}

// recordHit increments the hit counters for key. ok is false when the key
// expired or was cleared after it was read.
func (c *ExactCache) recordHit(ctx context.Context, key string) (hits int64, ok bool, err error) {
	hits, err = recordHitScript.Run(ctx, c.client, []string{key, statsKey}).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("cache: record hit %s: %w", key, err)
	}
	if hits < 0 {
		return 0, false, nil
	}
	return hits, true, nil
}

func (c *ExactCache) Put(ctx context.Context, fp string, resp Response, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	key := entryKey(fp)

	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key,
			"text", resp.Text,
			"model", resp.Model,
			"tokens_in", resp.TokensIn,
			"tokens_out", resp.TokensOut,
			"created_at", c.now().UnixMilli(),
			"ttl_ms", ttl.Milliseconds(),
			"size", resp.size(),
			"hits", 0,
		)
		p.PExpire(ctx, key, ttl+expiryGrace)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", key, err)
	}
	return nil
}

func (c *ExactCache) Clear(ctx context.Context) (int, error) {
	removed := 0
	err := c.scanKeys(ctx, func(keys []string) error {
		n, err := c.client.Del(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("cache: DEL: %w", err)
		}
		removed += int(n)
		return nil
	})
	if err != nil {
		return removed, err
	}
	if err := c.client.Del(ctx, statsKey).Err(); err != nil {
		return removed, fmt.Errorf("cache: DEL %s: %w", statsKey, err)
	}
	return removed, nil
}

func (c *ExactCache) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	now := c.now()

	err := c.scanKeys(ctx, func(keys []string) error {
		cmds := make([]*redis.SliceCmd, len(keys))
		_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			for i, k := range keys {
				cmds[i] = p.HMGet(ctx, k, "created_at", "ttl_ms", "size")
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("cache: stats pipeline: %w", err)
		}

		for _, cmd := range cmds {
			vals := cmd.Val()
			if len(vals) != 3 || vals[0] == nil {
				continue // expired between SCAN and HMGET
			}
			st.Total++
			created, _ := strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
			ttlMS, _ := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
			size, _ := strconv.ParseInt(fmt.Sprint(vals[2]), 10, 64)
			if now.Sub(time.UnixMilli(created)) > time.Duration(ttlMS)*time.Millisecond {
				st.Expired++
			}
			st.SizeBytes += size
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	counters, err := c.client.HGetAll(ctx, statsKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("cache: HGETALL %s: %w", statsKey, err)
	}
	st.Hits, _ = strconv.ParseInt(counters["hits"], 10, 64)
	st.Lookups, _ = strconv.ParseInt(counters["lookups"], 10, 64)
	st.computeRatio()

	return st, nil
}

// Ping reports whether Redis is reachable.
func (c *ExactCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

func (c *ExactCache) scanKeys(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, keyPrefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("cache: SCAN: %w", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func decodeEntry(vals map[string]string) (*Entry, error) {
	atoi := func(field string) (int64, error) {
		v, err := strconv.ParseInt(vals[field], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %s: %w", field, err)
		}
		return v, nil
	}

	created, err := atoi("created_at")
	if err != nil {
		return nil, err
	}
	ttlMS, err := atoi("ttl_ms")
	if err != nil {
		return nil, err
	}
	in, _ := atoi("tokens_in")
	out, _ := atoi("tokens_out")

	return &Entry{
		Response: Response{
			Text:      vals["text"],
			Model:     vals["model"],
			TokensIn:  int(in),
			TokensOut: int(out),
		},
		CreatedAt: time.UnixMilli(created),
		TTL:       time.Duration(ttlMS) * time.Millisecond,
	}, nil
}
