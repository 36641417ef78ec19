package prompt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps templates in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]Template
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{templates: make(map[string]Template), now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, typ string) (Template, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[typ]
	return t, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, t Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.Builtin = false
	t.UpdatedAt = m.now().UTC()

	m.mu.Lock()
	m.templates[t.Type] = t
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, typ string) error {
	m.mu.Lock()
	delete(m.templates, typ)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Template, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

const (
	redisHash           = "cg:templates"
	defaultQueryTimeout = 500 * time.Millisecond
)

// RedisStore keeps templates as JSON values in a Redis hash keyed by type.
type RedisStore struct {
	client       *redis.Client
	queryTimeout time.Duration
	now          func() time.Time
}

// NewRedisStore wraps an existing client. The caller owns the client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, queryTimeout: defaultQueryTimeout, now: time.Now}
}

func (r *RedisStore) Get(ctx context.Context, typ string) (Template, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	data, err := r.client.HGet(ctx, redisHash, typ).Bytes()
	if errors.Is(err, redis.Nil) {
		return Template{}, false, nil
	}
	if err != nil {
		return Template{}, false, fmt.Errorf("prompt: HGET %s: %w", typ, err)
	}

	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return Template{}, false, fmt.Errorf("prompt: decode %s: %w", typ, err)
	}
	return t, true, nil
}

func (r *RedisStore) Put(ctx context.Context, t Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.Builtin = false
	t.UpdatedAt = r.now().UTC()

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("prompt: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	if err := r.client.HSet(ctx, redisHash, t.Type, data).Err(); err != nil {
		return fmt.Errorf("prompt: HSET %s: %w", t.Type, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, typ string) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	if err := r.client.HDel(ctx, redisHash, typ).Err(); err != nil {
		return fmt.Errorf("prompt: HDEL %s: %w", typ, err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context) ([]Template, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	all, err := r.client.HGetAll(ctx, redisHash).Result()
	if err != nil {
		return nil, fmt.Errorf("prompt: HGETALL: %w", err)
	}

	out := make([]Template, 0, len(all))
	for typ, raw := range all {
		var t Template
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("prompt: decode %s: %w", typ, err)
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}
