// Package keys stores per-provider API keys.
//
// Keys are read by the gateway at call time, so rotating a key through the
// management API takes effect on the next request without a restart.
package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/contentgen-gateway/internal/providers"
)

// ErrUnknownProvider is returned when a key is set for a provider the
// gateway does not implement.
var ErrUnknownProvider = errors.New("unknown provider")

// Secret is an API key. Its String and LogValue forms are masked so it can
// be passed to loggers and formatted into errors safely.
type Secret string

// Reveal returns the plaintext key.
func (s Secret) Reveal() string { return string(s) }

// Masked returns a short form such as "sk-...abcd".
func (s Secret) Masked() string {
	v := string(s)
	switch {
	case v == "":
		return ""
	case len(v) <= 8:
		return "****"
	}
	prefix := ""
	if i := strings.IndexAny(v, "-_"); i > 0 && i <= 6 {
		prefix = v[:i+1]
	}
	return prefix + "..." + v[len(v)-4:]
}

func (s Secret) String() string { return s.Masked() }

func (s Secret) LogValue() slog.Value { return slog.StringValue(s.Masked()) }

// Store holds one key per provider.
type Store interface {
	Get(ctx context.Context, provider string) (Secret, bool, error)
	Set(ctx context.Context, provider string, key Secret) error
	Delete(ctx context.Context, provider string) error
	List(ctx context.Context) (map[string]Secret, error)
}

func checkProvider(provider string) error {
	if !providers.IsKnown(provider) {
		return fmt.Errorf("keys: %w: %q", ErrUnknownProvider, provider)
	}
	return nil
}

// Seed copies keys into store without overwriting keys that already exist.
func Seed(ctx context.Context, store Store, initial map[string]string) error {
	for provider, key := range initial {
		if key == "" {
			continue
		}
		_, ok, err := store.Get(ctx, provider)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := store.Set(ctx, provider, Secret(key)); err != nil {
			return err
		}
	}
	return nil
}

// MemoryStore keeps keys in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]Secret
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]Secret)}
}

func (m *MemoryStore) Get(_ context.Context, provider string) (Secret, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[provider]
	return k, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, provider string, key Secret) error {
	if err := checkProvider(provider); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("keys: empty key for %s", provider)
	}
	m.mu.Lock()
	m.keys[provider] = key
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, provider string) error {
	m.mu.Lock()
	delete(m.keys, provider)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context) (map[string]Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Secret, len(m.keys))
	for p, k := range m.keys {
		out[p] = k
	}
	return out, nil
}

const (
	redisHash           = "cg:apikeys"
	defaultQueryTimeout = 500 * time.Millisecond
)

// RedisStore keeps keys in a single Redis hash (field = provider).
type RedisStore struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisStore wraps an existing client. The caller owns the client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, queryTimeout: defaultQueryTimeout}
}

func (r *RedisStore) Get(ctx context.Context, provider string) (Secret, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	v, err := r.client.HGet(ctx, redisHash, provider).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("keys: HGET %s: %w", provider, err)
	}
	return Secret(v), true, nil
}

func (r *RedisStore) Set(ctx context.Context, provider string, key Secret) error {
	if err := checkProvider(provider); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("keys: empty key for %s", provider)
	}

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	if err := r.client.HSet(ctx, redisHash, provider, key.Reveal()).Err(); err != nil {
		return fmt.Errorf("keys: HSET %s: %w", provider, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, provider string) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	if err := r.client.HDel(ctx, redisHash, provider).Err(); err != nil {
		return fmt.Errorf("keys: HDEL %s: %w", provider, err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context) (map[string]Secret, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	all, err := r.client.HGetAll(ctx, redisHash).Result()
	if err != nil {
		return nil, fmt.Errorf("keys: HGETALL: %w", err)
	}
	out := make(map[string]Secret, len(all))
	for p, k := range all {
		out[p] = Secret(k)
	}
	return out, nil
}
