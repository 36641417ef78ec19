package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKey            = "cg:settings"
	defaultQueryTimeout = 500 * time.Millisecond
)

// RedisStore keeps the settings record as a single JSON value in Redis so
// every replica sees the same record.
type RedisStore struct {
	client       *redis.Client
	defaults     Settings
	queryTimeout time.Duration
}

// NewRedisStore wraps an existing client. The caller owns the client.
func NewRedisStore(client *redis.Client, defaults Settings) *RedisStore {
	return &RedisStore{client: client, defaults: defaults, queryTimeout: defaultQueryTimeout}
}

// Init writes the defaults when no record exists yet.
func (r *RedisStore) Init(ctx context.Context) error {
	data, err := json.Marshal(r.defaults)
	if err != nil {
		return fmt.Errorf("settings: marshal defaults: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	if err := r.client.SetNX(ctx, redisKey, data, 0).Err(); err != nil {
		return fmt.Errorf("settings: init: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context) (Settings, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	data, err := r.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return r.defaults, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("settings: GET: %w", err)
	}

	// Fields added after the record was written keep their defaults.
	s := r.defaults
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("settings: decode: %w", err)
	}
	return s, nil
}

func (r *RedisStore) Update(ctx context.Context, s Settings) (Settings, error) {
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}

	data, err := json.Marshal(s)
	if err != nil {
		return Settings{}, fmt.Errorf("settings: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	if err := r.client.Set(ctx, redisKey, data, 0).Err(); err != nil {
		return Settings{}, fmt.Errorf("settings: SET: %w", err)
	}
	return s, nil
}

func (r *RedisStore) Reset(ctx context.Context) (Settings, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	if err := r.client.Del(ctx, redisKey).Err(); err != nil {
		return Settings{}, fmt.Errorf("settings: DEL: %w", err)
	}
	return r.defaults, nil
}
