// Package cache stores generated completions keyed by request fingerprint.
//
// Two backends are available:
//   - ExactCache  - Redis-backed, shared by every replica.
//   - MemoryCache - in-process, for single-instance deployments and tests.
//
// Expiry is logical: Get treats an entry older than its TTL as absent even
// if it is still physically stored. Physical removal happens later, through
// the memory sweep loop or Redis key expiry.
package cache

import (
	"context"
	"time"
)

// Response is the cached payload of one completion.
type Response struct {
	Text      string `json:"text"`
	TokensIn  int    `json:"tokens_in"`
	TokensOut int    `json:"tokens_out"`
	Model     string `json:"model"`
}

// size approximates the stored footprint of r in bytes.
func (r Response) size() int64 {
	return int64(len(r.Text) + len(r.Model) + 16)
}

// Entry is a stored Response plus its bookkeeping.
type Entry struct {
	Response
	CreatedAt time.Time
	TTL       time.Duration
	HitCount  int64
}

// Expired reports whether the entry is logically gone at now.
func (e Entry) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// Stats summarises the cache contents and lookup counters.
type Stats struct {
	Total     int     `json:"total"`
	Expired   int     `json:"expired"`
	SizeBytes int64   `json:"size_bytes"`
	Hits      int64   `json:"hits"`
	Lookups   int64   `json:"lookups"`
	HitRatio  float64 `json:"hit_ratio"`
}

func (s *Stats) computeRatio() {
	if s.Lookups > 0 {
		s.HitRatio = float64(s.Hits) / float64(s.Lookups)
	}
}

// Cache is implemented by every backend.
type Cache interface {
	// Get returns the live entry for fp and increments its hit count.
	Get(ctx context.Context, fp string) (*Entry, bool, error)
	// Put stores resp under fp, replacing any previous entry and resetting
	// its hit count.
	Put(ctx context.Context, fp string, resp Response, ttl time.Duration) error
	// Clear removes every entry and returns how many were removed.
	Clear(ctx context.Context) (int, error)
	// Stats reports entry counts, size and hit ratio.
	Stats(ctx context.Context) (Stats, error)
}
