package usage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the log in process memory. Entries are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Record(_ context.Context, e Entry) error {
	e = e.normalize()
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Stats(_ context.Context, f Filter) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		st      Stats
		latency time.Duration
		byModel = map[[2]string]*Group{}
		byUser  = map[string]*Group{}
		byDay   = map[string]*Group{}
	)

	add := func(g *Group, e Entry) {
		g.Requests++
		g.Tokens += int64(e.TokensIn + e.TokensOut)
		g.Cost += e.Cost
	}

	for _, e := range m.entries {
		if !f.Match(e) {
			continue
		}
		st.Requests++
		switch e.Status {
		case StatusSuccess:
			st.Successes++
		case StatusError:
			st.Errors++
		}
		if e.Cached {
			st.CacheHits++
		}
		st.TokensIn += int64(e.TokensIn)
		st.TokensOut += int64(e.TokensOut)
		st.Cost += e.Cost
		latency += e.Latency

		mk := [2]string{e.Provider, e.Model}
		if byModel[mk] == nil {
			byModel[mk] = &Group{Key: e.Model, Provider: e.Provider}
		}
		add(byModel[mk], e)

		if byUser[e.UserID] == nil {
			byUser[e.UserID] = &Group{Key: e.UserID}
		}
		add(byUser[e.UserID], e)

		day := e.CreatedAt.UTC().Format(time.DateOnly)
		if byDay[day] == nil {
			byDay[day] = &Group{Key: day}
		}
		add(byDay[day], e)
	}

	if st.Requests > 0 {
		st.AvgLatency = latency / time.Duration(st.Requests)
	}

	st.ByModel = flatten(byModel)
	st.ByUser = flatten(byUser)
	st.ByDay = flatten(byDay)
	sortGroups(st.ByModel)
	sortGroups(st.ByUser)
	sort.Slice(st.ByDay, func(i, j int) bool { return st.ByDay[i].Key < st.ByDay[j].Key })

	return st, nil
}

func flatten[K comparable](m map[K]*Group) []Group {
	out := make([]Group, 0, len(m))
	for _, g := range m {
		out = append(out, *g)
	}
	return out
}

func (m *MemoryStore) DailyRequests(_ context.Context, userID string, now time.Time) (int64, error) {
	f := dayFilter(userID, now)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, e := range m.entries {
		if f.Match(e) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) MonthlyCost(_ context.Context, now time.Time) (float64, error) {
	f := monthFilter(now)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum float64
	for _, e := range m.entries {
		if f.Match(e) {
			sum += e.Cost
		}
	}
	return sum, nil
}

func (m *MemoryStore) Prune(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	var removed int64
	for _, e := range m.entries {
		if e.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	clear(m.entries[len(kept):])
	m.entries = kept
	return removed, nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore) Close() error { return nil }
