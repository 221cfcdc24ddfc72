// Package cache provides an in-process TTL cache with per-category
// namespaces and single-flight de-duplication of concurrent fetches.
//
// The store is constructed once at process start and injected wherever reads
// should be shielded from the database; it keeps no package-level state.
package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Category namespaces cache entries; each carries its own default TTL
// matched to the volatility of the data it holds.
type Category string

const (
	CategoryJobs       Category = "batchJobs"
	CategoryMetrics    Category = "metrics"
	CategoryUserConfig Category = "userConfig"
	CategoryAPIStatus  Category = "apiStatus"
	CategoryGeneral    Category = "general"
)

var defaultTTLs = map[Category]time.Duration{
	CategoryJobs:       5 * time.Minute,
	CategoryMetrics:    15 * time.Minute,
	CategoryUserConfig: 10 * time.Minute,
	CategoryAPIStatus:  2 * time.Minute,
	CategoryGeneral:    10 * time.Minute,
}

// DefaultTTL returns the TTL used for a category when no override is given.
func DefaultTTL(cat Category) time.Duration {
	if ttl, ok := defaultTTLs[cat]; ok {
		return ttl
	}
	return defaultTTLs[CategoryGeneral]
}

type entry struct {
	value     any
	expiresAt time.Time
}

type categoryStats struct {
	hits   int64
	misses int64
}

// Store is a per-category key/value cache with TTL expiry. Expired entries
// are logically absent on read and physically removed by Sweep.
type Store struct {
	mu      sync.RWMutex
	entries map[Category]map[string]entry
	stats   map[Category]*categoryStats

	flight singleflight.Group
	now    func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		entries: make(map[Category]map[string]entry),
		stats:   make(map[Category]*categoryStats),
		now:     time.Now,
	}
}

func (s *Store) statsFor(cat Category) *categoryStats {
	cs, ok := s.stats[cat]
	if !ok {
		cs = &categoryStats{}
		s.stats[cat] = cs
	}
	return cs
}

// Get returns the cached value for (cat, key), or ok=false on miss or expiry.
func (s *Store) Get(cat Category, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.statsFor(cat)
	e, ok := s.entries[cat][key]
	if !ok || s.now().After(e.expiresAt) {
		cs.misses++
		return nil, false
	}
	cs.hits++
	return e.value, true
}

// Set stores value under (cat, key), overwriting any previous entry and
// resetting its expiry. An optional ttl overrides the category default.
func (s *Store) Set(cat Category, key string, value any, ttl ...time.Duration) {
	d := DefaultTTL(cat)
	if len(ttl) > 0 && ttl[0] > 0 {
		d = ttl[0]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[cat] == nil {
		s.entries[cat] = make(map[string]entry)
	}
	s.entries[cat][key] = entry{value: value, expiresAt: s.now().Add(d)}
}

// GetOrFetch returns the cached value or invokes fetch to produce it.
// Concurrent callers for the same (cat, key) collapse into one fetch and all
// receive its result. A failed fetch propagates to every waiter and leaves
// the cache unpopulated.
func (s *Store) GetOrFetch(ctx context.Context, cat Category, key string, fetch func(ctx context.Context) (any, error), ttl ...time.Duration) (any, error) {
	if v, ok := s.Get(cat, key); ok {
		return v, nil
	}

	v, err, _ := s.flight.Do(string(cat)+"\x00"+key, func() (any, error) {
		// Another waiter may have populated the cache while we queued.
		if v, ok := s.Get(cat, key); ok {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		s.Set(cat, key, v, ttl...)
		return v, nil
	})
	return v, err
}

// Invalidate removes a single entry immediately.
func (s *Store) Invalidate(cat Category, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries[cat], key)
}

// InvalidateCategory drops every entry in a category. Mutating routes call
// this so stale list/stat reads are never served after a write.
func (s *Store) InvalidateCategory(cat Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, cat)
}

// InvalidateByPattern removes every entry in cat whose key contains substr.
func (s *Store) InvalidateByPattern(cat Category, substr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries[cat] {
		if strings.Contains(key, substr) {
			delete(s.entries[cat], key)
		}
	}
}

// Stats reports hit/miss/key counts for one category.
type Stats struct {
	Category  Category `json:"category"`
	HitCount  int64    `json:"hit_count"`
	MissCount int64    `json:"miss_count"`
	KeyCount  int      `json:"key_count"`
}

// CategoryStats returns observability counters for cat. Expired-but-unswept
// keys are excluded from KeyCount.
func (s *Store) CategoryStats(cat Category) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Category: cat}
	if cs, ok := s.stats[cat]; ok {
		st.HitCount = cs.hits
		st.MissCount = cs.misses
	}
	now := s.now()
	for _, e := range s.entries[cat] {
		if !now.After(e.expiresAt) {
			st.KeyCount++
		}
	}
	return st
}

// AllStats returns counters for every category that has seen traffic.
func (s *Store) AllStats() []Stats {
	s.mu.RLock()
	cats := make([]Category, 0, len(s.stats))
	for cat := range s.stats {
		cats = append(cats, cat)
	}
	s.mu.RUnlock()

	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	out := make([]Stats, 0, len(cats))
	for _, cat := range cats {
		out = append(out, s.CategoryStats(cat))
	}
	return out
}

// Sweep physically removes expired entries and returns how many were purged.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	purged := 0
	for cat, keys := range s.entries {
		for key, e := range keys {
			if now.After(e.expiresAt) {
				delete(keys, key)
				purged++
			}
		}
		if len(keys) == 0 {
			delete(s.entries, cat)
		}
	}
	return purged
}

// Key builds an order-independent composite key from query parameters, so
// the same filter set always hits the same entry regardless of argument
// order.
func Key(parts map[string]string) string {
	names := make([]string, 0, len(parts))
	for name, val := range parts {
		if val == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(parts[name])
	}
	return b.String()
}
