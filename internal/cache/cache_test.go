package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore returns a store whose clock the test controls.
func newTestStore() (*Store, *time.Time) {
	now := time.Now()
	s := New()
	s.now = func() time.Time { return now }
	return s, &now
}

// ---------------------------------------------------------------------------
// Get / Set / TTL
// ---------------------------------------------------------------------------

func TestGetSet_RoundTrip(t *testing.T) {
	s, _ := newTestStore()

	_, ok := s.Get(CategoryJobs, "k")
	assert.False(t, ok)

	s.Set(CategoryJobs, "k", "v")
	v, ok := s.Get(CategoryJobs, "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestGet_ExpiredEntryIsAbsent(t *testing.T) {
	s, now := newTestStore()

	s.Set(CategoryJobs, "k", "v", time.Minute)

	*now = now.Add(59 * time.Second)
	_, ok := s.Get(CategoryJobs, "k")
	assert.True(t, ok, "entry should live until its TTL elapses")

	*now = now.Add(2 * time.Second)
	_, ok = s.Get(CategoryJobs, "k")
	assert.False(t, ok, "entry should be absent after its TTL")
}

func TestSet_OverwriteResetsExpiry(t *testing.T) {
	s, now := newTestStore()

	s.Set(CategoryJobs, "k", "old", time.Minute)
	*now = now.Add(50 * time.Second)
	s.Set(CategoryJobs, "k", "new", time.Minute)

	*now = now.Add(30 * time.Second)
	v, ok := s.Get(CategoryJobs, "k")
	require.True(t, ok)
	assert.Equal(t, "new", v)
}

func TestDefaultTTL_PerCategory(t *testing.T) {
	assert.Equal(t, 5*time.Minute, DefaultTTL(CategoryJobs))
	assert.Equal(t, 15*time.Minute, DefaultTTL(CategoryMetrics))
	assert.Equal(t, 10*time.Minute, DefaultTTL(CategoryUserConfig))
	assert.Equal(t, 2*time.Minute, DefaultTTL(CategoryAPIStatus))
	assert.Equal(t, 10*time.Minute, DefaultTTL(Category("unknown")))
}

// ---------------------------------------------------------------------------
// GetOrFetch single-flight
// ---------------------------------------------------------------------------

func TestGetOrFetch_SingleFlight(t *testing.T) {
	s, _ := newTestStore()

	var calls atomic.Int64
	gate := make(chan struct{})

	const k = 16
	results := make([]any, k)
	errs := make([]error, k)

	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.GetOrFetch(context.Background(), CategoryJobs, "shared", func(context.Context) (any, error) {
				calls.Add(1)
				<-gate
				return 42, nil
			})
		}(i)
	}

	// Let every caller queue up behind the in-flight fetch, then release.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "concurrent callers must collapse into one fetch")
	for i := 0; i < k; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 42, results[i])
	}
}

func TestGetOrFetch_ErrorPropagatesAndDoesNotPopulate(t *testing.T) {
	s, _ := newTestStore()
	boom := errors.New("backend down")

	_, err := s.GetOrFetch(context.Background(), CategoryJobs, "k", func(context.Context) (any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	_, ok := s.Get(CategoryJobs, "k")
	assert.False(t, ok, "failed fetch must not populate the cache")
}

func TestGetOrFetch_CachedValueSkipsFetch(t *testing.T) {
	s, _ := newTestStore()
	s.Set(CategoryJobs, "k", "cached")

	v, err := s.GetOrFetch(context.Background(), CategoryJobs, "k", func(context.Context) (any, error) {
		t.Fatal("fetch must not run on a cache hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "cached", v)
}

// ---------------------------------------------------------------------------
// Invalidation and sweep
// ---------------------------------------------------------------------------

func TestInvalidate_SingleKey(t *testing.T) {
	s, _ := newTestStore()
	s.Set(CategoryJobs, "a", 1)
	s.Set(CategoryJobs, "b", 2)

	s.Invalidate(CategoryJobs, "a")

	_, ok := s.Get(CategoryJobs, "a")
	assert.False(t, ok)
	_, ok = s.Get(CategoryJobs, "b")
	assert.True(t, ok)
}

func TestInvalidateCategory_LeavesOtherCategories(t *testing.T) {
	s, _ := newTestStore()
	s.Set(CategoryJobs, "a", 1)
	s.Set(CategoryMetrics, "a", 2)

	s.InvalidateCategory(CategoryJobs)

	_, ok := s.Get(CategoryJobs, "a")
	assert.False(t, ok)
	_, ok = s.Get(CategoryMetrics, "a")
	assert.True(t, ok)
}

func TestInvalidateByPattern(t *testing.T) {
	s, _ := newTestStore()
	s.Set(CategoryJobs, "user=1&page=1", 1)
	s.Set(CategoryJobs, "user=1&page=2", 2)
	s.Set(CategoryJobs, "user=2&page=1", 3)

	s.InvalidateByPattern(CategoryJobs, "user=1")

	_, ok := s.Get(CategoryJobs, "user=1&page=1")
	assert.False(t, ok)
	_, ok = s.Get(CategoryJobs, "user=1&page=2")
	assert.False(t, ok)
	_, ok = s.Get(CategoryJobs, "user=2&page=1")
	assert.True(t, ok)
}

func TestSweep_PurgesOnlyExpired(t *testing.T) {
	s, now := newTestStore()
	s.Set(CategoryJobs, "short", 1, time.Second)
	s.Set(CategoryJobs, "long", 2, time.Hour)

	*now = now.Add(2 * time.Second)
	purged := s.Sweep()

	assert.Equal(t, 1, purged)
	_, ok := s.Get(CategoryJobs, "long")
	assert.True(t, ok)
}

// ---------------------------------------------------------------------------
// Stats and key derivation
// ---------------------------------------------------------------------------

func TestCategoryStats_CountsHitsMissesKeys(t *testing.T) {
	s, _ := newTestStore()

	s.Get(CategoryJobs, "missing")
	s.Set(CategoryJobs, "k", "v")
	s.Get(CategoryJobs, "k")
	s.Get(CategoryJobs, "k")

	st := s.CategoryStats(CategoryJobs)
	assert.Equal(t, int64(2), st.HitCount)
	assert.Equal(t, int64(1), st.MissCount)
	assert.Equal(t, 1, st.KeyCount)
}

func TestKey_OrderIndependent(t *testing.T) {
	a := Key(map[string]string{"status": "pending", "page": "2", "user": "u1"})
	b := Key(map[string]string{"user": "u1", "page": "2", "status": "pending"})
	assert.Equal(t, a, b)
	assert.Equal(t, "page=2&status=pending&user=u1", a)
}

func TestKey_SkipsEmptyValues(t *testing.T) {
	assert.Equal(t, "user=u1", Key(map[string]string{"user": "u1", "search": ""}))
}
