package settings

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/ViljarVoidula/graphql-gateway/internal/domain"
)

// unreachableClient returns a client pointed at a dead address, so every
// store operation fails.
func unreachableClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:                  "127.0.0.1:1",
		DialTimeout:           50 * time.Millisecond,
		ContextTimeoutEnabled: true,
	})
	t.Cleanup(func() { client.Close() })
	return client
}

func (s *Store) waitForRefresh(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		busy := s.trackingRefresh || s.retentionRefresh
		s.mu.Unlock()
		if !busy {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("background refresh never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testDefaults() Defaults {
	return Defaults{
		Tracking: domain.TrackingSettings{
			Enabled:         true,
			BaseSampleRate:  0.01,
			ErrorSampleRate: 1.0,
			SlowThresholdMS: 2000,
		},
		Retention: domain.RetentionPolicy{Days: 30},
	}
}

func TestStoreServesDefaultsWithoutClient(t *testing.T) {
	store := New(nil, testDefaults(), time.Second, nil)

	ts := store.Tracking(context.Background())
	if !ts.Enabled || ts.BaseSampleRate != 0.01 {
		t.Fatalf("expected compiled tracking defaults, got %+v", ts)
	}
	rp := store.Retention(context.Background())
	if rp.Days != 30 {
		t.Fatalf("expected compiled retention defaults, got %+v", rp)
	}
}

func TestStoreSetUpdatesCacheWithoutClient(t *testing.T) {
	store := New(nil, testDefaults(), time.Second, nil)

	next := testDefaults().Tracking
	next.BaseSampleRate = 0.05
	if err := store.SetTracking(context.Background(), next); err != nil {
		t.Fatalf("SetTracking: %v", err)
	}
	if got := store.Tracking(context.Background()).BaseSampleRate; got != 0.05 {
		t.Fatalf("expected updated rate served from cache, got %v", got)
	}

	policy := domain.RetentionPolicy{Days: 7, ArchiveEnabled: true}
	if err := store.SetRetention(context.Background(), policy); err != nil {
		t.Fatalf("SetRetention: %v", err)
	}
	if got := store.Retention(context.Background()); got.Days != 7 || !got.ArchiveEnabled {
		t.Fatalf("expected updated policy served from cache, got %+v", got)
	}
}

func TestTrackingServesCachedValueWhenStoreUnreachable(t *testing.T) {
	store := New(unreachableClient(t), testDefaults(), time.Second, nil)

	cached := testDefaults().Tracking
	cached.BaseSampleRate = 0.42
	store.mu.Lock()
	store.tracking = cached
	store.trackingAt = time.Now().Add(-time.Hour)
	store.mu.Unlock()

	start := time.Now()
	got := store.Tracking(context.Background())
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("read blocked %v with the store unreachable", elapsed)
	}
	if got.BaseSampleRate != 0.42 {
		t.Fatalf("expected last cached value served immediately, got %+v", got)
	}

	// The failed background refresh must not clobber the cache with
	// compiled defaults.
	store.waitForRefresh(t)
	if got := store.Tracking(context.Background()); got.BaseSampleRate != 0.42 {
		t.Fatalf("expected cached value to survive a failed refresh, got %+v", got)
	}
}

func TestRetentionServesCachedValueWhenStoreUnreachable(t *testing.T) {
	store := New(unreachableClient(t), testDefaults(), time.Second, nil)

	store.mu.Lock()
	store.retention = domain.RetentionPolicy{Days: 7, ArchiveEnabled: true}
	store.retentionAt = time.Now().Add(-time.Hour)
	store.mu.Unlock()

	got := store.Retention(context.Background())
	if got.Days != 7 || !got.ArchiveEnabled {
		t.Fatalf("expected last cached policy served immediately, got %+v", got)
	}
	store.waitForRefresh(t)
	if got := store.Retention(context.Background()); got.Days != 7 {
		t.Fatalf("expected cached policy to survive a failed refresh, got %+v", got)
	}
}

func TestStoreCacheTTLFloor(t *testing.T) {
	store := New(nil, testDefaults(), 0, nil)
	if store.ttl != 30*time.Second {
		t.Fatalf("expected TTL floor of 30s, got %v", store.ttl)
	}
}
