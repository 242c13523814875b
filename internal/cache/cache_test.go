package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, tenantID, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, tenantID, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, tenantID, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, tenantID, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "expiring", []byte("temp"), 10*time.Millisecond)

		// Should be available immediately
		val, _ := cache.Get(ctx, tenantID, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		// Wait for expiration
		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, tenantID, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, tenantID, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, tenantID, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, tenantID, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, tenantID, "d", []byte("4"), time.Minute)

		// 'b' should be evicted
		val, _ := smallCache.Get(ctx, tenantID, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		// 'a' should still be there
		val, _ = smallCache.Get(ctx, tenantID, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		tenant1 := "tenant-001"
		tenant2 := "tenant-002"

		_ = cache.Set(ctx, tenant1, "shared-key", []byte("tenant1-value"), time.Minute)
		_ = cache.Set(ctx, tenant2, "shared-key", []byte("tenant2-value"), time.Minute)

		val1, _ := cache.Get(ctx, tenant1, "shared-key")
		val2, _ := cache.Get(ctx, tenant2, "shared-key")

		if string(val1) != "tenant1-value" {
			t.Errorf("expected 'tenant1-value', got '%s'", string(val1))
		}
		if string(val2) != "tenant2-value" {
			t.Errorf("expected 'tenant2-value', got '%s'", string(val2))
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		err := cache.Set(ctx, "", "key", []byte("value"), time.Minute)
		if err == nil {
			t.Error("expected error for empty tenantID")
		}

		_, err = cache.Get(ctx, "", "key")
		if err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("ReportCache", func(t *testing.T) {
		report := &domain.Report{
			AnalysisID: "analysis-001",
			TenantID:   tenantID,
			Nodes: []domain.NodeEntry{
				{ID: "U1", Label: "U1", RiskScore: 85, RingID: "RING_001"},
			},
			FraudRings: []domain.FraudRing{
				{RingID: "RING_001", MemberAccounts: []string{"U1", "U2"}, PatternType: domain.PatternCycle, RiskScore: 91},
			},
			Summary: domain.Summary{TotalAccountsAnalyzed: 2, FraudRingsDetected: 1},
		}

		err := cache.SetReport(ctx, tenantID, report, time.Minute)
		if err != nil {
			t.Fatalf("SetReport failed: %v", err)
		}

		retrieved, err := cache.GetReport(ctx, tenantID, "analysis-001")
		if err != nil {
			t.Fatalf("GetReport failed: %v", err)
		}
		if retrieved == nil {
			t.Fatal("expected cached report")
		}
		if retrieved.Summary.FraudRingsDetected != 1 {
			t.Errorf("expected 1 ring, got %d", retrieved.Summary.FraudRingsDetected)
		}
		if len(retrieved.FraudRings) != 1 || retrieved.FraudRings[0].MemberAccounts[1] != "U2" {
			t.Errorf("ring not round-tripped: %+v", retrieved.FraudRings)
		}

		// Other tenants cannot see it.
		other, err := cache.GetReport(ctx, "tenant-002", "analysis-001")
		if err != nil || other != nil {
			t.Errorf("expected miss for other tenant, got %v, %v", other, err)
		}
	})

	t.Run("ReportCacheMiss", func(t *testing.T) {
		r, err := cache.GetReport(ctx, tenantID, "unknown")
		if err != nil || r != nil {
			t.Errorf("expected nil, nil for unknown analysis, got %v, %v", r, err)
		}
	})

	t.Run("ReportRequiresID", func(t *testing.T) {
		if err := cache.SetReport(ctx, tenantID, &domain.Report{}, time.Minute); err == nil {
			t.Error("expected error for report without analysis id")
		}
	})

	t.Run("CorruptReport", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "report:corrupt", []byte("{not json"), time.Minute)
		if _, err := cache.GetReport(ctx, tenantID, "corrupt"); err == nil {
			t.Error("expected decode error")
		}
	})

	t.Run("HitRatio", func(t *testing.T) {
		c := NewLRUCache(10)
		_ = c.Set(ctx, tenantID, "k", []byte("v"), time.Minute)
		_, _ = c.Get(ctx, tenantID, "k")
		_, _ = c.Get(ctx, tenantID, "missing")

		hits, misses := c.HitRatio()
		if hits != 1 || misses != 1 {
			t.Errorf("expected 1 hit and 1 miss, got %d/%d", hits, misses)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, tenantID, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, tenantID, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, tenantID, "k", []byte("v"), time.Minute)

		err := testCache.Close()
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}

		// Cache should be empty after close
		val, _ := testCache.Get(ctx, tenantID, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		_, ok := cache.(*LRUCache)
		if !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestLRUCacheByteBound(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(100, WithMaxBytes(10))

	_ = c.Set(ctx, "t", "a", []byte("aaaa"), time.Minute)
	_ = c.Set(ctx, "t", "b", []byte("bbbb"), time.Minute)
	if got := c.Bytes(); got != 8 {
		t.Fatalf("expected 8 bytes, got %d", got)
	}

	// Third value pushes the total past the bound; 'a' goes.
	_ = c.Set(ctx, "t", "c", []byte("cccc"), time.Minute)
	if val, _ := c.Get(ctx, "t", "a"); val != nil {
		t.Error("expected 'a' to be evicted by the byte bound")
	}
	if got := c.Bytes(); got != 8 {
		t.Errorf("expected 8 bytes after eviction, got %d", got)
	}

	// Overwriting an entry replaces its size.
	_ = c.Set(ctx, "t", "b", []byte("b"), time.Minute)
	if got := c.Bytes(); got != 5 {
		t.Errorf("expected 5 bytes after overwrite, got %d", got)
	}

	// Oversized values are not cached and drop the stale value.
	_ = c.Set(ctx, "t", "c", []byte("this is far too large"), time.Minute)
	if val, _ := c.Get(ctx, "t", "c"); val != nil {
		t.Error("expected oversized value to be skipped")
	}
	if got := c.Bytes(); got != 1 {
		t.Errorf("expected 1 byte left, got %d", got)
	}
}
