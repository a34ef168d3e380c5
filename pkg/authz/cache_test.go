package authz

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func setupTestCache(t *testing.T) (*SnapshotCache, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewSnapshotCache(client, 5*time.Minute)
	t.Cleanup(func() { cache.Close() })

	return cache, mr
}

func TestSnapshotCache_RoundTrip(t *testing.T) {
	cache, _ := setupTestCache(t)
	ctx := context.Background()

	// Miss before set
	got, err := cache.Get(ctx, "alice", strPtr("acme"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Fatal("expected miss before set")
	}

	snap := &Snapshot{
		ActorID:     "alice",
		TenantID:    strPtr("acme"),
		Roles:       []string{"manager"},
		Permissions: []Permission{"contract:update:own"},
		ComputedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := cache.Set(ctx, snap); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err = cache.Get(ctx, "alice", strPtr("acme"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected hit after set")
	}
	if got.ActorID != "alice" || len(got.Permissions) != 1 {
		t.Errorf("unexpected snapshot %+v", got)
	}

	// Different tenant is a different key
	got, err = cache.Get(ctx, "alice", strPtr("other"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("snapshot leaked across tenants")
	}
}

func TestSnapshotCache_TTL(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()

	snap := &Snapshot{ActorID: "alice", TenantID: strPtr("acme"), ComputedAt: time.Now()}
	if err := cache.Set(ctx, snap); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	mr.FastForward(6 * time.Minute)

	got, err := cache.Get(ctx, "alice", strPtr("acme"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("entry should have expired")
	}
}

func TestSnapshotCache_Invalidate(t *testing.T) {
	cache, _ := setupTestCache(t)
	ctx := context.Background()

	snap := &Snapshot{ActorID: "alice", TenantID: nil, ComputedAt: time.Now()}
	if err := cache.Set(ctx, snap); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := cache.Invalidate(ctx, "alice", nil); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	got, err := cache.Get(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("entry should be gone after invalidate")
	}
}

func TestSnapshotCache_CorruptEntry(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()

	key := snapshotKey("alice", strPtr("acme"))
	mr.Set(key, "{not json")

	if _, err := cache.Get(ctx, "alice", strPtr("acme")); err == nil {
		t.Fatal("expected error for corrupt entry")
	}

	// The corrupt entry is dropped so the next refresh can repopulate
	if mr.Exists(key) {
		t.Error("corrupt entry should have been deleted")
	}
}
