package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testBundle() PolicyBundle {
	expires := time.Now().Add(24 * time.Hour)
	return PolicyBundle{
		Policies:    "permit(principal, action, resource);",
		Version:     1,
		ExpiresAt:   &expires,
		Signature:   make([]byte, 64),
		SignerKeyID: "test-key",
	}
}

func TestCacheStoreAndLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "policies")
	cache := NewCache(dir, CachedIndefinite)

	bundle := testBundle()
	if err := cache.Store(bundle); err != nil {
		t.Fatalf("Store: %v", err)
	}

	loaded, err := cache.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected loaded bundle, got nil")
	}
	if loaded.Version != 1 || loaded.Policies != bundle.Policies {
		t.Fatalf("loaded mismatch: %+v", loaded)
	}
}

func TestCacheLoadEmptyCache(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "policies")
	cache := NewCache(dir, CachedIndefinite)

	loaded, err := cache.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != nil {
		t.Fatal("expected nil bundle from empty cache")
	}
}

func TestCacheCachedVersion(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "policies")
	cache := NewCache(dir, CachedIndefinite)

	v, err := cache.CachedVersion()
	if err != nil {
		t.Fatalf("CachedVersion: %v", err)
	}
	if v != nil {
		t.Fatal("expected nil version before store")
	}

	if err := cache.Store(testBundle()); err != nil {
		t.Fatalf("Store: %v", err)
	}
	v, err = cache.CachedVersion()
	if err != nil {
		t.Fatalf("CachedVersion: %v", err)
	}
	if v == nil || *v != 1 {
		t.Fatalf("CachedVersion = %v, want 1", v)
	}
}

func TestCacheExpiryFailsLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "policies")
	cache := NewCache(dir, CachedWithExpiry(0))

	if err := cache.Store(testBundle()); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := cache.Load(); err == nil {
		t.Fatal("expected load failure for immediately-expired cache")
	}
}

func TestCacheIndefiniteNeverExpires(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "policies")
	cache := NewCache(dir, CachedIndefinite)

	if err := cache.Store(testBundle()); err != nil {
		t.Fatalf("Store: %v", err)
	}
	loaded, err := cache.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected stale-but-served bundle under CachedIndefinite")
	}
}

func TestCacheDefaultPolicyNeverExpires(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "policies")
	cache := NewCache(dir, DefaultPolicy)

	if err := cache.Store(testBundle()); err != nil {
		t.Fatalf("Store: %v", err)
	}
	// DefaultPolicy's IsExpired always returns false, so nothing ever
	// triggers the fallback branch through normal aging; this exercises
	// that the mode never errors on load regardless of cache age.
	loaded, err := cache.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected loaded bundle under DefaultPolicy mode")
	}
}

func TestCacheClear(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "policies")
	cache := NewCache(dir, CachedIndefinite)

	if err := cache.Store(testBundle()); err != nil {
		t.Fatalf("Store: %v", err)
	}
	loaded, err := cache.Load()
	if err != nil || loaded == nil {
		t.Fatalf("Load before clear: %v, %v", loaded, err)
	}

	if err := cache.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	loaded, err = cache.Load()
	if err != nil {
		t.Fatalf("Load after clear: %v", err)
	}
	if loaded != nil {
		t.Fatal("expected nil bundle after clear")
	}
}

func TestCacheIntegrityCheckCatchesTampering(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "policies")
	cache := NewCache(dir, CachedIndefinite)

	if err := cache.Store(testBundle()); err != nil {
		t.Fatalf("Store: %v", err)
	}

	bundlePath := filepath.Join(dir, "bundle.json")
	raw, err := os.ReadFile(bundlePath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	m["policies"] = "tampered policy"
	tampered, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(bundlePath, tampered, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := cache.Load(); err == nil {
		t.Fatal("expected hash mismatch error after tampering")
	}
}

func TestOfflineModeFromConfig(t *testing.T) {
	if OfflineModeFromConfig("fail_closed", 0).mode() != "fail_closed" {
		t.Fatal("fail_closed mismatch")
	}
	m := OfflineModeFromConfig("cached_with_expiry", 48*time.Hour)
	if m.mode() != "cached_with_expiry" {
		t.Fatal("cached_with_expiry mismatch")
	}
	if OfflineModeFromConfig("cached_indefinite", 0).mode() != "cached_indefinite" {
		t.Fatal("cached_indefinite mismatch")
	}
	if OfflineModeFromConfig("default_policy", 0).mode() != "default_policy" {
		t.Fatal("default_policy mismatch")
	}
	if OfflineModeFromConfig("unknown", 24*time.Hour).mode() != "cached_with_expiry" {
		t.Fatal("unknown mode should fall back to cached_with_expiry")
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	h1 := computeHash("hello world")
	h2 := computeHash("hello world")
	if h1 != h2 {
		t.Fatal("computeHash not deterministic")
	}
	h3 := computeHash("different content")
	if h1 == h3 {
		t.Fatal("computeHash collided on different content")
	}
}
