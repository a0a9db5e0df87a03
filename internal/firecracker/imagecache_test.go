package firecracker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestImageCacheServesLocalFileWithoutBucket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "base.ext4")
	if err := os.WriteFile(path, []byte("rootfs"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cache, err := NewImageCache(context.Background(), "")
	if err != nil {
		t.Fatalf("NewImageCache: %v", err)
	}

	got, err := cache.EnsureLocal(context.Background(), dir, "base.ext4")
	if err != nil {
		t.Fatalf("EnsureLocal: %v", err)
	}
	if got != path {
		t.Errorf("expected %s, got %s", path, got)
	}
}

func TestImageCacheMissingFileNoBucketErrors(t *testing.T) {
	dir := t.TempDir()

	cache, err := NewImageCache(context.Background(), "")
	if err != nil {
		t.Fatalf("NewImageCache: %v", err)
	}

	_, err = cache.EnsureLocal(context.Background(), dir, "missing.ext4")
	if err == nil {
		t.Fatal("expected error for missing artifact with no bucket configured")
	}
}
