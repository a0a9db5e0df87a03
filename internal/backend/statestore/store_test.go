package statestore

import (
	"context"
	"testing"
	"time"
)

func TestJSONStorePutGetDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONStore(dir)
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	state := SandboxState{
		Name:      "sandbox-a",
		Kind:      "docker",
		Image:     "alpine:3.20",
		VCPUs:     2,
		MemoryMB:  512,
		CreatedAt: time.Now().Truncate(time.Second),
	}

	if err := store.Put(ctx, state); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, "sandbox-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != state.Name || got.Image != state.Image || got.VCPUs != state.VCPUs {
		t.Fatalf("Get returned %+v, want %+v", got, state)
	}

	if err := store.Delete(ctx, "sandbox-a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "sandbox-a"); err != ErrNotFound {
		t.Fatalf("Get after delete: got %v, want ErrNotFound", err)
	}
}

func TestJSONStoreList(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONStore(dir)
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	names := []string{"a", "b", "c"}
	for _, n := range names {
		if err := store.Put(ctx, SandboxState{Name: n, Kind: "docker", CreatedAt: time.Now()}); err != nil {
			t.Fatalf("Put %s: %v", n, err)
		}
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != len(names) {
		t.Fatalf("List returned %d entries, want %d", len(list), len(names))
	}
}

func TestJSONStoreGetMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONStore(dir)
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	defer store.Close()

	if _, err := store.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("Get missing: got %v, want ErrNotFound", err)
	}
}
