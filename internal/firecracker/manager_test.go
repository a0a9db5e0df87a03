package firecracker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveFirecrackerBinExplicitPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "firecracker")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}

	got, err := resolveFirecrackerBin(bin)
	if err != nil {
		t.Fatalf("resolveFirecrackerBin: %v", err)
	}
	if got != bin {
		t.Fatalf("got %q want %q", got, bin)
	}
}

func TestResolveFirecrackerBinNotFound(t *testing.T) {
	old := os.Getenv("FIRECRACKER_BIN")
	os.Unsetenv("FIRECRACKER_BIN")
	defer os.Setenv("FIRECRACKER_BIN", old)

	oldPath := os.Getenv("PATH")
	os.Setenv("PATH", "")
	defer os.Setenv("PATH", oldPath)

	if _, err := resolveFirecrackerBin(""); err == nil {
		t.Fatalf("expected error when binary cannot be located")
	}
}

func TestAllocateCIDIsAboveMinimum(t *testing.T) {
	for i := 0; i < 100; i++ {
		cid := allocateCID()
		if cid < minGuestCID {
			t.Fatalf("cid %d below minimum %d", cid, minGuestCID)
		}
		if cid < cidCollisionBase {
			t.Fatalf("cid %d below collision-avoidance base %d", cid, cidCollisionBase)
		}
	}
}

func TestBootArgsTemplateContainsRequiredFlags(t *testing.T) {
	required := []string{"console=ttyS0", "reboot=k", "panic=1", "pci=off", "root=/dev/vda", "rw", "init=/init"}
	for _, flag := range required {
		if !strings.Contains(bootArgsTemplate, flag) {
			t.Fatalf("boot args missing required flag %q: %s", flag, bootArgsTemplate)
		}
	}
}
