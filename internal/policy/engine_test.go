package policy

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testEngineConfig(t *testing.T) EngineConfig {
	t.Helper()
	dir := t.TempDir()
	return EngineConfig{
		CacheDir:    filepath.Join(dir, "cache"),
		AuditDir:    filepath.Join(dir, "audit"),
		OfflineMode: "default_policy",
	}
}

func TestNewPolicyEngineUsesDefaultPolicyWithEmptyCache(t *testing.T) {
	engine, err := NewPolicyEngine(testEngineConfig(t))
	if err != nil {
		t.Fatalf("NewPolicyEngine: %v", err)
	}
	defer engine.Shutdown()

	if engine.Version() != 0 {
		t.Fatalf("expected version 0 with no cached bundle, got %d", engine.Version())
	}

	decision := engine.Evaluate(testEnginePrincipal(), ActionRun, testEngineResource())
	if !decision.Permit {
		t.Fatalf("default policy should permit an authenticated user, got %+v", decision)
	}
}

func TestPolicyEngineEvaluateWritesAuditRecord(t *testing.T) {
	cfg := testEngineConfig(t)
	engine, err := NewPolicyEngine(cfg)
	if err != nil {
		t.Fatalf("NewPolicyEngine: %v", err)
	}
	defer engine.Shutdown()

	engine.Evaluate(testEnginePrincipal(), ActionRun, testEngineResource())
	engine.Shutdown()

	f, err := os.Open(filepath.Join(cfg.AuditDir, "decisions.jsonl"))
	if err != nil {
		t.Fatalf("open audit journal: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		var e AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("audit line did not parse: %v", err)
		}
		if e.Outcome != OutcomePermit {
			t.Fatalf("expected permit outcome, got %q", e.Outcome)
		}
		lines++
	}
	if lines != 1 {
		t.Fatalf("expected 1 audit line, got %d", lines)
	}
}

func TestPolicyEngineStartFetchesAndAppliesBundle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bundle := PolicyBundle{
			Policies: `forbid(principal, action == AgentKernel::Action::"Run", resource);`,
			Version:  7,
		}
		_ = json.NewEncoder(w).Encode(bundle)
	}))
	defer srv.Close()

	cfg := testEngineConfig(t)
	cfg.Client = NewClient(srv.URL, "")
	cfg.PollInterval = time.Hour

	engine, err := NewPolicyEngine(cfg)
	if err != nil {
		t.Fatalf("NewPolicyEngine: %v", err)
	}
	defer engine.Shutdown()

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if engine.Version() != 7 {
		t.Fatalf("expected fetched bundle version 7, got %d", engine.Version())
	}

	decision := engine.Evaluate(testEnginePrincipal(), ActionRun, testEngineResource())
	if decision.Permit {
		t.Fatal("expected fetched forbid policy to deny Run")
	}
}

func TestPolicyEngineReloadForcesRefetch(t *testing.T) {
	version := uint64(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bundle := PolicyBundle{Policies: "permit(principal, action, resource);", Version: version}
		_ = json.NewEncoder(w).Encode(bundle)
	}))
	defer srv.Close()

	cfg := testEngineConfig(t)
	cfg.Client = NewClient(srv.URL, "")
	cfg.PollInterval = time.Hour

	engine, err := NewPolicyEngine(cfg)
	if err != nil {
		t.Fatalf("NewPolicyEngine: %v", err)
	}
	defer engine.Shutdown()
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	version = 2
	if err := engine.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if engine.Version() != 2 {
		t.Fatalf("expected version 2 after reload, got %d", engine.Version())
	}
}

func TestPolicyEngineReloadWithoutClientErrors(t *testing.T) {
	engine, err := NewPolicyEngine(testEngineConfig(t))
	if err != nil {
		t.Fatalf("NewPolicyEngine: %v", err)
	}
	defer engine.Shutdown()

	if err := engine.Reload(context.Background()); err == nil {
		t.Fatal("expected error reloading with no configured client")
	}
}

func TestBuildTrustAnchors(t *testing.T) {
	anchors := BuildTrustAnchors([]string{"key1", "key2"})
	if len(anchors) != 2 {
		t.Fatalf("expected 2 anchors, got %d", len(anchors))
	}
	if anchors[0].KeyID != "key1" || anchors[1].KeyID != "key2" {
		t.Fatalf("unexpected anchor key ids: %+v", anchors)
	}
}
